/*
Copyright 2024 EdgeGate, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package session

import (
	"context"
	"fmt"
	"testing"

	"github.com/edgegate/edgegate/lib/events"
	"github.com/edgegate/edgegate/lib/iot"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// stubFactory returns a fresh empty session per call, or fails.
type stubFactory struct {
	err error
}

func (f *stubFactory) CreateSession(ctx context.Context, credentials map[string]string) (*Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return NewSession(), nil
}

func newTestManager(t *testing.T, capacity int) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{Capacity: capacity})
	require.NoError(t, err)
	m.RegisterFactory("stub", &stubFactory{})
	return m
}

func stubCredentials(n int) map[string]string {
	return map[string]string{
		CredentialClientID:       fmt.Sprintf("client-%d", n),
		CredentialCertificatePEM: fmt.Sprintf("pem-%d", n),
	}
}

func TestCreateAndFindSession(t *testing.T) {
	m := newTestManager(t, 10)

	id, err := m.CreateSession(context.Background(), "stub", stubCredentials(1))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sess, ok := m.FindSession(id)
	require.True(t, ok)
	require.NotNil(t, sess)

	m.CloseSession(id)
	_, ok = m.FindSession(id)
	require.False(t, ok)
}

func TestCreateSessionUnknownCredentialType(t *testing.T) {
	m := newTestManager(t, 10)
	_, err := m.CreateSession(context.Background(), "telnet", nil)
	require.True(t, trace.IsBadParameter(err))
}

func TestSessionLRUEviction(t *testing.T) {
	m := newTestManager(t, 3)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.CreateSession(ctx, "stub", stubCredentials(i))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Touch the first session so the second becomes least recently
	// used.
	_, ok := m.FindSession(ids[0])
	require.True(t, ok)

	id, err := m.CreateSession(ctx, "stub", stubCredentials(99))
	require.NoError(t, err)

	require.Equal(t, 3, m.Len())
	_, ok = m.FindSession(ids[1])
	require.False(t, ok, "least recently used session should have been evicted")
	_, ok = m.FindSession(ids[0])
	require.True(t, ok)
	_, ok = m.FindSession(id)
	require.True(t, ok)
}

func TestSessionReauthenticationReplacesPrior(t *testing.T) {
	m := newTestManager(t, 10)
	ctx := context.Background()

	creds := stubCredentials(7)
	first, err := m.CreateSession(ctx, "stub", creds)
	require.NoError(t, err)
	second, err := m.CreateSession(ctx, "stub", creds)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	_, ok := m.FindSession(first)
	require.False(t, ok, "prior session id should be invalidated")
	_, ok = m.FindSession(second)
	require.True(t, ok)
	require.Equal(t, 1, m.Len())
}

func TestSessionCreationEvents(t *testing.T) {
	bus, err := events.NewBus(events.BusConfig{})
	require.NoError(t, err)
	var outcomes []events.Outcome
	bus.Subscribe(events.KindSessionCreation, events.HandlerFunc(func(event events.Event) error {
		outcomes = append(outcomes, event.(events.SessionCreation).Outcome)
		return nil
	}))

	m, err := NewManager(ManagerConfig{Capacity: 10, Bus: bus})
	require.NoError(t, err)
	m.RegisterFactory("stub", &stubFactory{})
	m.RegisterFactory("broken", &stubFactory{err: trace.AccessDenied("bad credentials")})

	_, err = m.CreateSession(context.Background(), "stub", stubCredentials(1))
	require.NoError(t, err)
	_, err = m.CreateSession(context.Background(), "broken", stubCredentials(2))
	require.Error(t, err)

	require.Equal(t, []events.Outcome{events.OutcomeSuccess, events.OutcomeFailure}, outcomes)
}

func TestClampCapacity(t *testing.T) {
	require.Equal(t, MinCapacity, ClampCapacity(-5))
	require.Equal(t, MinCapacity, ClampCapacity(0))
	require.Equal(t, 42, ClampCapacity(42))
	require.Equal(t, MaxCapacity, ClampCapacity(1<<30))
}

func TestUpdateCapacityEvicts(t *testing.T) {
	m := newTestManager(t, 10)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := m.CreateSession(ctx, "stub", stubCredentials(i))
		require.NoError(t, err)
	}
	m.UpdateCapacity(2)
	require.Equal(t, 2, m.Len())
}

func TestSessionAttributes(t *testing.T) {
	thing, err := iot.NewThing("t1")
	require.NoError(t, err)
	thing.SetAttributes(map[string]string{"model": "alpha"})
	cert, err := iot.NewCertificate("pem-1")
	require.NoError(t, err)

	sess := NewSession(NewThingProvider(thing), NewCertificateProvider(cert))

	name, ok := sess.Attribute(NamespaceThing, AttrThingName)
	require.True(t, ok)
	require.Equal(t, "t1", name)

	model, ok := sess.Attribute(NamespaceThing, "model")
	require.True(t, ok)
	require.Equal(t, "alpha", model)

	id, ok := sess.Attribute(NamespaceCertificate, AttrCertificateID)
	require.True(t, ok)
	require.Equal(t, cert.ID(), id)

	_, ok = sess.Attribute(NamespaceComponent, AttrComponent)
	require.False(t, ok)
	require.False(t, sess.HasNamespace(NamespaceComponent))
}

// scriptedCloud implements iot.CloudClient for factory tests.
type scriptedCloud struct {
	activeIDs   map[string]string
	attachments map[string]bool
	err         error
}

func (f *scriptedCloud) GetActiveCertificateID(ctx context.Context, pem string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	id, ok := f.activeIDs[pem]
	if !ok {
		return "", trace.NotFound("not registered")
	}
	return id, nil
}

func (f *scriptedCloud) VerifyThingAttachedToCertificate(ctx context.Context, thingName, certID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.attachments[thingName+"/"+certID], nil
}

func (f *scriptedCloud) ListThingAttributes(ctx context.Context, thingName string) (map[string]string, error) {
	return nil, trace.NotFound("unused")
}

func (f *scriptedCloud) ListAssociatedThings(ctx context.Context) ([]string, error) {
	return nil, trace.NotFound("unused")
}

type upNetwork struct{}

func (upNetwork) Current() events.NetworkState { return events.NetworkUp }

type allowAllComponents struct{}

func (allowAllComponents) IsComponent(string) bool { return true }

func newMQTTFactory(t *testing.T, cloud *scriptedCloud, components ComponentVerifier) *MQTTFactory {
	t.Helper()
	things := iot.NewThingRegistry()
	registry, err := iot.NewCertificateRegistry(iot.CertificateRegistryConfig{Cloud: cloud})
	require.NoError(t, err)
	verifier, err := iot.NewAttachmentVerifier(iot.AttachmentVerifierConfig{
		Cloud:   cloud,
		Things:  things,
		Network: upNetwork{},
		Clock:   clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	factory, err := NewMQTTFactory(MQTTFactoryConfig{
		Certificates: registry,
		Verifier:     verifier,
		Things:       things,
		Components:   components,
	})
	require.NoError(t, err)
	return factory
}

func TestMQTTFactoryAuthenticates(t *testing.T) {
	cloud := &scriptedCloud{
		activeIDs:   map[string]string{"pem-1": "iot-1"},
		attachments: map[string]bool{"t1/iot-1": true},
	}
	factory := newMQTTFactory(t, cloud, nil)

	sess, err := factory.CreateSession(context.Background(), map[string]string{
		CredentialClientID:       "t1",
		CredentialCertificatePEM: "pem-1",
	})
	require.NoError(t, err)

	name, ok := sess.Attribute(NamespaceThing, AttrThingName)
	require.True(t, ok)
	require.Equal(t, "t1", name)
	id, ok := sess.Attribute(NamespaceCertificate, AttrCertificateID)
	require.True(t, ok)
	require.Equal(t, iot.CertificateID("pem-1"), id)
}

func TestMQTTFactoryRejectsInactiveCertificate(t *testing.T) {
	cloud := &scriptedCloud{activeIDs: map[string]string{}}
	factory := newMQTTFactory(t, cloud, nil)

	_, err := factory.CreateSession(context.Background(), map[string]string{
		CredentialClientID:       "t1",
		CredentialCertificatePEM: "pem-1",
	})
	require.True(t, trace.IsAccessDenied(err))
}

func TestMQTTFactoryRejectsUnattachedThing(t *testing.T) {
	cloud := &scriptedCloud{
		activeIDs:   map[string]string{"pem-1": "iot-1"},
		attachments: map[string]bool{},
	}
	factory := newMQTTFactory(t, cloud, nil)

	_, err := factory.CreateSession(context.Background(), map[string]string{
		CredentialClientID:       "t1",
		CredentialCertificatePEM: "pem-1",
	})
	require.True(t, trace.IsAccessDenied(err))
}

func TestMQTTFactoryCloudFailureIsAuthenticationError(t *testing.T) {
	cloud := &scriptedCloud{err: trace.ConnectionProblem(nil, "cloud is down")}
	factory := newMQTTFactory(t, cloud, nil)

	_, err := factory.CreateSession(context.Background(), map[string]string{
		CredentialClientID:       "t1",
		CredentialCertificatePEM: "pem-1",
	})
	require.True(t, trace.IsAccessDenied(err))
}

func TestMQTTFactoryComponentBypass(t *testing.T) {
	// The cloud would deny everything, but component certificates
	// never reach it.
	cloud := &scriptedCloud{err: trace.ConnectionProblem(nil, "cloud is down")}
	factory := newMQTTFactory(t, cloud, allowAllComponents{})

	sess, err := factory.CreateSession(context.Background(), map[string]string{
		CredentialClientID:       "component-client",
		CredentialCertificatePEM: "pem-component",
	})
	require.NoError(t, err)
	require.True(t, sess.HasNamespace(NamespaceComponent))
	require.False(t, sess.HasNamespace(NamespaceThing))
}

// scriptedAttributes is a map-backed ThingAttributesSource.
type scriptedAttributes struct {
	attrs map[string]map[string]string
}

func (s *scriptedAttributes) Attributes(ctx context.Context, thingName string) (map[string]string, error) {
	attrs, ok := s.attrs[thingName]
	if !ok {
		return nil, trace.NotFound("no attributes for thing %q", thingName)
	}
	return attrs, nil
}

func TestMQTTFactoryPopulatesThingAttributes(t *testing.T) {
	cloud := &scriptedCloud{
		activeIDs:   map[string]string{"pem-1": "iot-1", "pem-2": "iot-2"},
		attachments: map[string]bool{"t1/iot-1": true, "t2/iot-2": true},
	}
	things := iot.NewThingRegistry()
	registry, err := iot.NewCertificateRegistry(iot.CertificateRegistryConfig{Cloud: cloud})
	require.NoError(t, err)
	verifier, err := iot.NewAttachmentVerifier(iot.AttachmentVerifierConfig{
		Cloud:   cloud,
		Things:  things,
		Network: upNetwork{},
		Clock:   clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	factory, err := NewMQTTFactory(MQTTFactoryConfig{
		Certificates: registry,
		Verifier:     verifier,
		Things:       things,
		Attributes: &scriptedAttributes{attrs: map[string]map[string]string{
			"t1": {"model": "alpha", "firmware": "2.1"},
		}},
	})
	require.NoError(t, err)

	sess, err := factory.CreateSession(context.Background(), map[string]string{
		CredentialClientID:       "t1",
		CredentialCertificatePEM: "pem-1",
	})
	require.NoError(t, err)

	model, ok := sess.Attribute(NamespaceThing, "model")
	require.True(t, ok)
	require.Equal(t, "alpha", model)
	firmware, ok := sess.Attribute(NamespaceThing, "firmware")
	require.True(t, ok)
	require.Equal(t, "2.1", firmware)

	// A thing with nothing cached still authenticates and keeps its
	// name.
	sess, err = factory.CreateSession(context.Background(), map[string]string{
		CredentialClientID:       "t2",
		CredentialCertificatePEM: "pem-2",
	})
	require.NoError(t, err)
	_, ok = sess.Attribute(NamespaceThing, "model")
	require.False(t, ok)
	name, ok := sess.Attribute(NamespaceThing, AttrThingName)
	require.True(t, ok)
	require.Equal(t, "t2", name)
}

func TestMQTTFactoryRequiresCertificate(t *testing.T) {
	factory := newMQTTFactory(t, &scriptedCloud{}, nil)
	_, err := factory.CreateSession(context.Background(), map[string]string{
		CredentialClientID: "t1",
	})
	require.True(t, trace.IsAccessDenied(err))
}
