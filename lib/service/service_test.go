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

package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/edgegate/edgegate/lib/ca"
	"github.com/edgegate/edgegate/lib/certmanager"
	"github.com/edgegate/edgegate/lib/certstore"
	"github.com/edgegate/edgegate/lib/config"
	"github.com/edgegate/edgegate/lib/events"
	"github.com/edgegate/edgegate/lib/policy"
	"github.com/edgegate/edgegate/lib/session"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// fakeCloud is a scriptable cloud registry.
type fakeCloud struct {
	mu          sync.Mutex
	activeCerts map[string]string
	attachments map[string]bool
	attributes  map[string]map[string]string
	err         error
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		activeCerts: make(map[string]string),
		attachments: make(map[string]bool),
		attributes:  make(map[string]map[string]string),
	}
}

func (f *fakeCloud) GetActiveCertificateID(ctx context.Context, certificatePEM string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	id, ok := f.activeCerts[certificatePEM]
	if !ok {
		return "", trace.NotFound("certificate is not registered")
	}
	return id, nil
}

func (f *fakeCloud) VerifyThingAttachedToCertificate(ctx context.Context, thingName, iotCertificateID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.attachments[thingName+"/"+iotCertificateID], nil
}

func (f *fakeCloud) ListThingAttributes(ctx context.Context, thingName string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.attributes[thingName], nil
}

func (f *fakeCloud) ListAssociatedThings(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var names []string
	for name := range f.attributes {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeCloud) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func testDocument(t *testing.T) *config.Document {
	t.Helper()
	doc := &config.Document{
		WorkDirectory: t.TempDir(),
		Security: config.SecurityConfig{
			ClientDeviceTrustDurationMinutes: 60,
		},
		Connectivity: config.ConnectivityConfig{
			HostAddresses: []string{"192.168.1.1"},
		},
		DeviceGroups: config.DeviceGroupsConfig{
			Definitions: map[string]policy.GroupDefinition{
				"sensors": {SelectionRule: "thingName: sensor-*", PolicyName: "sensorPolicy"},
			},
			Policies: map[string]map[string]policy.Statement{
				"sensorPolicy": {
					"publish": {
						Effect:     "ALLOW",
						Operations: []string{"mqtt:*"},
						Resources:  []string{"mqtt:topic:${iot:Connection.Thing.ThingName}"},
					},
				},
			},
		},
	}
	require.NoError(t, doc.CheckAndSetDefaults())
	return doc
}

type testHarness struct {
	service *Service
	cloud   *fakeCloud
	clock   clockwork.FakeClock
	doc     *config.Document
	bundles []certmanager.Bundle
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		cloud: newFakeCloud(),
		clock: clockwork.NewFakeClock(),
		doc:   testDocument(t),
	}
	var err error
	h.service, err = New(Config{
		Document: h.doc,
		Cloud:    h.cloud,
		Clock:    h.clock,
	})
	require.NoError(t, err)
	h.service.Start()
	t.Cleanup(h.service.Close)
	return h
}

// goOnline flips the transport UP and waits for the tracker to
// observe it.
func (h *testHarness) goOnline(t *testing.T) {
	t.Helper()
	h.service.NetworkCallbacks().OnConnect()
	waitForState(t, h.service, events.NetworkUp)
}

func (h *testHarness) goOffline(t *testing.T) {
	t.Helper()
	h.service.NetworkCallbacks().OnConnectionInterrupted()
	waitForState(t, h.service, events.NetworkDown)
}

func waitForState(t *testing.T, s *Service, want events.NetworkState) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if s.NetworkCallbacks().Current() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("network state never became %v", want)
}

// registerDevice registers a device certificate and its thing
// attachment with the fake cloud. Returns the certificate PEM.
func (h *testHarness) registerDevice(t *testing.T, thingName string) string {
	t.Helper()
	signer, err := certstore.NewECKeyPair()
	require.NoError(t, err)
	cert, err := ca.GenerateCA(signer, thingName, h.clock.Now(), time.Hour)
	require.NoError(t, err)
	pem := ca.EncodeCertificatePEM(cert)

	iotID := "iot-cert-" + thingName
	h.cloud.mu.Lock()
	h.cloud.activeCerts[pem] = iotID
	h.cloud.attachments[thingName+"/"+iotID] = true
	h.cloud.mu.Unlock()
	return pem
}

func mqttCredentials(thingName, pem string) AuthTokenRequest {
	return AuthTokenRequest{
		CredentialType: session.CredentialTypeMQTT,
		Credentials: map[string]string{
			session.CredentialClientID:       thingName,
			session.CredentialCertificatePEM: pem,
		},
	}
}

func TestFreshStartManagedCA(t *testing.T) {
	h := newTestHarness(t)

	chain, err := h.service.CACertificates()
	require.NoError(t, err)
	require.Len(t, chain, 1)

	cert, err := ca.ParseCertificatePEM(chain[0])
	require.NoError(t, err)
	require.True(t, cert.IsCA)

	// The generated passphrase is 16 printable characters.
	data, err := os.ReadFile(filepath.Join(h.doc.WorkDirectory, passphraseFile))
	require.NoError(t, err)
	require.Len(t, data, 16)
	for _, b := range data {
		require.GreaterOrEqual(t, b, byte(0x20))
		require.LessOrEqual(t, b, byte(0x7E))
	}
}

func TestCustomCALoad(t *testing.T) {
	signer, err := certstore.NewECKeyPair()
	require.NoError(t, err)
	caCert, err := ca.GenerateCA(signer, "Custom Root", time.Now(), ca.DefaultCAValidity)
	require.NoError(t, err)
	keyPEM, err := ca.EncodePrivateKeyPEM(signer)
	require.NoError(t, err)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca.key")
	require.NoError(t, os.WriteFile(certPath, []byte(ca.EncodeCertificatePEM(caCert)), 0o600))
	require.NoError(t, os.WriteFile(keyPath, []byte(keyPEM), 0o600))

	doc := testDocument(t)
	doc.CertificateAuthority.CA.CertificateURI = "file://" + certPath
	doc.CertificateAuthority.CA.PrivateKeyURI = "file://" + keyPath

	svc, err := New(Config{Document: doc, Cloud: newFakeCloud(), Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	svc.Start()
	defer svc.Close()

	chain, err := svc.CACertificates()
	require.NoError(t, err)
	require.Len(t, chain, 1)
	require.Equal(t, ca.EncodeCertificatePEM(caCert), chain[0])
}

func TestConfiguredKeyTypeRegeneratesCA(t *testing.T) {
	doc := testDocument(t)
	doc.CertificateAuthority.CA.Type = string(certstore.ECDSAP256)

	svc, err := New(Config{Document: doc, Cloud: newFakeCloud(), Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	defer svc.Close()

	chain, err := svc.CACertificates()
	require.NoError(t, err)
	cert, err := ca.ParseCertificatePEM(chain[0])
	require.NoError(t, err)
	require.Equal(t, "ECDSA", cert.PublicKeyAlgorithm.String())
}

func TestAuthTokenAndAuthorization(t *testing.T) {
	h := newTestHarness(t)
	h.goOnline(t)
	ctx := context.Background()

	pem := h.registerDevice(t, "sensor-1")
	token, err := h.service.GetClientDeviceAuthToken(ctx, mqttCredentials("sensor-1", pem))
	require.NoError(t, err)
	require.NotEmpty(t, token)

	allowed, err := h.service.AuthorizeClientDeviceAction(AuthorizeRequest{
		Token: token, Operation: "mqtt:publish", Resource: "mqtt:topic:sensor-1",
	})
	require.NoError(t, err)
	require.True(t, allowed)

	// The policy variable resolves per session, so another thing's
	// topic is denied.
	allowed, err = h.service.AuthorizeClientDeviceAction(AuthorizeRequest{
		Token: token, Operation: "mqtt:publish", Resource: "mqtt:topic:sensor-2",
	})
	require.NoError(t, err)
	require.False(t, allowed)

	// Unknown tokens are rejected outright.
	_, err = h.service.AuthorizeClientDeviceAction(AuthorizeRequest{
		Token: "bogus", Operation: "mqtt:publish", Resource: "mqtt:topic:sensor-1",
	})
	require.True(t, trace.IsAccessDenied(err))

	h.service.CloseSession(token)
	_, err = h.service.AuthorizeClientDeviceAction(AuthorizeRequest{
		Token: token, Operation: "mqtt:publish", Resource: "mqtt:topic:sensor-1",
	})
	require.True(t, trace.IsAccessDenied(err))
}

func TestOfflineAuthenticationWithinTrustWindow(t *testing.T) {
	h := newTestHarness(t)
	h.goOnline(t)
	ctx := context.Background()

	pem := h.registerDevice(t, "sensor-1")
	_, err := h.service.GetClientDeviceAuthToken(ctx, mqttCredentials("sensor-1", pem))
	require.NoError(t, err)

	h.goOffline(t)

	// Within the trust window the cached attachment authenticates.
	h.clock.Advance(30 * time.Minute)
	token, err := h.service.GetClientDeviceAuthToken(ctx, mqttCredentials("sensor-1", pem))
	require.NoError(t, err)

	sess, ok := h.service.sessions.FindSession(token)
	require.True(t, ok)
	name, ok := sess.Attribute(session.NamespaceThing, session.AttrThingName)
	require.True(t, ok)
	require.Equal(t, "sensor-1", name)

	// Past the window the local attachment has expired.
	h.clock.Advance(31 * time.Minute)
	_, err = h.service.GetClientDeviceAuthToken(ctx, mqttCredentials("sensor-1", pem))
	require.True(t, trace.IsAccessDenied(err))
}

func TestVerifyClientDeviceIdentity(t *testing.T) {
	h := newTestHarness(t)
	h.goOnline(t)
	ctx := context.Background()

	// A certificate issued by the gateway's CA is a component.
	sub, err := h.service.SubscribeToCertificateUpdates(certmanager.SubscribeRequest{
		ServiceID:  "bridge",
		Kind:       certmanager.KindClient,
		CommonName: "bridge",
		Callback:   func(b certmanager.Bundle) { h.recordBundle(b) },
	})
	require.NoError(t, err)
	defer h.service.UnsubscribeFromCertificateUpdates(sub)

	valid, err := h.service.VerifyClientDeviceIdentity(ctx, h.lastBundle(t).CertificatePEM)
	require.NoError(t, err)
	require.True(t, valid)

	// A cloud-registered device certificate is valid.
	pem := h.registerDevice(t, "sensor-1")
	valid, err = h.service.VerifyClientDeviceIdentity(ctx, pem)
	require.NoError(t, err)
	require.True(t, valid)

	// An unknown certificate is a definite no, not an error.
	signer, err := certstore.NewECKeyPair()
	require.NoError(t, err)
	stray, err := ca.GenerateCA(signer, "stray", h.clock.Now(), time.Hour)
	require.NoError(t, err)
	valid, err = h.service.VerifyClientDeviceIdentity(ctx, ca.EncodeCertificatePEM(stray))
	require.NoError(t, err)
	require.False(t, valid)

	_, err = h.service.VerifyClientDeviceIdentity(ctx, "not a pem")
	require.Error(t, err)
}

func TestApplyConfiguration(t *testing.T) {
	h := newTestHarness(t)

	require.Equal(t, time.Hour, h.service.trust.Get())
	require.ElementsMatch(t, []string{"192.168.1.1"}, h.service.certManager.HostAddresses())

	updated := *h.doc
	updated.Security.ClientDeviceTrustDurationMinutes = 5
	updated.Connectivity.HostAddresses = []string{"192.168.1.1", "gw.example"}
	require.NoError(t, h.service.ApplyConfiguration(&updated))

	require.Equal(t, 5*time.Minute, h.service.trust.Get())
	require.ElementsMatch(t, []string{"192.168.1.1", "gw.example"}, h.service.certManager.HostAddresses())
}

func TestUseCaseContainer(t *testing.T) {
	h := newTestHarness(t)

	for _, name := range []string{UseCaseCreateToken, UseCaseAuthorize, UseCaseVerify} {
		uc, err := h.service.UseCases().Get(name)
		require.NoError(t, err)
		require.NotNil(t, uc)
	}
}

// Bundle recording helpers shared by the identity tests.

var bundleMu sync.Mutex

func (h *testHarness) recordBundle(b certmanager.Bundle) {
	bundleMu.Lock()
	defer bundleMu.Unlock()
	h.bundles = append(h.bundles, b)
}

func (h *testHarness) lastBundle(t *testing.T) certmanager.Bundle {
	t.Helper()
	bundleMu.Lock()
	defer bundleMu.Unlock()
	require.NotEmpty(t, h.bundles)
	return h.bundles[len(h.bundles)-1]
}
