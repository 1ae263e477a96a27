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

package iot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edgegate/edgegate/lib/events"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// fakeCloud is a scriptable CloudClient.
type fakeCloud struct {
	mu sync.Mutex

	activeCertIDs map[string]string // pem -> cloud id
	attachments   map[string]bool   // thingName/certID -> attached
	attributes    map[string]map[string]string
	associated    []string

	err error // when set, every call fails with it

	activeCertCalls int
	verifyCalls     int
	listAttrCalls   int
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		activeCertIDs: make(map[string]string),
		attachments:   make(map[string]bool),
		attributes:    make(map[string]map[string]string),
	}
}

func (f *fakeCloud) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeCloud) GetActiveCertificateID(ctx context.Context, pem string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeCertCalls++
	if f.err != nil {
		return "", f.err
	}
	id, ok := f.activeCertIDs[pem]
	if !ok {
		return "", trace.NotFound("certificate is not registered")
	}
	return id, nil
}

func (f *fakeCloud) VerifyThingAttachedToCertificate(ctx context.Context, thingName, certID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if f.err != nil {
		return false, f.err
	}
	return f.attachments[thingName+"/"+certID], nil
}

func (f *fakeCloud) ListThingAttributes(ctx context.Context, thingName string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listAttrCalls++
	if f.err != nil {
		return nil, f.err
	}
	attrs, ok := f.attributes[thingName]
	if !ok {
		return nil, trace.NotFound("unknown thing %q", thingName)
	}
	return attrs, nil
}

func (f *fakeCloud) ListAssociatedThings(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.associated, nil
}

// staticNetwork implements NetworkStateProvider.
type staticNetwork struct {
	mu    sync.Mutex
	state events.NetworkState
}

func (n *staticNetwork) Current() events.NetworkState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *staticNetwork) set(state events.NetworkState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = state
}

func TestThingNameValidation(t *testing.T) {
	for _, name := range []string{"Thing1", "core-device", "ns:thing", "a_b-c:d"} {
		_, err := NewThing(name)
		require.NoError(t, err, "name %q", name)
	}
	for _, name := range []string{"", "thing name", "thing/one", "thing#1"} {
		_, err := NewThing(name)
		require.True(t, trace.IsBadParameter(err), "name %q", name)
	}
}

func TestCertificateIDStability(t *testing.T) {
	cert1, err := NewCertificate("pem-one")
	require.NoError(t, err)
	cert2, err := NewCertificate("pem-one")
	require.NoError(t, err)
	cert3, err := NewCertificate("pem-two")
	require.NoError(t, err)

	require.Equal(t, cert1.ID(), cert2.ID())
	require.NotEqual(t, cert1.ID(), cert3.ID())
	require.Len(t, cert1.ID(), 64)

	_, err = NewCertificate("")
	require.True(t, trace.IsBadParameter(err))
}

func TestCertificateRegistryCachesPositives(t *testing.T) {
	cloud := newFakeCloud()
	cloud.activeCertIDs["pem-a"] = "iot-a"

	registry, err := NewCertificateRegistry(CertificateRegistryConfig{Cloud: cloud})
	require.NoError(t, err)

	ctx := context.Background()
	id, err := registry.GetIoTCertificateIDForPEM(ctx, "pem-a")
	require.NoError(t, err)
	require.Equal(t, "iot-a", id)

	// Second lookup is served from cache.
	id, err = registry.GetIoTCertificateIDForPEM(ctx, "pem-a")
	require.NoError(t, err)
	require.Equal(t, "iot-a", id)
	require.Equal(t, 1, cloud.activeCertCalls)
}

func TestCertificateRegistryNegativesNotSticky(t *testing.T) {
	cloud := newFakeCloud()
	registry, err := NewCertificateRegistry(CertificateRegistryConfig{Cloud: cloud})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = registry.GetIoTCertificateIDForPEM(ctx, "pem-a")
	require.True(t, trace.IsNotFound(err))

	// The certificate is activated later: the next lookup sees it.
	cloud.mu.Lock()
	cloud.activeCertIDs["pem-a"] = "iot-a"
	cloud.mu.Unlock()

	id, err := registry.GetIoTCertificateIDForPEM(ctx, "pem-a")
	require.NoError(t, err)
	require.Equal(t, "iot-a", id)
}

func TestCertificateRegistryEmptyPEM(t *testing.T) {
	registry, err := NewCertificateRegistry(CertificateRegistryConfig{Cloud: newFakeCloud()})
	require.NoError(t, err)
	_, err = registry.GetIoTCertificateIDForPEM(context.Background(), "")
	require.True(t, trace.IsBadParameter(err))
}

func newTestVerifier(t *testing.T, cloud *fakeCloud, network *staticNetwork, clock clockwork.Clock, trust time.Duration) (*AttachmentVerifier, *ThingRegistry) {
	t.Helper()
	things := NewThingRegistry()
	verifier, err := NewAttachmentVerifier(AttachmentVerifierConfig{
		Cloud:   cloud,
		Things:  things,
		Network: network,
		Trust:   NewTrustConfig(trust),
		Clock:   clock,
	})
	require.NoError(t, err)
	return verifier, things
}

func TestVerifyCloudPositiveRecordsAttachment(t *testing.T) {
	cloud := newFakeCloud()
	cloud.attachments["t1/c1"] = true
	network := &staticNetwork{state: events.NetworkUp}
	clock := clockwork.NewFakeClock()

	verifier, things := newTestVerifier(t, cloud, network, clock, time.Hour)

	result, err := verifier.Verify(context.Background(), "t1", "c1")
	require.NoError(t, err)
	require.True(t, result.Attached)
	require.Equal(t, SourceCloud, result.Source)
	require.Equal(t, clock.Now(), result.LastAttached)
	require.Equal(t, clock.Now().Add(time.Hour), result.ExpiresAt)

	thing, ok := things.Get("t1")
	require.True(t, ok)
	last, ok := thing.LastAttached("c1")
	require.True(t, ok)
	require.Equal(t, clock.Now(), last)
}

func TestVerifyCloudDefiniteNegativeDetaches(t *testing.T) {
	cloud := newFakeCloud()
	cloud.attachments["t1/c1"] = true
	network := &staticNetwork{state: events.NetworkUp}
	clock := clockwork.NewFakeClock()

	verifier, things := newTestVerifier(t, cloud, network, clock, time.Hour)

	// Attach while the cloud says yes.
	result, err := verifier.Verify(context.Background(), "t1", "c1")
	require.NoError(t, err)
	require.True(t, result.Attached)

	// The cloud now says no: the local record is removed too.
	cloud.mu.Lock()
	cloud.attachments["t1/c1"] = false
	cloud.mu.Unlock()

	result, err = verifier.Verify(context.Background(), "t1", "c1")
	require.NoError(t, err)
	require.False(t, result.Attached)
	require.Equal(t, SourceCloud, result.Source)

	thing, _ := things.Get("t1")
	_, ok := thing.LastAttached("c1")
	require.False(t, ok)

	// Even offline the attachment stays gone.
	network.set(events.NetworkDown)
	result, err = verifier.Verify(context.Background(), "t1", "c1")
	require.NoError(t, err)
	require.False(t, result.Attached)
	require.Equal(t, SourceLocal, result.Source)
}

func TestVerifyLocalFallbackWithinTrustWindow(t *testing.T) {
	cloud := newFakeCloud()
	cloud.attachments["t1/c1"] = true
	network := &staticNetwork{state: events.NetworkUp}
	clock := clockwork.NewFakeClock()

	verifier, _ := newTestVerifier(t, cloud, network, clock, time.Hour)
	_, err := verifier.Verify(context.Background(), "t1", "c1")
	require.NoError(t, err)

	// Cloud failures are indefinite: local trust applies.
	cloud.setError(trace.ConnectionProblem(nil, "cloud is down"))

	result, err := verifier.Verify(context.Background(), "t1", "c1")
	require.NoError(t, err)
	require.True(t, result.Attached)
	require.Equal(t, SourceLocal, result.Source)

	// Past the trust window the attachment expires.
	clock.Advance(2 * time.Hour)
	result, err = verifier.Verify(context.Background(), "t1", "c1")
	require.NoError(t, err)
	require.False(t, result.Attached)
}

func TestVerifyZeroTrustDurationExpiresImmediately(t *testing.T) {
	cloud := newFakeCloud()
	cloud.attachments["t1/c1"] = true
	network := &staticNetwork{state: events.NetworkUp}
	clock := clockwork.NewFakeClock()

	verifier, _ := newTestVerifier(t, cloud, network, clock, 0)
	_, err := verifier.Verify(context.Background(), "t1", "c1")
	require.NoError(t, err)

	network.set(events.NetworkDown)
	result, err := verifier.Verify(context.Background(), "t1", "c1")
	require.NoError(t, err)
	require.False(t, result.Attached)
	require.Equal(t, SourceLocal, result.Source)
}

func TestVerifyTrustDurationChangeTakesEffect(t *testing.T) {
	cloud := newFakeCloud()
	cloud.attachments["t1/c1"] = true
	network := &staticNetwork{state: events.NetworkUp}
	clock := clockwork.NewFakeClock()

	trust := NewTrustConfig(time.Hour)
	things := NewThingRegistry()
	verifier, err := NewAttachmentVerifier(AttachmentVerifierConfig{
		Cloud:   cloud,
		Things:  things,
		Network: network,
		Trust:   trust,
		Clock:   clock,
	})
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), "t1", "c1")
	require.NoError(t, err)

	network.set(events.NetworkDown)
	clock.Advance(30 * time.Minute)

	result, err := verifier.Verify(context.Background(), "t1", "c1")
	require.NoError(t, err)
	require.True(t, result.Attached)

	// Shrinking the window immediately expires the attachment.
	trust.Set(10 * time.Minute)
	result, err = verifier.Verify(context.Background(), "t1", "c1")
	require.NoError(t, err)
	require.False(t, result.Attached)
}

func TestAttributesCacheRefresh(t *testing.T) {
	cloud := newFakeCloud()
	cloud.associated = []string{"t1", "t2"}
	cloud.attributes["t1"] = map[string]string{"model": "alpha"}
	cloud.attributes["t2"] = map[string]string{"model": "beta"}
	network := &staticNetwork{state: events.NetworkUp}

	cache, err := NewAttributesCache(AttributesCacheConfig{
		Cloud:   cloud,
		Network: network,
		Clock:   clockwork.NewRealClock(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	cache.Start(ctx)
	defer cache.Stop()
	require.NoError(t, cache.WaitForInitialization(ctx, 5*time.Second))

	attrs, err := cache.Attributes(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"model": "alpha"}, attrs)

	names, err := cache.AssociatedThingNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2"}, names)
}

func TestAttributesCacheSurvivesOffline(t *testing.T) {
	cloud := newFakeCloud()
	cloud.associated = []string{"t1"}
	cloud.attributes["t1"] = map[string]string{"model": "alpha"}
	network := &staticNetwork{state: events.NetworkUp}

	cache, err := NewAttributesCache(AttributesCacheConfig{
		Cloud:   cloud,
		Network: network,
		Clock:   clockwork.NewRealClock(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	cache.Start(ctx)
	defer cache.Stop()
	require.NoError(t, cache.WaitForInitialization(ctx, 5*time.Second))

	network.set(events.NetworkDown)
	cloud.setError(trace.ConnectionProblem(nil, "offline"))

	attrs, err := cache.Attributes(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"model": "alpha"}, attrs)

	// Unknown things have nothing to fall back to.
	_, err = cache.Attributes(ctx, "t9")
	require.True(t, trace.IsNotFound(err))
}

func TestAttributesCacheStopResetsLatch(t *testing.T) {
	cloud := newFakeCloud()
	cloud.associated = []string{}
	network := &staticNetwork{state: events.NetworkUp}

	cache, err := NewAttributesCache(AttributesCacheConfig{
		Cloud:   cloud,
		Network: network,
		Clock:   clockwork.NewRealClock(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	cache.Start(ctx)
	require.NoError(t, cache.WaitForInitialization(ctx, 5*time.Second))
	cache.Stop()

	err = cache.WaitForInitialization(ctx, 10*time.Millisecond)
	require.True(t, trace.IsLimitExceeded(err))
}

func TestRetryingClientRetriesThrottling(t *testing.T) {
	cloud := newFakeCloud()
	cloud.setError(trace.LimitExceeded("throttled"))
	client := NewRetryingClient(cloud, clockwork.NewRealClock())

	_, err := client.GetActiveCertificateID(context.Background(), "pem")
	require.Error(t, err)
	require.Equal(t, 3, cloud.activeCertCalls)
}

func TestRetryingClientDefiniteNegativeNotRetried(t *testing.T) {
	cloud := newFakeCloud()
	client := NewRetryingClient(cloud, clockwork.NewRealClock())

	_, err := client.GetActiveCertificateID(context.Background(), "pem")
	require.True(t, trace.IsNotFound(err))
	require.Equal(t, 1, cloud.activeCertCalls)
}
