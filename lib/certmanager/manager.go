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

package certmanager

import (
	"crypto"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/edgegate/edgegate/lib/ca"
	"github.com/edgegate/edgegate/lib/certstore"
	"github.com/edgegate/edgegate/lib/events"
	"github.com/edgegate/edgegate/lib/utils"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Kind selects the leaf certificate profile.
type Kind string

const (
	KindServer Kind = "SERVER"
	KindClient Kind = "CLIENT"
)

// Bundle is the material handed to a subscriber on every issuance.
type Bundle struct {
	// CertificatePEM is the issued leaf.
	CertificatePEM string
	// CAChainPEM is the issuing chain, one PEM per certificate.
	CAChainPEM []string
	// PrivateKeyPEM is the leaf's private key.
	PrivateKeyPEM string
}

// Callback receives issued certificate material. It is invoked on the
// goroutine performing the issuance.
type Callback func(Bundle)

// SubscribeRequest registers a caller for certificate updates.
type SubscribeRequest struct {
	// ServiceID identifies the subscribing caller.
	ServiceID string
	// Kind is the requested profile.
	Kind Kind
	// CommonName is the leaf subject CN.
	CommonName string
	// Callback receives the initial bundle and every renewal.
	Callback Callback
}

// Check validates the request.
func (r *SubscribeRequest) Check() error {
	if r.ServiceID == "" {
		return trace.BadParameter("missing service id")
	}
	if r.Kind != KindServer && r.Kind != KindClient {
		return trace.BadParameter("unsupported certificate kind %q", r.Kind)
	}
	if r.CommonName == "" {
		return trace.BadParameter("missing common name")
	}
	if r.Callback == nil {
		return trace.BadParameter("missing callback")
	}
	return nil
}

// generator is one live subscription: the request plus the state of
// its last issued leaf. Issuance for a generator is serialized by its
// own mutex.
type generator struct {
	req SubscribeRequest

	mu             sync.Mutex
	lastGeneration uint64
	issuedAt       time.Time
	renewAt        time.Time
	notAfter       time.Time
}

// Subscription is the opaque handle returned by Subscribe.
type Subscription struct {
	gen *generator
}

// Config configures a Manager.
type Config struct {
	// Store owns the CA key material.
	Store *certstore.Store
	// Certificates supplies the leaf lifetimes.
	Certificates *CertificatesConfig
	// Bus receives CA chain and subscription events. Optional.
	Bus *events.Bus
	// Clock drives validity windows and renewal deadlines.
	Clock clockwork.Clock
	// Log is a component logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets the defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing certificate store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "certmanager")
	}
	if c.Certificates == nil {
		c.Certificates = NewCertificatesConfig(c.Log)
	}
	return nil
}

// Manager owns the set of certificate generators and re-issues their
// leaves on CA replacement, connectivity changes, and expiry.
type Manager struct {
	cfg Config

	mu         sync.Mutex
	generators map[*generator]struct{}
	hosts      []string
	generation uint64
}

// New creates a Manager.
func New(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{
		cfg:        cfg,
		generators: make(map[*generator]struct{}),
		generation: 1,
	}, nil
}

// Subscribe issues a fresh leaf for the request, delivers it through
// the callback, and registers the generator for rotation. Every call
// issues a new leaf, even for identical requests.
func (m *Manager) Subscribe(req SubscribeRequest) (*Subscription, error) {
	if err := req.Check(); err != nil {
		m.emitSubscription(events.OutcomeFailure)
		return nil, trace.Wrap(err)
	}
	gen := &generator{req: req}

	m.mu.Lock()
	target := m.generation
	m.generators[gen] = struct{}{}
	m.mu.Unlock()

	if err := m.issue(gen, target, false); err != nil {
		m.mu.Lock()
		delete(m.generators, gen)
		m.mu.Unlock()
		m.emitSubscription(events.OutcomeFailure)
		return nil, trace.Wrap(err)
	}
	m.emitSubscription(events.OutcomeSuccess)
	return &Subscription{gen: gen}, nil
}

// Unsubscribe drops the subscription; its callback is never invoked
// again.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.generators, sub.gen)
}

// CACertificates returns the PEM chain of the current CA: a single
// entry.
func (m *Manager) CACertificates() ([]string, error) {
	pair, err := m.cfg.Store.CurrentCA()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return []string{ca.EncodeCertificatePEM(pair.Certificate)}, nil
}

// GenerateCA replaces the CA with a newly generated one of the given
// type and re-issues every registered generator.
func (m *Manager) GenerateCA(alg certstore.KeyAlgorithm) error {
	if err := m.cfg.Store.GenerateCA(alg); err != nil {
		return trace.Wrap(err)
	}
	m.cfg.Log.Infof("Generated new %v certificate authority.", alg)
	m.rotateAll(false)
	m.emitCAChanged()
	return nil
}

// ConfigureCustomCA installs a CA loaded from the configured
// certificate and private key URIs and re-issues every generator.
func (m *Manager) ConfigureCustomCA(certificateURI, privateKeyURI string) error {
	certPEM, err := readURI(certificateURI)
	if err != nil {
		return trace.Wrap(err)
	}
	keyPEM, err := readURI(privateKeyURI)
	if err != nil {
		return trace.Wrap(err)
	}
	cert, err := ca.ParseCertificatePEM(certPEM)
	if err != nil {
		return trace.Wrap(err)
	}
	signer, err := ca.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := m.cfg.Store.SetCA(signer, cert); err != nil {
		return trace.Wrap(err)
	}
	m.cfg.Log.Info("Installed custom certificate authority.")
	m.rotateAll(false)
	m.emitCAChanged()
	return nil
}

// UpdateHostAddresses replaces the SAN host set. Server generators are
// re-issued only when the set actually changes.
func (m *Manager) UpdateHostAddresses(hosts []string) {
	m.mu.Lock()
	if utils.StringSetsEqual(m.hosts, hosts) {
		m.mu.Unlock()
		return
	}
	m.hosts = append([]string(nil), hosts...)
	m.mu.Unlock()

	m.cfg.Log.Infof("Host addresses changed to %v, rotating server certificates.", hosts)
	m.rotateAll(true)
}

// HostAddresses returns the current SAN host set.
func (m *Manager) HostAddresses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.hosts...)
}

// rotateAll re-issues registered generators under a new rotation
// generation. A generator subscribed concurrently is issued exactly
// once: either here or by its initial issuance, whichever observes
// the newer generation.
func (m *Manager) rotateAll(serverOnly bool) {
	m.mu.Lock()
	m.generation++
	target := m.generation
	snapshot := make([]*generator, 0, len(m.generators))
	for gen := range m.generators {
		if serverOnly && gen.req.Kind != KindServer {
			continue
		}
		snapshot = append(snapshot, gen)
	}
	m.mu.Unlock()

	for _, gen := range snapshot {
		if err := m.issue(gen, target, false); err != nil {
			// Keep the prior leaf; the next trigger retries.
			m.cfg.Log.WithError(err).Warnf("Failed to rotate certificate for %q.", gen.req.ServiceID)
		}
	}
}

// issue generates and delivers a new leaf for gen, unless the
// generator already reached the target generation. force bypasses the
// generation check for expiry renewals.
func (m *Manager) issue(gen *generator, target uint64, force bool) error {
	gen.mu.Lock()
	defer gen.mu.Unlock()
	if !force && gen.lastGeneration >= target {
		return nil
	}

	pair, err := m.cfg.Store.CurrentCA()
	if err != nil {
		return trace.Wrap(err)
	}
	leafKey, err := newLeafKey(pair.Algorithm)
	if err != nil {
		return trace.Wrap(err)
	}

	lifetime := m.cfg.Certificates.ClientLifetime()
	if gen.req.Kind == KindServer {
		lifetime = m.cfg.Certificates.ServerLifetime()
	}
	now := m.cfg.Clock.Now()
	params := ca.IssueParams{
		CACert:     pair.Certificate,
		CASigner:   pair.Signer,
		PublicKey:  leafKey.Public(),
		CommonName: gen.req.CommonName,
		NotBefore:  now,
		NotAfter:   now.Add(lifetime),
	}

	var leafPEM string
	switch gen.req.Kind {
	case KindServer:
		m.mu.Lock()
		params.SubjectAlternativeNames = append([]string(nil), m.hosts...)
		m.mu.Unlock()
		cert, err := ca.IssueServerCertificate(params)
		if err != nil {
			return trace.Wrap(err)
		}
		leafPEM = ca.EncodeCertificatePEM(cert)
	case KindClient:
		cert, err := ca.IssueClientCertificate(params)
		if err != nil {
			return trace.Wrap(err)
		}
		leafPEM = ca.EncodeCertificatePEM(cert)
	}

	keyPEM, err := ca.EncodePrivateKeyPEM(leafKey)
	if err != nil {
		return trace.Wrap(err)
	}

	if target > gen.lastGeneration {
		gen.lastGeneration = target
	}
	gen.issuedAt = now
	gen.renewAt = now.Add(time.Duration(float64(lifetime) * DefaultRenewalFraction))
	gen.notAfter = now.Add(lifetime)

	gen.req.Callback(Bundle{
		CertificatePEM: leafPEM,
		CAChainPEM:     []string{ca.EncodeCertificatePEM(pair.Certificate)},
		PrivateKeyPEM:  keyPEM,
	})
	return nil
}

func (m *Manager) emitCAChanged() {
	if m.cfg.Bus == nil {
		return
	}
	chain, err := m.CACertificates()
	if err != nil {
		m.cfg.Log.WithError(err).Warn("Unable to read CA chain for event.")
		return
	}
	m.cfg.Bus.Emit(events.CACertificateChainChanged{Certificates: chain})
}

func (m *Manager) emitSubscription(outcome events.Outcome) {
	if m.cfg.Bus != nil {
		m.cfg.Bus.Emit(events.CertificateSubscription{Outcome: outcome})
	}
}

func newLeafKey(alg certstore.KeyAlgorithm) (crypto.Signer, error) {
	switch alg {
	case certstore.RSA2048, certstore.RSA4096:
		return certstore.NewRSAKeyPair()
	default:
		return certstore.NewECKeyPair()
	}
}

// readURI loads the contents of a file:// URI.
func readURI(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", trace.Wrap(err, "parsing URI %q", raw)
	}
	if u.Scheme != "file" {
		return "", trace.BadParameter("unsupported URI scheme %q, only file:// is supported", u.Scheme)
	}
	raw = u.Path
	data, err := os.ReadFile(raw)
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return string(data), nil
}
