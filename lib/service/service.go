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

// Package service assembles the gateway: certificate authority and
// manager, registries, session manager, policy evaluator, shadow
// monitor, and the event plumbing binding them together.
package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/edgegate/edgegate/lib/certmanager"
	"github.com/edgegate/edgegate/lib/certstore"
	"github.com/edgegate/edgegate/lib/config"
	"github.com/edgegate/edgegate/lib/connectivity"
	"github.com/edgegate/edgegate/lib/events"
	"github.com/edgegate/edgegate/lib/iot"
	"github.com/edgegate/edgegate/lib/metrics"
	"github.com/edgegate/edgegate/lib/netstate"
	"github.com/edgegate/edgegate/lib/policy"
	"github.com/edgegate/edgegate/lib/session"
	"github.com/edgegate/edgegate/lib/usecases"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// passphraseFile stores the generated keystore passphrase in the work
// directory.
const passphraseFile = "ca.passphrase"

// Use case names registered with the container.
const (
	UseCaseAuthorize   = "authorizeClientDeviceAction"
	UseCaseVerify      = "verifyClientDeviceIdentity"
	UseCaseCreateToken = "getClientDeviceAuthToken"
)

// Config configures a Service. The cloud client and the pub/sub
// transport are the hosting runtime's bindings.
type Config struct {
	// Document is the parsed gateway configuration.
	Document *config.Document
	// Cloud talks to the IoT registry.
	Cloud iot.CloudClient
	// PubSub carries shadow traffic. Optional; without it, or without
	// a configured shadow name, the shadow monitor stays off.
	PubSub connectivity.PubSubClient
	// ConnectivityProvider resolves discovered host addresses for the
	// shadow monitor. Optional.
	ConnectivityProvider connectivity.InfoProvider
	// Clock is injected into every subsystem.
	Clock clockwork.Clock
	// Log is the parent logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets the defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Document == nil {
		return trace.BadParameter("missing configuration document")
	}
	if c.Document.WorkDirectory == "" {
		return trace.BadParameter("missing work directory")
	}
	if c.Cloud == nil {
		return trace.BadParameter("missing cloud client")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "edgegate")
	}
	return nil
}

// Service is the assembled client device authentication gateway.
type Service struct {
	cfg Config

	bus          *events.Bus
	store        *certstore.Store
	certificates *certmanager.CertificatesConfig
	certManager  *certmanager.Manager
	network      *netstate.Tracker
	hosts        *connectivity.HostCache
	monitor      *connectivity.Monitor
	things       *iot.ThingRegistry
	certRegistry *iot.CertificateRegistry
	trust        *iot.TrustConfig
	verifier     *iot.AttachmentVerifier
	attributes   *iot.AttributesCache
	sessions     *session.Manager
	groups       *policy.GroupManager
	evaluator    *policy.Evaluator
	metrics      *metrics.Service
	container    *usecases.Registry

	busHandler events.Handler

	mu       sync.Mutex
	document *config.Document
	cancel   context.CancelFunc
	group    errgroup.Group
	started  bool
}

// New wires the gateway's subsystems together. Start begins background
// work.
func New(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	doc := cfg.Document

	bus, err := events.NewBus(events.BusConfig{Log: cfg.Log})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	store, err := certstore.NewStore(certstore.Config{
		Directory: doc.WorkDirectory,
		Clock:     cfg.Clock,
		Log:       cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	passphrase, err := loadOrCreatePassphrase(doc.WorkDirectory)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := store.Init(passphrase); err != nil {
		return nil, trace.Wrap(err)
	}

	certificates := certmanager.NewCertificatesConfig(cfg.Log)
	certificates.Update(
		doc.Certificates.ServerValiditySeconds,
		doc.Certificates.ClientValiditySeconds,
		doc.Certificates.DisableRotation)

	manager, err := certmanager.New(certmanager.Config{
		Store:        store,
		Certificates: certificates,
		Bus:          bus,
		Clock:        cfg.Clock,
		Log:          cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	network, err := netstate.NewTracker(netstate.Config{Bus: bus, Log: cfg.Log})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	hosts := connectivity.NewHostCache()
	hosts.Update(connectivity.SourceConfiguration, doc.Connectivity.HostAddresses)
	manager.UpdateHostAddresses(hosts.All())

	cloud := iot.NewRetryingClient(cfg.Cloud, cfg.Clock)
	things := iot.NewThingRegistry()
	certRegistry, err := iot.NewCertificateRegistry(iot.CertificateRegistryConfig{
		Cloud:     cloud,
		Store:     store,
		CacheSize: doc.Performance.MaxActiveAuthTokens,
		Log:       cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	trust := iot.NewTrustConfig(doc.Security.TrustDuration())
	verifier, err := iot.NewAttachmentVerifier(iot.AttachmentVerifierConfig{
		Cloud:   cloud,
		Things:  things,
		Network: network,
		Trust:   trust,
		Clock:   cfg.Clock,
		Log:     cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	attributes, err := iot.NewAttributesCache(iot.AttributesCacheConfig{
		Cloud:   cloud,
		Network: network,
		Clock:   cfg.Clock,
		Log:     cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sessions, err := session.NewManager(session.ManagerConfig{
		Capacity: doc.Performance.MaxActiveAuthTokens,
		Bus:      bus,
		Log:      cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	factory, err := session.NewMQTTFactory(session.MQTTFactoryConfig{
		Certificates: certRegistry,
		Verifier:     verifier,
		Things:       things,
		Components:   &session.CAComponentVerifier{Store: store},
		Attributes:   attributes,
		Log:          cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sessions.RegisterFactory(session.CredentialTypeMQTT, factory)

	groups := policy.NewGroupManager()
	groupCfg, err := doc.GroupConfiguration()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	groups.SetConfiguration(groupCfg)
	evaluator, err := policy.NewEvaluator(policy.EvaluatorConfig{Groups: groups, Log: cfg.Log})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	metricsService, err := metrics.NewService(metrics.Config{
		Bus:   bus,
		Clock: cfg.Clock,
		Log:   cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s := &Service{
		cfg:          cfg,
		bus:          bus,
		store:        store,
		certificates: certificates,
		certManager:  manager,
		network:      network,
		hosts:        hosts,
		things:       things,
		certRegistry: certRegistry,
		trust:        trust,
		verifier:     verifier,
		attributes:   attributes,
		sessions:     sessions,
		groups:       groups,
		evaluator:    evaluator,
		metrics:      metricsService,
		container:    usecases.NewRegistry(),
		document:     doc,
	}

	if cfg.PubSub != nil && doc.Connectivity.ShadowName != "" {
		if cfg.ConnectivityProvider == nil {
			return nil, trace.BadParameter("shadow monitoring requires a connectivity info provider")
		}
		s.monitor, err = connectivity.NewMonitor(connectivity.MonitorConfig{
			ShadowName: doc.Connectivity.ShadowName,
			PubSub:     cfg.PubSub,
			Provider:   cfg.ConnectivityProvider,
			Network:    network,
			Hosts:      hosts,
			Bus:        bus,
			Clock:      cfg.Clock,
			Log:        cfg.Log,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	if err := s.applyCAConfiguration(doc.CertificateAuthority.CA); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.registerUseCases(); err != nil {
		return nil, trace.Wrap(err)
	}
	s.subscribeConfigEvents()
	return s, nil
}

// Start launches the background subsystems: the attributes cache, the
// expiry monitor, and the shadow monitor. It also announces the
// initial configuration on the bus.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.attributes.Start(ctx)
	s.group.Go(func() error {
		if err := s.certManager.RunExpiryMonitor(ctx); ctx.Err() == nil {
			return trace.Wrap(err)
		}
		return nil
	})
	if s.monitor != nil {
		s.monitor.Start()
	}

	config.Diff(nil, s.document, s.bus)
}

// Close shuts the background subsystems down.
func (s *Service) Close() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	if err := s.group.Wait(); err != nil {
		s.cfg.Log.WithError(err).Warn("Background worker failed.")
	}
	if s.monitor != nil {
		s.monitor.Close()
	}
	s.attributes.Stop()
	s.metrics.Close()
	s.network.Close()
	s.unsubscribeConfigEvents()
}

// NetworkCallbacks returns the transport callback sink: the hosting
// runtime wires its MQTT connection events here.
func (s *Service) NetworkCallbacks() *netstate.Tracker {
	return s.network
}

// Bus exposes the domain event bus.
func (s *Service) Bus() *events.Bus {
	return s.bus
}

// UseCases exposes the use case container.
func (s *Service) UseCases() *usecases.Registry {
	return s.container
}

func loadOrCreatePassphrase(dir string) (string, error) {
	path := filepath.Join(dir, passphraseFile)
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", trace.ConvertSystemError(err)
	}
	passphrase, err := certstore.GenerateRandomPassphrase()
	if err != nil {
		return "", trace.Wrap(err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	if err := os.WriteFile(path, []byte(passphrase), 0o600); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return passphrase, nil
}

// applyCAConfiguration installs a custom CA when both URIs are set,
// and otherwise regenerates the managed CA if the configured key type
// does not match the current one.
func (s *Service) applyCAConfiguration(caCfg config.CAConfig) error {
	if caCfg.CustomMode() {
		return trace.Wrap(s.certManager.ConfigureCustomCA(caCfg.CertificateURI, caCfg.PrivateKeyURI))
	}
	alg, err := certstore.ParseKeyAlgorithm(caCfg.Type)
	if err != nil {
		return trace.Wrap(err)
	}
	current, err := s.store.CurrentCA()
	if err != nil {
		return trace.Wrap(err)
	}
	if current.Algorithm != alg {
		return trace.Wrap(s.certManager.GenerateCA(alg))
	}
	return nil
}
