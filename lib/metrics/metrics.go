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

// Package metrics counts the gateway's API outcomes and periodically
// logs an aggregate snapshot.
package metrics

import (
	"sync"
	"time"

	"github.com/edgegate/edgegate/lib/events"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const namespace = "edgegate"

// Config configures a Service.
type Config struct {
	// Bus carries the events being counted. Optional; without a bus
	// the counters only move through direct calls.
	Bus *events.Bus
	// Registry receives the collectors. A private one is created when
	// unset.
	Registry *prometheus.Registry
	// Clock paces the aggregate emitter.
	Clock clockwork.Clock
	// Log is a component logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets the defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "metrics")
	}
	return nil
}

// Service counts API outcomes and network transitions, and logs an
// aggregate snapshot on a configurable period. The emitter is started
// and stopped by MetricsConfigurationChanged events.
type Service struct {
	cfg Config

	apiCalls           *prometheus.CounterVec
	networkTransitions *prometheus.CounterVec

	handler events.Handler

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped sync.WaitGroup
}

// NewService creates the collectors and, when a bus is configured,
// subscribes to the counted event kinds.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Service{
		cfg: cfg,
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_calls_total",
			Help:      "API calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		networkTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "network_transitions_total",
			Help:      "Observed network state transitions.",
		}, []string{"state"}),
	}
	if err := cfg.Registry.Register(s.apiCalls); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cfg.Registry.Register(s.networkTransitions); err != nil {
		return nil, trace.Wrap(err)
	}

	if cfg.Bus != nil {
		s.handler = events.HandlerFunc(s.observe)
		for _, kind := range []string{
			events.KindSessionCreation,
			events.KindAuthorizeClientDeviceAction,
			events.KindGetClientDeviceAuthToken,
			events.KindCertificateSubscription,
			events.KindVerifyClientDeviceIdentity,
			events.KindNetworkStateChanged,
			events.KindMetricsConfigurationChanged,
		} {
			cfg.Bus.Subscribe(kind, s.handler)
		}
	}
	return s, nil
}

// Registry exposes the collector registry, e.g. for an HTTP scrape
// endpoint.
func (s *Service) Registry() *prometheus.Registry {
	return s.cfg.Registry
}

func (s *Service) observe(ev events.Event) error {
	switch event := ev.(type) {
	case events.SessionCreation:
		s.apiCalls.WithLabelValues("CreateSession", string(event.Outcome)).Inc()
	case events.AuthorizeClientDeviceAction:
		s.apiCalls.WithLabelValues("AuthorizeClientDeviceAction", string(event.Outcome)).Inc()
	case events.GetClientDeviceAuthToken:
		s.apiCalls.WithLabelValues("GetClientDeviceAuthToken", string(event.Outcome)).Inc()
	case events.CertificateSubscription:
		s.apiCalls.WithLabelValues("SubscribeToCertificateUpdates", string(event.Outcome)).Inc()
	case events.VerifyClientDeviceIdentity:
		s.apiCalls.WithLabelValues("VerifyClientDeviceIdentity", string(event.Outcome)).Inc()
	case events.NetworkStateChanged:
		s.networkTransitions.WithLabelValues(string(event.State)).Inc()
	case events.MetricsConfigurationChanged:
		s.Configure(event.Disabled, event.AggregatePeriod)
	}
	return nil
}

// Configure stops the running emitter and, unless disabled, starts a
// new one with the given period.
func (s *Service) Configure(disabled bool, period time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	if disabled || period <= 0 {
		return
	}
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.stopped.Add(1)
	go s.emitLoop(period, stopCh)
}

// Close stops the emitter.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Service) stopLocked() {
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
		s.stopped.Wait()
	}
}

func (s *Service) emitLoop(period time.Duration, stopCh chan struct{}) {
	defer s.stopped.Done()
	ticker := s.cfg.Clock.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.Chan():
			s.emitAggregate()
		}
	}
}

// emitAggregate logs every counter with a nonzero value.
func (s *Service) emitAggregate() {
	families, err := s.cfg.Registry.Gather()
	if err != nil {
		s.cfg.Log.WithError(err).Warn("Failed to gather metrics.")
		return
	}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			counter := metric.GetCounter()
			if counter == nil || counter.GetValue() == 0 {
				continue
			}
			fields := logrus.Fields{"value": counter.GetValue()}
			for _, label := range metric.GetLabel() {
				fields[label.GetName()] = label.GetValue()
			}
			s.cfg.Log.WithFields(fields).Infof("Metric %v.", family.GetName())
		}
	}
}
