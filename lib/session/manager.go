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
	"sync"

	"github.com/edgegate/edgegate/lib/events"
	"github.com/edgegate/edgegate/lib/iot"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

// Session cache capacity bounds.
const (
	MinCapacity     = 1
	MaxCapacity     = 10000
	DefaultCapacity = 2500
)

// ClampCapacity clamps a configured capacity into [MinCapacity,
// MaxCapacity]. Non-positive values resolve to the minimum.
func ClampCapacity(n int) int {
	if n < MinCapacity {
		return MinCapacity
	}
	if n > MaxCapacity {
		return MaxCapacity
	}
	return n
}

// Factory authenticates credentials of one credential type into a
// session.
type Factory interface {
	CreateSession(ctx context.Context, credentials map[string]string) (*Session, error)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Capacity bounds the session cache; it is clamped.
	Capacity int
	// Bus receives SessionCreation events. Optional.
	Bus *events.Bus
	// Log is a component logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets the defaults.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if clamped := ClampCapacity(c.Capacity); clamped != c.Capacity {
		if c.Log == nil {
			c.Log = logrus.WithField(trace.Component, "sessions")
		}
		c.Log.Warnf("Illegal session capacity %v, using %v.", c.Capacity, clamped)
		c.Capacity = clamped
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "sessions")
	}
	return nil
}

type sessionEntry struct {
	session   *Session
	clientKey string
}

// Manager owns every active session. Sessions live in an LRU cache:
// creating one past capacity evicts the least recently found session.
type Manager struct {
	cfg ManagerConfig

	mu        sync.Mutex
	cache     *lru.Cache
	byClient  map[string]string // client key -> session id
	factories map[string]Factory
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m := &Manager{
		cfg:       cfg,
		byClient:  make(map[string]string),
		factories: make(map[string]Factory),
	}
	cache, err := lru.NewWithEvict(cfg.Capacity, m.onEvict)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	m.cache = cache
	return m, nil
}

// RegisterFactory installs the factory for a credential type,
// replacing any previous one.
func (m *Manager) RegisterFactory(credentialType string, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[credentialType] = factory
}

// CreateSession authenticates credentials and returns the new session
// id. A client that already holds a session (same client id and
// certificate) has its prior session replaced.
func (m *Manager) CreateSession(ctx context.Context, credentialType string, credentials map[string]string) (string, error) {
	m.mu.Lock()
	factory, ok := m.factories[credentialType]
	m.mu.Unlock()
	if !ok {
		m.emit(events.OutcomeFailure)
		return "", trace.BadParameter("unsupported credential type %q", credentialType)
	}

	sess, err := factory.CreateSession(ctx, credentials)
	if err != nil {
		m.emit(events.OutcomeFailure)
		return "", trace.Wrap(err)
	}

	clientKey := clientKeyOf(credentials)

	m.mu.Lock()
	if clientKey != "" {
		// Re-authentication: the prior session id becomes invalid.
		if prior, ok := m.byClient[clientKey]; ok {
			m.cache.Remove(prior)
		}
	}
	id := m.newUniqueIDLocked()
	m.cache.Add(id, sessionEntry{session: sess, clientKey: clientKey})
	if clientKey != "" {
		m.byClient[clientKey] = id
	}
	m.mu.Unlock()

	m.emit(events.OutcomeSuccess)
	return id, nil
}

// FindSession returns the session for id, refreshing its recency.
func (m *Manager) FindSession(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.cache.Get(id)
	if !ok {
		return nil, false
	}
	return value.(sessionEntry).session, true
}

// CloseSession destroys the session. Closing an unknown id is a no-op.
func (m *Manager) CloseSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(id)
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

// UpdateCapacity resizes the session cache, evicting least recently
// used sessions if the new capacity is below the current size.
func (m *Manager) UpdateCapacity(capacity int) {
	clamped := ClampCapacity(capacity)
	if clamped != capacity {
		m.cfg.Log.Warnf("Illegal session capacity %v, using %v.", capacity, clamped)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Resize(clamped)
}

// onEvict runs inside cache mutations, which all happen under m.mu.
func (m *Manager) onEvict(key, value interface{}) {
	entry := value.(sessionEntry)
	if entry.clientKey == "" {
		return
	}
	if current, ok := m.byClient[entry.clientKey]; ok && current == key.(string) {
		delete(m.byClient, entry.clientKey)
	}
}

func (m *Manager) newUniqueIDLocked() string {
	for {
		id := uuid.NewString()
		if !m.cache.Contains(id) {
			return id
		}
	}
}

func (m *Manager) emit(outcome events.Outcome) {
	if m.cfg.Bus != nil {
		m.cfg.Bus.Emit(events.SessionCreation{Outcome: outcome})
	}
}

// clientKeyOf derives the identity a session replaces on
// re-authentication: the client id plus the presented certificate.
func clientKeyOf(credentials map[string]string) string {
	clientID := credentials[CredentialClientID]
	pem := credentials[CredentialCertificatePEM]
	if clientID == "" || pem == "" {
		return ""
	}
	return clientID + "/" + iot.CertificateID(pem)
}
