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

	"github.com/edgegate/edgegate/lib/certstore"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

// ThingRegistry is the in-memory registry of things seen by the
// gateway.
type ThingRegistry struct {
	mu     sync.Mutex
	things map[string]*Thing
}

// NewThingRegistry creates an empty thing registry.
func NewThingRegistry() *ThingRegistry {
	return &ThingRegistry{things: make(map[string]*Thing)}
}

// GetOrCreate returns the registered thing with the given name,
// creating it if unseen. The name is validated on creation.
func (r *ThingRegistry) GetOrCreate(name string) (*Thing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if thing, ok := r.things[name]; ok {
		return thing, nil
	}
	thing, err := NewThing(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r.things[name] = thing
	return thing, nil
}

// Get returns the registered thing, if present.
func (r *ThingRegistry) Get(name string) (*Thing, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	thing, ok := r.things[name]
	return thing, ok
}

// Clear drops every registered thing and its attachments.
func (r *ThingRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.things = make(map[string]*Thing)
}

// DefaultRegistryCacheSize bounds the certificate id cache. It mirrors
// the default session capacity.
const DefaultRegistryCacheSize = 2500

// CertificateRegistryConfig configures a CertificateRegistry.
type CertificateRegistryConfig struct {
	// Cloud resolves certificate PEMs to cloud-assigned ids.
	Cloud CloudClient
	// Store, if set, persists positively verified PEMs to the device
	// certificate directory.
	Store *certstore.Store
	// CacheSize bounds the PEM hash to cloud id cache.
	CacheSize int
	// Log is a component logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets the defaults.
func (c *CertificateRegistryConfig) CheckAndSetDefaults() error {
	if c.Cloud == nil {
		return trace.BadParameter("missing cloud client")
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultRegistryCacheSize
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "certregistry")
	}
	return nil
}

// CertificateRegistry resolves device certificate PEMs to their
// cloud-assigned ids, caching positive answers in a bounded LRU cache.
// Negative answers are never cached, so a certificate activated later
// is picked up on the next lookup.
type CertificateRegistry struct {
	cfg   CertificateRegistryConfig
	cache *lru.Cache
}

// NewCertificateRegistry creates a certificate registry.
func NewCertificateRegistry(cfg CertificateRegistryConfig) (*CertificateRegistry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &CertificateRegistry{cfg: cfg, cache: cache}, nil
}

// GetIoTCertificateIDForPEM resolves a certificate PEM to its
// cloud-assigned id. Returns NotFound for inactive or unknown
// certificates.
func (r *CertificateRegistry) GetIoTCertificateIDForPEM(ctx context.Context, certificatePEM string) (string, error) {
	if certificatePEM == "" {
		return "", trace.BadParameter("certificate PEM is empty")
	}
	hash := CertificateID(certificatePEM)
	if cached, ok := r.cache.Get(hash); ok {
		return cached.(string), nil
	}

	id, err := r.cfg.Cloud.GetActiveCertificateID(ctx, certificatePEM)
	if err != nil {
		if IsDefiniteNegative(err) {
			return "", trace.NotFound("certificate is not active")
		}
		return "", trace.Wrap(err)
	}
	r.cache.Add(hash, id)

	if r.cfg.Store != nil {
		if err := r.cfg.Store.StoreDeviceCertificateIfAbsent(hash, certificatePEM); err != nil {
			r.cfg.Log.WithError(err).Warn("Failed to persist device certificate.")
		}
	}
	return id, nil
}

// Clear drops the id cache.
func (r *CertificateRegistry) Clear() {
	r.cache.Purge()
}
