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

// Package certmanager issues server and client leaf certificates to
// subscribers and rotates them when the CA, the connectivity
// information, or their own expiry demands it.
package certmanager

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Certificate lifetime bounds, in seconds.
const (
	MinLifetimeSeconds     = 60
	MaxLifetimeSeconds     = 864000 // 10 days
	DefaultLifetimeSeconds = 604800 // 7 days
)

// DefaultRenewalFraction is the fraction of a leaf's lifetime after
// which the expiry monitor renews it.
const DefaultRenewalFraction = 0.5

// CertificatesConfig holds the mutable leaf certificate lifetimes and
// the rotation switch.
type CertificatesConfig struct {
	mu               sync.RWMutex
	serverLifetime   time.Duration
	clientLifetime   time.Duration
	rotationDisabled bool
	log              logrus.FieldLogger
}

// NewCertificatesConfig returns the default lifetimes.
func NewCertificatesConfig(log logrus.FieldLogger) *CertificatesConfig {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CertificatesConfig{
		serverLifetime: DefaultLifetimeSeconds * time.Second,
		clientLifetime: DefaultLifetimeSeconds * time.Second,
		log:            log,
	}
}

// Update applies configured lifetimes, clamping them into the valid
// range. Zero values keep the defaults.
func (c *CertificatesConfig) Update(serverSeconds, clientSeconds int, disableRotation bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverLifetime = c.clampLocked("server", serverSeconds)
	c.clientLifetime = c.clampLocked("client", clientSeconds)
	c.rotationDisabled = disableRotation
}

func (c *CertificatesConfig) clampLocked(kind string, seconds int) time.Duration {
	if seconds == 0 {
		seconds = DefaultLifetimeSeconds
	}
	clamped := seconds
	if clamped < MinLifetimeSeconds {
		clamped = MinLifetimeSeconds
	}
	if clamped > MaxLifetimeSeconds {
		clamped = MaxLifetimeSeconds
	}
	if clamped != seconds {
		c.log.Warnf("Configured %v certificate validity %vs is out of range, using %vs.", kind, seconds, clamped)
	}
	return time.Duration(clamped) * time.Second
}

// ServerLifetime returns the current server leaf lifetime.
func (c *CertificatesConfig) ServerLifetime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverLifetime
}

// ClientLifetime returns the current client leaf lifetime.
func (c *CertificatesConfig) ClientLifetime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientLifetime
}

// RotationDisabled reports whether expiry-driven rotation is switched
// off.
func (c *CertificatesConfig) RotationDisabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rotationDisabled
}
