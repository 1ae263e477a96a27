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
	"context"
	"time"

	"github.com/gravitational/trace"
)

// ExpiryCheckInterval is how often leaf lifetimes are inspected.
const ExpiryCheckInterval = 30 * time.Second

// RunExpiryMonitor renews registered leaves as they age. A leaf is
// renewed once it passes the renewal point at half of its lifetime,
// or, when rotation is disabled, only once it actually expires.
// Blocks until the context is canceled.
func (m *Manager) RunExpiryMonitor(ctx context.Context) error {
	ticker := m.cfg.Clock.NewTicker(ExpiryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			m.renewDue()
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
}

func (m *Manager) renewDue() {
	now := m.cfg.Clock.Now()
	rotationDisabled := m.cfg.Certificates.RotationDisabled()

	m.mu.Lock()
	snapshot := make([]*generator, 0, len(m.generators))
	for gen := range m.generators {
		snapshot = append(snapshot, gen)
	}
	m.mu.Unlock()

	for _, gen := range snapshot {
		gen.mu.Lock()
		deadline := gen.renewAt
		if rotationDisabled {
			deadline = gen.notAfter
		}
		due := !now.Before(deadline)
		gen.mu.Unlock()
		if !due {
			continue
		}
		if err := m.issue(gen, 0, true); err != nil {
			// The prior leaf stays in place; the next tick retries.
			m.cfg.Log.WithError(err).Warnf("Failed to renew certificate for %q.", gen.req.ServiceID)
		}
	}
}
