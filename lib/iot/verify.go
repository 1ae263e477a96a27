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
	"sync/atomic"
	"time"

	"github.com/edgegate/edgegate/lib/events"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// DefaultTrustDuration is how long a cloud-verified attachment remains
// usable offline when the configuration does not override it.
const DefaultTrustDuration = 24 * time.Hour

// TrustConfig holds the mutable client device trust duration. Changes
// take effect on the next verification.
type TrustConfig struct {
	nanos int64
}

// NewTrustConfig creates a TrustConfig with the given duration.
func NewTrustConfig(d time.Duration) *TrustConfig {
	t := &TrustConfig{}
	t.Set(d)
	return t
}

// Get returns the current trust duration.
func (t *TrustConfig) Get() time.Duration {
	return time.Duration(atomic.LoadInt64(&t.nanos))
}

// Set replaces the trust duration.
func (t *TrustConfig) Set(d time.Duration) {
	atomic.StoreInt64(&t.nanos, int64(d))
}

// VerificationSource says which authority produced an attachment
// decision.
type VerificationSource string

const (
	SourceCloud VerificationSource = "CLOUD"
	SourceLocal VerificationSource = "LOCAL"
)

// AttachmentResult is the decision of an attachment verification.
type AttachmentResult struct {
	Attached     bool
	Source       VerificationSource
	LastAttached time.Time
	ExpiresAt    time.Time
}

// NetworkStateProvider reports the current transport state.
type NetworkStateProvider interface {
	Current() events.NetworkState
}

// AttachmentVerifierConfig configures an AttachmentVerifier.
type AttachmentVerifierConfig struct {
	// Cloud verifies attachments against the cloud registry.
	Cloud CloudClient
	// Things records verified attachments.
	Things *ThingRegistry
	// Network gates cloud verification.
	Network NetworkStateProvider
	// Trust is the mutable local trust window.
	Trust *TrustConfig
	// Clock is used for trust window arithmetic.
	Clock clockwork.Clock
	// Log is a component logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets the defaults.
func (c *AttachmentVerifierConfig) CheckAndSetDefaults() error {
	if c.Cloud == nil {
		return trace.BadParameter("missing cloud client")
	}
	if c.Things == nil {
		return trace.BadParameter("missing thing registry")
	}
	if c.Network == nil {
		return trace.BadParameter("missing network state provider")
	}
	if c.Trust == nil {
		c.Trust = NewTrustConfig(DefaultTrustDuration)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "verifier")
	}
	return nil
}

// AttachmentVerifier decides whether a thing is attached to a
// certificate: cloud-first when the network is up, falling back to the
// locally recorded attachment within its trust window.
type AttachmentVerifier struct {
	cfg AttachmentVerifierConfig
}

// NewAttachmentVerifier creates an AttachmentVerifier.
func NewAttachmentVerifier(cfg AttachmentVerifierConfig) (*AttachmentVerifier, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &AttachmentVerifier{cfg: cfg}, nil
}

// Verify returns the attachment decision for (thingName,
// iotCertificateID). A definite cloud "no" detaches the local record.
// Cloud service or transport failures fall back to the local record.
func (v *AttachmentVerifier) Verify(ctx context.Context, thingName, iotCertificateID string) (AttachmentResult, error) {
	thing, err := v.cfg.Things.GetOrCreate(thingName)
	if err != nil {
		return AttachmentResult{}, trace.Wrap(err)
	}

	if v.cfg.Network.Current() == events.NetworkUp {
		result, definite := v.verifyCloud(ctx, thing, iotCertificateID)
		if definite {
			return result, nil
		}
		// Indefinite answer, fall back to the local record.
	}
	return v.verifyLocal(thing, iotCertificateID), nil
}

func (v *AttachmentVerifier) verifyCloud(ctx context.Context, thing *Thing, iotCertificateID string) (AttachmentResult, bool) {
	now := v.cfg.Clock.Now()
	attached, err := v.cfg.Cloud.VerifyThingAttachedToCertificate(ctx, thing.Name(), iotCertificateID)
	if err != nil {
		if IsDefiniteNegative(err) {
			thing.DetachCertificate(iotCertificateID)
			return AttachmentResult{Attached: false, Source: SourceCloud}, true
		}
		v.cfg.Log.WithError(err).Warnf("Cloud verification unavailable for thing %q, using local trust.", thing.Name())
		return AttachmentResult{}, false
	}
	if !attached {
		thing.DetachCertificate(iotCertificateID)
		return AttachmentResult{Attached: false, Source: SourceCloud}, true
	}
	thing.AttachCertificate(iotCertificateID, now)
	return AttachmentResult{
		Attached:     true,
		Source:       SourceCloud,
		LastAttached: now,
		ExpiresAt:    now.Add(v.cfg.Trust.Get()),
	}, true
}

func (v *AttachmentVerifier) verifyLocal(thing *Thing, iotCertificateID string) AttachmentResult {
	now := v.cfg.Clock.Now()
	lastAttached, ok := thing.LastAttached(iotCertificateID)
	if !ok {
		return AttachmentResult{Attached: false, Source: SourceLocal}
	}
	expiresAt := lastAttached.Add(v.cfg.Trust.Get())
	return AttachmentResult{
		Attached:     now.Before(expiresAt),
		Source:       SourceLocal,
		LastAttached: lastAttached,
		ExpiresAt:    expiresAt,
	}
}
