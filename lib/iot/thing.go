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

// Package iot models the cloud-registered identities the gateway
// authenticates: things, their certificates, and the trust rules for
// the attachments between them.
package iot

import (
	"regexp"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

var thingNamePattern = regexp.MustCompile(`^[a-zA-Z0-9\-_:]+$`)

// Thing is a cloud-registered identity. It records the certificates
// attached to it, each with the time the attachment was last verified
// against the cloud.
type Thing struct {
	name string

	mu          sync.RWMutex
	attachments map[string]time.Time
	attributes  map[string]string
}

// NewThing validates the thing name and returns a Thing with no
// attachments.
func NewThing(name string) (*Thing, error) {
	if !thingNamePattern.MatchString(name) {
		return nil, trace.BadParameter("invalid thing name %q", name)
	}
	return &Thing{
		name:        name,
		attachments: make(map[string]time.Time),
	}, nil
}

// Name returns the thing name.
func (t *Thing) Name() string { return t.name }

// AttachCertificate records a verified attachment of the certificate
// with the given id, stamping it with when.
func (t *Thing) AttachCertificate(certificateID string, when time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attachments[certificateID] = when
}

// DetachCertificate forgets an attachment. Detaching an unknown
// certificate is a no-op.
func (t *Thing) DetachCertificate(certificateID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attachments, certificateID)
}

// LastAttached returns when the certificate was last verified as
// attached, if it ever was.
func (t *Thing) LastAttached(certificateID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	when, ok := t.attachments[certificateID]
	return when, ok
}

// SetAttributes replaces the thing's cloud attributes.
func (t *Thing) SetAttributes(attrs map[string]string) {
	copied := make(map[string]string, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attributes = copied
}

// Attributes returns a copy of the thing's cloud attributes.
func (t *Thing) Attributes() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	copied := make(map[string]string, len(t.attributes))
	for k, v := range t.attributes {
		copied[k] = v
	}
	return copied
}
