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

// Package session authenticates client device credentials into
// sessions and keeps them in a bounded LRU cache.
package session

import (
	"github.com/edgegate/edgegate/lib/iot"
)

// Attribute namespaces and names exposed by sessions.
const (
	NamespaceThing       = "Thing"
	NamespaceCertificate = "Certificate"
	NamespaceComponent   = "Component"

	AttrThingName     = "ThingName"
	AttrCertificateID = "CertificateId"
	AttrComponent     = "component"
)

// AttributeProvider exposes one namespace of session attributes.
type AttributeProvider interface {
	Namespace() string
	DeviceAttributes() map[string]string
}

// Session is an authenticated client device: a set of attribute
// providers queryable by (namespace, name). Sessions are owned by the
// Manager and become unreachable on close or eviction.
type Session struct {
	providers map[string]AttributeProvider
}

// NewSession builds a session from its providers.
func NewSession(providers ...AttributeProvider) *Session {
	m := make(map[string]AttributeProvider, len(providers))
	for _, p := range providers {
		m[p.Namespace()] = p
	}
	return &Session{providers: m}
}

// Attribute looks up a single attribute.
func (s *Session) Attribute(namespace, name string) (string, bool) {
	p, ok := s.providers[namespace]
	if !ok {
		return "", false
	}
	value, ok := p.DeviceAttributes()[name]
	return value, ok
}

// HasNamespace reports whether the session carries the given provider.
func (s *Session) HasNamespace(namespace string) bool {
	_, ok := s.providers[namespace]
	return ok
}

// ThingProvider exposes the thing identity: its name plus its cloud
// registry attributes.
type ThingProvider struct {
	thing *iot.Thing
}

// NewThingProvider wraps a thing.
func NewThingProvider(thing *iot.Thing) *ThingProvider {
	return &ThingProvider{thing: thing}
}

func (p *ThingProvider) Namespace() string { return NamespaceThing }

func (p *ThingProvider) DeviceAttributes() map[string]string {
	attrs := p.thing.Attributes()
	out := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	// The thing name always wins over a registry attribute of the same
	// name.
	out[AttrThingName] = p.thing.Name()
	return out
}

// CertificateProvider exposes the presented certificate's local id.
type CertificateProvider struct {
	certificate *iot.Certificate
}

// NewCertificateProvider wraps a certificate.
func NewCertificateProvider(certificate *iot.Certificate) *CertificateProvider {
	return &CertificateProvider{certificate: certificate}
}

func (p *CertificateProvider) Namespace() string { return NamespaceCertificate }

func (p *CertificateProvider) DeviceAttributes() map[string]string {
	return map[string]string{AttrCertificateID: p.certificate.ID()}
}

// ComponentProvider marks a session as belonging to a gateway-local
// component rather than a client device.
type ComponentProvider struct{}

func (ComponentProvider) Namespace() string { return NamespaceComponent }

func (ComponentProvider) DeviceAttributes() map[string]string {
	return map[string]string{AttrComponent: AttrComponent}
}
