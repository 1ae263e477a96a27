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

	"github.com/edgegate/edgegate/lib/ca"
	"github.com/edgegate/edgegate/lib/certstore"
	"github.com/edgegate/edgegate/lib/iot"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// CredentialTypeMQTT selects the MQTT session factory.
const CredentialTypeMQTT = "mqtt"

// MQTT credential map keys.
const (
	CredentialClientID       = "clientId"
	CredentialCertificatePEM = "certificatePem"
	CredentialUsername       = "username"
	CredentialPassword       = "password"
)

// ThingAttributesSource supplies the cloud registry attributes of a
// thing, typically from a cache.
type ThingAttributesSource interface {
	Attributes(ctx context.Context, thingName string) (map[string]string, error)
}

// ComponentVerifier recognizes certificates that belong to
// gateway-local components.
type ComponentVerifier interface {
	IsComponent(certificatePEM string) bool
}

// CAComponentVerifier treats any certificate signed by the gateway's
// own CA as a component certificate.
type CAComponentVerifier struct {
	Store *certstore.Store
}

// IsComponent reports whether the PEM parses and verifies against the
// current CA.
func (v *CAComponentVerifier) IsComponent(certificatePEM string) bool {
	cert, err := ca.ParseCertificatePEM(certificatePEM)
	if err != nil {
		return false
	}
	pair, err := v.Store.CurrentCA()
	if err != nil {
		return false
	}
	return cert.CheckSignatureFrom(pair.Certificate) == nil
}

// MQTTFactoryConfig configures an MQTTFactory.
type MQTTFactoryConfig struct {
	// Certificates resolves certificate PEMs to cloud ids.
	Certificates *iot.CertificateRegistry
	// Verifier decides thing-certificate attachment.
	Verifier *iot.AttachmentVerifier
	// Things resolves the thing identity carried by the session.
	Things *iot.ThingRegistry
	// Components recognizes gateway-local component certificates.
	// Optional; without it every client is treated as a device.
	Components ComponentVerifier
	// Attributes supplies registry attributes for the thing provider.
	// Optional; without it sessions expose only the thing name.
	Attributes ThingAttributesSource
	// Log is a component logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets the defaults.
func (c *MQTTFactoryConfig) CheckAndSetDefaults() error {
	if c.Certificates == nil {
		return trace.BadParameter("missing certificate registry")
	}
	if c.Verifier == nil {
		return trace.BadParameter("missing attachment verifier")
	}
	if c.Things == nil {
		return trace.BadParameter("missing thing registry")
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "mqtt")
	}
	return nil
}

// MQTTFactory authenticates MQTT connect credentials: the client id is
// the thing name and the certificate must be registered, active, and
// attached to the thing. Component certificates bypass the cloud
// checks and yield component sessions.
type MQTTFactory struct {
	cfg MQTTFactoryConfig
}

// NewMQTTFactory creates an MQTTFactory.
func NewMQTTFactory(cfg MQTTFactoryConfig) (*MQTTFactory, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &MQTTFactory{cfg: cfg}, nil
}

// CreateSession implements Factory.
func (f *MQTTFactory) CreateSession(ctx context.Context, credentials map[string]string) (*Session, error) {
	pem := credentials[CredentialCertificatePEM]
	if pem == "" {
		return nil, trace.AccessDenied("no certificate presented")
	}
	certificate, err := iot.NewCertificate(pem)
	if err != nil {
		return nil, trace.AccessDenied("invalid certificate: %v", err)
	}

	if f.cfg.Components != nil && f.cfg.Components.IsComponent(pem) {
		return NewSession(ComponentProvider{}, NewCertificateProvider(certificate)), nil
	}

	thingName := credentials[CredentialClientID]
	if thingName == "" {
		return nil, trace.AccessDenied("no client id presented")
	}

	iotCertID, err := f.cfg.Certificates.GetIoTCertificateIDForPEM(ctx, pem)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("certificate is not active")
		}
		return nil, trace.AccessDenied("unable to verify certificate: %v", err)
	}
	certificate.SetIoTCertificateID(iotCertID)

	result, err := f.cfg.Verifier.Verify(ctx, thingName, iotCertID)
	if err != nil {
		return nil, trace.AccessDenied("unable to verify thing attachment: %v", err)
	}
	if !result.Attached {
		f.cfg.Log.Debugf("Thing %q is not attached to the presented certificate.", thingName)
		return nil, trace.AccessDenied("thing %q is not attached to the presented certificate", thingName)
	}

	thing, err := f.cfg.Things.GetOrCreate(thingName)
	if err != nil {
		return nil, trace.AccessDenied("invalid thing name: %v", err)
	}
	if f.cfg.Attributes != nil {
		attrs, err := f.cfg.Attributes.Attributes(ctx, thingName)
		switch {
		case err == nil:
			thing.SetAttributes(attrs)
		case !trace.IsNotFound(err):
			f.cfg.Log.WithError(err).Warnf("Unable to load attributes for thing %q.", thingName)
		}
	}
	return NewSession(NewThingProvider(thing), NewCertificateProvider(certificate)), nil
}
