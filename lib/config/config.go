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

// Package config parses the gateway's YAML configuration document and
// diffs successive revisions into domain events.
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/edgegate/edgegate/lib/certstore"
	"github.com/edgegate/edgegate/lib/events"
	"github.com/edgegate/edgegate/lib/policy"
	"github.com/edgegate/edgegate/lib/utils"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// Default values applied by CheckAndSetDefaults.
const (
	DefaultTrustDurationMinutes  = 1440
	DefaultAggregatePeriodSecond = 86400
)

// Document is the gateway configuration file.
type Document struct {
	// WorkDirectory roots the keystore and the device certificate
	// store.
	WorkDirectory string `yaml:"workDirectory"`

	Security             SecurityConfig     `yaml:"security"`
	CertificateAuthority CertAuthorityBlock `yaml:"certificateAuthority"`
	Certificates         CertificatesConfig `yaml:"certificates"`
	Performance          PerformanceConfig  `yaml:"performance"`
	Metrics              MetricsConfig      `yaml:"metrics"`
	Connectivity         ConnectivityConfig `yaml:"connectivity"`
	DeviceGroups         DeviceGroupsConfig `yaml:"deviceGroups"`
}

// SecurityConfig controls the local trust window.
type SecurityConfig struct {
	ClientDeviceTrustDurationMinutes int `yaml:"clientDeviceTrustDurationMinutes"`
}

// TrustDuration returns the configured trust window as a duration.
func (c SecurityConfig) TrustDuration() time.Duration {
	return time.Duration(c.ClientDeviceTrustDurationMinutes) * time.Minute
}

// CertAuthorityBlock wraps the nested "ca" section.
type CertAuthorityBlock struct {
	CA CAConfig `yaml:"ca"`
}

// CAConfig selects the CA key type or a custom CA loaded from URIs.
type CAConfig struct {
	Type           string `yaml:"caType"`
	CertificateURI string `yaml:"certificateUri"`
	PrivateKeyURI  string `yaml:"privateKeyUri"`
}

// CustomMode reports whether both URIs are set.
func (c CAConfig) CustomMode() bool {
	return c.CertificateURI != "" && c.PrivateKeyURI != ""
}

// CertificatesConfig carries the leaf lifetimes.
type CertificatesConfig struct {
	ServerValiditySeconds int  `yaml:"serverCertificateValiditySeconds"`
	ClientValiditySeconds int  `yaml:"clientCertificateValiditySeconds"`
	DisableRotation       bool `yaml:"disableCertificateRotation"`
}

// PerformanceConfig bounds the session cache.
type PerformanceConfig struct {
	MaxActiveAuthTokens int `yaml:"maxActiveAuthTokens"`
}

// MetricsConfig controls the metrics emitter.
type MetricsConfig struct {
	DisableMetrics         bool `yaml:"disableMetrics"`
	AggregatePeriodSeconds int  `yaml:"aggregatePeriod"`
}

// AggregatePeriod returns the emitter period as a duration.
func (c MetricsConfig) AggregatePeriod() time.Duration {
	return time.Duration(c.AggregatePeriodSeconds) * time.Second
}

// ConnectivityConfig names the shadow document and the statically
// configured host addresses.
type ConnectivityConfig struct {
	ShadowName    string   `yaml:"shadowName"`
	HostAddresses []string `yaml:"hostAddresses"`
}

// DeviceGroupsConfig holds the raw device group and policy documents.
type DeviceGroupsConfig struct {
	FormatVersion string                                `yaml:"formatVersion"`
	Definitions   map[string]policy.GroupDefinition     `yaml:"definitions"`
	Policies      map[string]map[string]policy.Statement `yaml:"policies"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, trace.Wrap(err, "parsing %v", path)
	}
	return doc, nil
}

// Parse decodes a configuration document. Unknown keys are rejected.
func Parse(data []byte) (*Document, error) {
	var doc Document
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil && err != io.EOF {
		return nil, trace.BadParameter("invalid configuration: %v", err)
	}
	if err := doc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &doc, nil
}

// CheckAndSetDefaults checks and sets the defaults.
func (d *Document) CheckAndSetDefaults() error {
	if d.Security.ClientDeviceTrustDurationMinutes < 0 {
		return trace.BadParameter("security.clientDeviceTrustDurationMinutes must not be negative")
	}
	if d.Security.ClientDeviceTrustDurationMinutes == 0 {
		d.Security.ClientDeviceTrustDurationMinutes = DefaultTrustDurationMinutes
	}
	if _, err := certstore.ParseKeyAlgorithm(d.CertificateAuthority.CA.Type); err != nil {
		return trace.Wrap(err)
	}
	ca := d.CertificateAuthority.CA
	if (ca.CertificateURI == "") != (ca.PrivateKeyURI == "") {
		return trace.BadParameter("certificateAuthority.ca requires both certificateUri and privateKeyUri for a custom CA")
	}
	if d.Performance.MaxActiveAuthTokens < 0 {
		return trace.BadParameter("performance.maxActiveAuthTokens must not be negative")
	}
	if d.Metrics.AggregatePeriodSeconds < 0 {
		return trace.BadParameter("metrics.aggregatePeriod must not be negative")
	}
	if d.Metrics.AggregatePeriodSeconds == 0 {
		d.Metrics.AggregatePeriodSeconds = DefaultAggregatePeriodSecond
	}
	if _, err := d.GroupConfiguration(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// GroupConfiguration compiles the device groups section.
func (d *Document) GroupConfiguration() (*policy.GroupConfiguration, error) {
	cfg, err := policy.NewGroupConfiguration(d.DeviceGroups.Definitions, d.DeviceGroups.Policies)
	return cfg, trace.Wrap(err)
}

// KeyAlgorithm returns the validated CA key type.
func (d *Document) KeyAlgorithm() certstore.KeyAlgorithm {
	alg, _ := certstore.ParseKeyAlgorithm(d.CertificateAuthority.CA.Type)
	return alg
}

// Diff compares two validated documents and emits a domain event for
// every section that changed. old may be nil, in which case every
// configured section is announced.
func Diff(old, updated *Document, bus *events.Bus) {
	if updated == nil || bus == nil {
		return
	}

	if old == nil || old.Security != updated.Security {
		bus.Emit(events.SecurityConfigurationChanged{
			ClientDeviceTrustDuration: updated.Security.TrustDuration(),
		})
	}
	if old == nil || old.CertificateAuthority != updated.CertificateAuthority {
		bus.Emit(events.CAConfigurationChanged{
			KeyAlgorithm:   string(updated.KeyAlgorithm()),
			CertificateURI: updated.CertificateAuthority.CA.CertificateURI,
			PrivateKeyURI:  updated.CertificateAuthority.CA.PrivateKeyURI,
		})
	}
	if old == nil || old.Metrics != updated.Metrics {
		bus.Emit(events.MetricsConfigurationChanged{
			Disabled:        updated.Metrics.DisableMetrics,
			AggregatePeriod: updated.Metrics.AggregatePeriod(),
		})
	}
	var oldHosts []string
	if old != nil {
		oldHosts = old.Connectivity.HostAddresses
	}
	if old == nil || !utils.StringSetsEqual(oldHosts, updated.Connectivity.HostAddresses) {
		bus.Emit(events.ConnectivityConfigurationChanged{
			HostAddresses: append([]string(nil), updated.Connectivity.HostAddresses...),
		})
	}
}
