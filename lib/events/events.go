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

// Package events defines the domain events exchanged between the
// gateway's subsystems and the bus that routes them.
package events

import "time"

// Outcome records whether the operation an event describes succeeded.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

// Event is implemented by every domain event. Kind identifies the
// event class; listeners subscribe by kind.
type Event interface {
	Kind() string
}

const (
	KindCACertificateChainChanged        = "ca.chain.changed"
	KindCAConfigurationChanged           = "ca.configuration.changed"
	KindConnectivityChanged              = "connectivity.changed"
	KindConnectivityConfigurationChanged = "connectivity.configuration.changed"
	KindSecurityConfigurationChanged     = "security.configuration.changed"
	KindMetricsConfigurationChanged      = "metrics.configuration.changed"
	KindNetworkStateChanged              = "network.state.changed"
	KindSessionCreation                  = "session.creation"
	KindAuthorizeClientDeviceAction      = "authorize.client.device.action"
	KindGetClientDeviceAuthToken         = "get.client.device.auth.token"
	KindCertificateSubscription          = "certificate.subscription"
	KindVerifyClientDeviceIdentity       = "verify.client.device.identity"
)

// CACertificateChainChanged is emitted after the CA has been generated
// or replaced. Certificates carries the new chain, leaf first, as PEM.
type CACertificateChainChanged struct {
	Certificates []string
}

func (CACertificateChainChanged) Kind() string { return KindCACertificateChainChanged }

// CAConfigurationChanged is emitted when the certificate authority
// section of the configuration changes.
type CAConfigurationChanged struct {
	// KeyAlgorithm is the configured CA key type, e.g. "RSA_2048".
	KeyAlgorithm string
	// CertificateURI and PrivateKeyURI select custom CA mode when both
	// are set.
	CertificateURI string
	PrivateKeyURI  string
}

func (CAConfigurationChanged) Kind() string { return KindCAConfigurationChanged }

// ConnectivityChanged is emitted when the aggregated host address set
// changes by set equality. HostAddresses is the new aggregate.
type ConnectivityChanged struct {
	HostAddresses []string
}

func (ConnectivityChanged) Kind() string { return KindConnectivityChanged }

// ConnectivityConfigurationChanged is emitted when the statically
// configured host addresses change by set equality.
type ConnectivityConfigurationChanged struct {
	HostAddresses []string
}

func (ConnectivityConfigurationChanged) Kind() string {
	return KindConnectivityConfigurationChanged
}

// SecurityConfigurationChanged carries the new client device trust
// duration.
type SecurityConfigurationChanged struct {
	ClientDeviceTrustDuration time.Duration
}

func (SecurityConfigurationChanged) Kind() string { return KindSecurityConfigurationChanged }

// MetricsConfigurationChanged starts, stops, or re-periods the metrics
// emitter.
type MetricsConfigurationChanged struct {
	Disabled        bool
	AggregatePeriod time.Duration
}

func (MetricsConfigurationChanged) Kind() string { return KindMetricsConfigurationChanged }

// NetworkState is the two-valued connectivity state of the transport.
type NetworkState string

const (
	NetworkUp   NetworkState = "UP"
	NetworkDown NetworkState = "DOWN"
)

// NetworkStateChanged is emitted on every observed UP/DOWN transition.
// Seq increases monotonically with each transition.
type NetworkStateChanged struct {
	State NetworkState
	Seq   uint64
}

func (NetworkStateChanged) Kind() string { return KindNetworkStateChanged }

// SessionCreation is emitted for every createSession call.
type SessionCreation struct {
	Outcome Outcome
}

func (SessionCreation) Kind() string { return KindSessionCreation }

// AuthorizeClientDeviceAction is emitted for every authorization
// decision requested through the service API.
type AuthorizeClientDeviceAction struct {
	Outcome Outcome
}

func (AuthorizeClientDeviceAction) Kind() string { return KindAuthorizeClientDeviceAction }

// GetClientDeviceAuthToken is emitted for every auth token request.
type GetClientDeviceAuthToken struct {
	Outcome Outcome
}

func (GetClientDeviceAuthToken) Kind() string { return KindGetClientDeviceAuthToken }

// CertificateSubscription is emitted for every certificate update
// subscription attempt.
type CertificateSubscription struct {
	Outcome Outcome
}

func (CertificateSubscription) Kind() string { return KindCertificateSubscription }

// VerifyClientDeviceIdentity is emitted for every identity
// verification requested through the service API.
type VerifyClientDeviceIdentity struct {
	Outcome Outcome
}

func (VerifyClientDeviceIdentity) Kind() string { return KindVerifyClientDeviceIdentity }
