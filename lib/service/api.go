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

package service

import (
	"context"

	"github.com/edgegate/edgegate/lib/ca"
	"github.com/edgegate/edgegate/lib/certmanager"
	"github.com/edgegate/edgegate/lib/config"
	"github.com/edgegate/edgegate/lib/connectivity"
	"github.com/edgegate/edgegate/lib/events"
	"github.com/edgegate/edgegate/lib/policy"
	"github.com/edgegate/edgegate/lib/usecases"

	"github.com/gravitational/trace"
)

// AuthTokenRequest asks for a session on behalf of a connecting
// client.
type AuthTokenRequest struct {
	CredentialType string
	Credentials    map[string]string
}

// AuthorizeRequest asks whether the session identified by Token may
// perform Operation on Resource.
type AuthorizeRequest struct {
	Token     string
	Operation string
	Resource  string
}

// Use case signatures resolved through the container.
type (
	GetAuthTokenUseCase func(context.Context, AuthTokenRequest) (string, error)
	AuthorizeUseCase    func(AuthorizeRequest) (bool, error)
	VerifyUseCase       func(context.Context, string) (bool, error)
)

func (s *Service) registerUseCases() error {
	register := []struct {
		name  string
		build usecases.Constructor
	}{
		{UseCaseCreateToken, func(*usecases.Resolver) (interface{}, error) {
			return GetAuthTokenUseCase(s.getClientDeviceAuthToken), nil
		}},
		{UseCaseAuthorize, func(*usecases.Resolver) (interface{}, error) {
			return AuthorizeUseCase(s.authorizeClientDeviceAction), nil
		}},
		{UseCaseVerify, func(*usecases.Resolver) (interface{}, error) {
			return VerifyUseCase(s.verifyClientDeviceIdentity), nil
		}},
	}
	for _, uc := range register {
		if err := s.container.Register(uc.name, usecases.Singleton, uc.build); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// GetClientDeviceAuthToken authenticates the credentials and returns
// a session token.
func (s *Service) GetClientDeviceAuthToken(ctx context.Context, req AuthTokenRequest) (string, error) {
	uc, err := usecases.Resolve[GetAuthTokenUseCase](s.container, UseCaseCreateToken)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return uc(ctx, req)
}

func (s *Service) getClientDeviceAuthToken(ctx context.Context, req AuthTokenRequest) (string, error) {
	token, err := s.sessions.CreateSession(ctx, req.CredentialType, req.Credentials)
	if err != nil {
		s.bus.Emit(events.GetClientDeviceAuthToken{Outcome: events.OutcomeFailure})
		return "", trace.Wrap(err)
	}
	s.bus.Emit(events.GetClientDeviceAuthToken{Outcome: events.OutcomeSuccess})
	return token, nil
}

// AuthorizeClientDeviceAction decides one (operation, resource)
// request for an active session. An unknown or evicted token is an
// access denied error, not a plain deny.
func (s *Service) AuthorizeClientDeviceAction(req AuthorizeRequest) (bool, error) {
	uc, err := usecases.Resolve[AuthorizeUseCase](s.container, UseCaseAuthorize)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return uc(req)
}

func (s *Service) authorizeClientDeviceAction(req AuthorizeRequest) (bool, error) {
	sess, ok := s.sessions.FindSession(req.Token)
	if !ok {
		s.bus.Emit(events.AuthorizeClientDeviceAction{Outcome: events.OutcomeFailure})
		return false, trace.AccessDenied("auth token is not valid")
	}
	allowed, err := s.evaluator.Authorize(sess, policy.Request{
		Operation: req.Operation,
		Resource:  req.Resource,
	})
	if err != nil {
		s.bus.Emit(events.AuthorizeClientDeviceAction{Outcome: events.OutcomeFailure})
		return false, trace.Wrap(err)
	}
	s.bus.Emit(events.AuthorizeClientDeviceAction{Outcome: events.OutcomeSuccess})
	return allowed, nil
}

// VerifyClientDeviceIdentity reports whether the presented certificate
// is either a gateway-issued component certificate or an active cloud
// registered device certificate.
func (s *Service) VerifyClientDeviceIdentity(ctx context.Context, certificatePEM string) (bool, error) {
	uc, err := usecases.Resolve[VerifyUseCase](s.container, UseCaseVerify)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return uc(ctx, certificatePEM)
}

func (s *Service) verifyClientDeviceIdentity(ctx context.Context, certificatePEM string) (bool, error) {
	cert, err := ca.ParseCertificatePEM(certificatePEM)
	if err != nil {
		s.bus.Emit(events.VerifyClientDeviceIdentity{Outcome: events.OutcomeFailure})
		return false, trace.Wrap(err)
	}
	if pair, err := s.store.CurrentCA(); err == nil {
		if cert.CheckSignatureFrom(pair.Certificate) == nil {
			s.bus.Emit(events.VerifyClientDeviceIdentity{Outcome: events.OutcomeSuccess})
			return true, nil
		}
	}
	_, err = s.certRegistry.GetIoTCertificateIDForPEM(ctx, certificatePEM)
	if err != nil {
		if trace.IsNotFound(err) {
			s.bus.Emit(events.VerifyClientDeviceIdentity{Outcome: events.OutcomeSuccess})
			return false, nil
		}
		s.bus.Emit(events.VerifyClientDeviceIdentity{Outcome: events.OutcomeFailure})
		return false, trace.Wrap(err)
	}
	s.bus.Emit(events.VerifyClientDeviceIdentity{Outcome: events.OutcomeSuccess})
	return true, nil
}

// SubscribeToCertificateUpdates issues a fresh certificate and keeps
// it rotated. The manager emits the subscription events.
func (s *Service) SubscribeToCertificateUpdates(req certmanager.SubscribeRequest) (*certmanager.Subscription, error) {
	sub, err := s.certManager.Subscribe(req)
	return sub, trace.Wrap(err)
}

// UnsubscribeFromCertificateUpdates drops a certificate subscription.
func (s *Service) UnsubscribeFromCertificateUpdates(sub *certmanager.Subscription) {
	s.certManager.Unsubscribe(sub)
}

// CACertificates returns the current CA chain.
func (s *Service) CACertificates() ([]string, error) {
	chain, err := s.certManager.CACertificates()
	return chain, trace.Wrap(err)
}

// CloseSession tears one session down.
func (s *Service) CloseSession(token string) {
	s.sessions.CloseSession(token)
}

// ApplyConfiguration installs a new configuration document: directly
// updatable settings are applied, and a change event is emitted for
// every section that differs from the prior document.
func (s *Service) ApplyConfiguration(doc *config.Document) error {
	if doc == nil {
		return trace.BadParameter("missing configuration document")
	}
	groupCfg, err := doc.GroupConfiguration()
	if err != nil {
		return trace.Wrap(err)
	}

	s.mu.Lock()
	old := s.document
	s.document = doc
	s.mu.Unlock()

	s.sessions.UpdateCapacity(doc.Performance.MaxActiveAuthTokens)
	s.certificates.Update(
		doc.Certificates.ServerValiditySeconds,
		doc.Certificates.ClientValiditySeconds,
		doc.Certificates.DisableRotation)
	s.groups.SetConfiguration(groupCfg)

	config.Diff(old, doc, s.bus)
	return nil
}

// subscribeConfigEvents binds the configuration change events to the
// subsystems they reconfigure.
func (s *Service) subscribeConfigEvents() {
	s.busHandler = events.HandlerFunc(s.handleEvent)
	for _, kind := range []string{
		events.KindSecurityConfigurationChanged,
		events.KindCAConfigurationChanged,
		events.KindConnectivityConfigurationChanged,
		events.KindConnectivityChanged,
	} {
		s.bus.Subscribe(kind, s.busHandler)
	}
}

func (s *Service) unsubscribeConfigEvents() {
	if s.busHandler == nil {
		return
	}
	for _, kind := range []string{
		events.KindSecurityConfigurationChanged,
		events.KindCAConfigurationChanged,
		events.KindConnectivityConfigurationChanged,
		events.KindConnectivityChanged,
	} {
		s.bus.Unsubscribe(kind, s.busHandler)
	}
}

func (s *Service) handleEvent(ev events.Event) error {
	switch event := ev.(type) {
	case events.SecurityConfigurationChanged:
		s.trust.Set(event.ClientDeviceTrustDuration)
	case events.CAConfigurationChanged:
		err := s.applyCAConfiguration(config.CAConfig{
			Type:           event.KeyAlgorithm,
			CertificateURI: event.CertificateURI,
			PrivateKeyURI:  event.PrivateKeyURI,
		})
		if err != nil {
			s.cfg.Log.WithError(err).Error("Failed to apply CA configuration.")
			return trace.Wrap(err)
		}
	case events.ConnectivityConfigurationChanged:
		if s.hosts.Update(connectivity.SourceConfiguration, event.HostAddresses) {
			s.bus.Emit(events.ConnectivityChanged{HostAddresses: s.hosts.All()})
		}
	case events.ConnectivityChanged:
		s.certManager.UpdateHostAddresses(event.HostAddresses)
	}
	return nil
}
