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
	"time"

	"github.com/edgegate/edgegate/lib/utils"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// CloudClient is the interface the gateway consumes from the cloud
// registry binding. Implementations map their SDK's error taxonomy to
// trace errors:
//
//   - validation failures     -> trace.BadParameter
//   - unknown identities      -> trace.NotFound
//   - throttling              -> trace.LimitExceeded
//   - transport and 5xx       -> trace.ConnectionProblem
type CloudClient interface {
	// GetActiveCertificateID resolves a certificate PEM to the id the
	// cloud assigned to it, if the certificate is registered and
	// active.
	GetActiveCertificateID(ctx context.Context, certificatePEM string) (string, error)
	// VerifyThingAttachedToCertificate reports whether the thing is
	// attached to the certificate with the given cloud id.
	VerifyThingAttachedToCertificate(ctx context.Context, thingName, iotCertificateID string) (bool, error)
	// ListThingAttributes fetches the thing's registry attributes.
	ListThingAttributes(ctx context.Context, thingName string) (map[string]string, error)
	// ListAssociatedThings lists the things associated with this
	// gateway.
	ListAssociatedThings(ctx context.Context) ([]string, error)
}

// IsDefiniteNegative reports whether a cloud error is a definite "no":
// the identity does not exist or the request was invalid. Definite
// negatives are never retried and never cached as positive.
func IsDefiniteNegative(err error) bool {
	return trace.IsNotFound(err) || trace.IsBadParameter(err)
}

// IsRetryable reports whether a cloud error is worth another attempt.
func IsRetryable(err error) bool {
	return trace.IsLimitExceeded(err) || trace.IsConnectionProblem(err)
}

const (
	defaultRetryFirst    = 200 * time.Millisecond
	defaultRetryMax      = 2 * time.Second
	defaultRetryAttempts = 3
)

type retryingClient struct {
	inner CloudClient
	retry utils.RetryConfig
}

// NewRetryingClient wraps a CloudClient in an exponential backoff
// budget. Throttling and transport errors are retried; definite
// negatives are returned immediately.
func NewRetryingClient(inner CloudClient, clock clockwork.Clock) CloudClient {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &retryingClient{
		inner: inner,
		retry: utils.RetryConfig{
			First:       defaultRetryFirst,
			Max:         defaultRetryMax,
			MaxAttempts: defaultRetryAttempts,
			Retryable:   IsRetryable,
			Clock:       clock,
		},
	}
}

func (c *retryingClient) GetActiveCertificateID(ctx context.Context, certificatePEM string) (string, error) {
	var id string
	err := utils.Retry(ctx, c.retry, func() error {
		var err error
		id, err = c.inner.GetActiveCertificateID(ctx, certificatePEM)
		return err
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return id, nil
}

func (c *retryingClient) VerifyThingAttachedToCertificate(ctx context.Context, thingName, iotCertificateID string) (bool, error) {
	var attached bool
	err := utils.Retry(ctx, c.retry, func() error {
		var err error
		attached, err = c.inner.VerifyThingAttachedToCertificate(ctx, thingName, iotCertificateID)
		return err
	})
	if err != nil {
		return false, trace.Wrap(err)
	}
	return attached, nil
}

func (c *retryingClient) ListThingAttributes(ctx context.Context, thingName string) (map[string]string, error) {
	var attrs map[string]string
	err := utils.Retry(ctx, c.retry, func() error {
		var err error
		attrs, err = c.inner.ListThingAttributes(ctx, thingName)
		return err
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return attrs, nil
}

func (c *retryingClient) ListAssociatedThings(ctx context.Context) ([]string, error) {
	var names []string
	err := utils.Retry(ctx, c.retry, func() error {
		var err error
		names, err = c.inner.ListAssociatedThings(ctx)
		return err
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return names, nil
}
