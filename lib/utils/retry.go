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

// Package utils holds small helpers shared across the gateway's
// subsystems.
package utils

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// RetryConfig configures an exponential backoff retry loop.
type RetryConfig struct {
	// First is the delay before the second attempt.
	First time.Duration
	// Max caps the delay between attempts.
	Max time.Duration
	// MaxAttempts bounds the number of attempts. Zero means retry
	// until the context is done.
	MaxAttempts int
	// Retryable reports whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool
	// Clock is used to wait between attempts.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets the defaults.
func (c *RetryConfig) CheckAndSetDefaults() error {
	if c.First <= 0 {
		return trace.BadParameter("missing retry interval")
	}
	if c.Max < c.First {
		return trace.BadParameter("maximum retry interval is below the first interval")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Retry runs fn until it succeeds, returns a non-retryable error, the
// attempt budget is exhausted, or the context is canceled. The delay
// doubles after every failed attempt, capped at Max.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}

	delay := cfg.First
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return trace.Wrap(err)
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return trace.Wrap(err, "retry budget exhausted after %v attempts", attempt)
		}
		select {
		case <-cfg.Clock.After(delay):
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
		delay *= 2
		if delay > cfg.Max {
			delay = cfg.Max
		}
	}
}
