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

// Package netstate tracks the UP/DOWN state of the transport and
// publishes transitions on the domain event bus. Transport callbacks
// only enqueue; dispatch happens on the tracker's own goroutine, never
// on the callback thread.
package netstate

import (
	"sync"

	"github.com/edgegate/edgegate/lib/events"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Config configures a Tracker.
type Config struct {
	// Bus receives NetworkStateChanged events.
	Bus *events.Bus
	// Log is a component logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets the defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Bus == nil {
		return trace.BadParameter("missing event bus")
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "netstate")
	}
	return nil
}

// Tracker observes transport connectivity callbacks and emits a
// NetworkStateChanged event on every actual transition, tagged with a
// monotonically increasing sequence number.
type Tracker struct {
	cfg Config

	mu    sync.Mutex
	state events.NetworkState
	seq   uint64

	observed chan events.NetworkState
	done     chan struct{}
	once     sync.Once
}

// NewTracker creates a Tracker and starts its dispatch goroutine. The
// initial state is DOWN until the transport reports a connection.
func NewTracker(cfg Config) (*Tracker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	t := &Tracker{
		cfg:      cfg,
		state:    events.NetworkDown,
		observed: make(chan events.NetworkState, 1),
		done:     make(chan struct{}),
	}
	go t.dispatch()
	return t, nil
}

// OnConnect is the transport callback for an initial connection.
func (t *Tracker) OnConnect() { t.enqueue(events.NetworkUp) }

// OnConnectionResumed is the transport callback for a re-established
// connection.
func (t *Tracker) OnConnectionResumed() { t.enqueue(events.NetworkUp) }

// OnConnectionInterrupted is the transport callback for a lost
// connection.
func (t *Tracker) OnConnectionInterrupted() { t.enqueue(events.NetworkDown) }

// Current returns the last dispatched state.
func (t *Tracker) Current() events.NetworkState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Close stops the dispatch goroutine. Pending transitions are dropped.
func (t *Tracker) Close() {
	t.once.Do(func() { close(t.done) })
}

// enqueue coalesces to the most recent observed state: an undelivered
// older observation is replaced rather than queued behind.
func (t *Tracker) enqueue(state events.NetworkState) {
	for {
		select {
		case t.observed <- state:
			return
		case <-t.done:
			return
		default:
			select {
			case <-t.observed:
			default:
			}
		}
	}
}

func (t *Tracker) dispatch() {
	for {
		select {
		case <-t.done:
			return
		case state := <-t.observed:
			t.mu.Lock()
			if state == t.state {
				t.mu.Unlock()
				continue
			}
			t.state = state
			t.seq++
			seq := t.seq
			t.mu.Unlock()

			t.cfg.Log.Infof("Network is %v.", state)
			t.cfg.Bus.Emit(events.NetworkStateChanged{State: state, Seq: seq})
		}
	}
}
