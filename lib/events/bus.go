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

package events

import (
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Handler consumes domain events of the kinds it subscribed to.
// Handlers must be comparable values (pointers in practice): the bus
// deduplicates registrations by identity.
type Handler interface {
	HandleEvent(event Event) error
}

type funcHandler struct {
	fn func(event Event) error
}

func (h *funcHandler) HandleEvent(event Event) error {
	return h.fn(event)
}

// HandlerFunc adapts a function into a Handler. Each call returns a
// distinct handler identity.
func HandlerFunc(fn func(event Event) error) Handler {
	return &funcHandler{fn: fn}
}

// BusConfig configures a Bus.
type BusConfig struct {
	// ErrorHandler receives handler errors. Errors never abort the
	// dispatch chain.
	ErrorHandler func(event Event, err error)
	// Log is a component logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets the defaults.
func (c *BusConfig) CheckAndSetDefaults() error {
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "events")
	}
	if c.ErrorHandler == nil {
		log := c.Log
		c.ErrorHandler = func(event Event, err error) {
			log.WithError(err).Warnf("Handler failed for event %q.", event.Kind())
		}
	}
	return nil
}

// Bus routes domain events to subscribed handlers. Dispatch is
// synchronous on the emitter's goroutine, in registration order.
type Bus struct {
	cfg BusConfig

	mu       sync.Mutex
	handlers map[string][]Handler
}

// NewBus creates an event bus.
func NewBus(cfg BusConfig) (*Bus, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Bus{
		cfg:      cfg,
		handlers: make(map[string][]Handler),
	}, nil
}

// Subscribe registers handler for events of the given kind. Registering
// the same handler for the same kind twice is a no-op.
func (b *Bus) Subscribe(kind string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.handlers[kind] {
		if existing == handler {
			return
		}
	}
	// Copy on write so an in-flight Emit never observes the mutation.
	updated := make([]Handler, 0, len(b.handlers[kind])+1)
	updated = append(updated, b.handlers[kind]...)
	updated = append(updated, handler)
	b.handlers[kind] = updated
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(kind string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing := b.handlers[kind]
	updated := make([]Handler, 0, len(existing))
	for _, h := range existing {
		if h != handler {
			updated = append(updated, h)
		}
	}
	b.handlers[kind] = updated
}

// Emit dispatches event to every handler subscribed to its kind, in
// registration order. A handler error is passed to the error handler
// and does not stop dispatch.
func (b *Bus) Emit(event Event) {
	b.mu.Lock()
	handlers := b.handlers[event.Kind()]
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h.HandleEvent(event); err != nil {
			b.cfg.ErrorHandler(event, err)
		}
	}
}
