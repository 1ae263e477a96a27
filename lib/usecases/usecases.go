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

// Package usecases is a small registry wiring use cases to their
// dependencies. Entries are constructed lazily, either once per
// process or once per lookup.
package usecases

import (
	"strings"
	"sync"

	"github.com/gravitational/trace"
)

// Scope controls how often a registered constructor runs.
type Scope int

const (
	// Singleton constructs on first lookup and reuses the instance.
	Singleton Scope = iota
	// PerLookup constructs on every lookup.
	PerLookup
)

// Constructor builds one use case, resolving its dependencies through
// the resolver it receives.
type Constructor func(deps *Resolver) (interface{}, error)

type entry struct {
	scope Scope
	build Constructor

	mu       sync.Mutex
	built    bool
	instance interface{}
}

// Registry resolves use cases by name. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a constructor under a unique name.
func (r *Registry) Register(name string, scope Scope, build Constructor) error {
	if name == "" {
		return trace.BadParameter("missing use case name")
	}
	if build == nil {
		return trace.BadParameter("missing constructor for %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return trace.AlreadyExists("use case %q is already registered", name)
	}
	r.entries[name] = &entry{scope: scope, build: build}
	return nil
}

// Get resolves a use case by name, constructing it if needed.
func (r *Registry) Get(name string) (interface{}, error) {
	resolver := &Resolver{registry: r}
	return resolver.Get(name)
}

// Resolver carries the resolution path of one lookup so that
// constructor cycles fail instead of recursing forever.
type Resolver struct {
	registry *Registry
	path     []string
}

// Get resolves a dependency by name.
func (res *Resolver) Get(name string) (interface{}, error) {
	for _, ancestor := range res.path {
		if ancestor == name {
			return nil, trace.BadParameter("dependency cycle: %v",
				strings.Join(append(res.path, name), " -> "))
		}
	}

	res.registry.mu.Lock()
	e, ok := res.registry.entries[name]
	res.registry.mu.Unlock()
	if !ok {
		return nil, trace.NotFound("use case %q is not registered", name)
	}

	child := &Resolver{registry: res.registry, path: append(res.path, name)}

	if e.scope == PerLookup {
		instance, err := e.build(child)
		return instance, trace.Wrap(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.built {
		instance, err := e.build(child)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		e.instance = instance
		e.built = true
	}
	return e.instance, nil
}

// Resolve looks up a use case and asserts its type.
func Resolve[T any](r *Registry, name string) (T, error) {
	var zero T
	instance, err := r.Get(name)
	if err != nil {
		return zero, trace.Wrap(err)
	}
	typed, ok := instance.(T)
	if !ok {
		return zero, trace.BadParameter("use case %q has type %T, not %T", name, instance, zero)
	}
	return typed, nil
}
