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
	"sync"
	"time"

	"github.com/edgegate/edgegate/lib/events"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultRefreshInterval is the period of the background refresh.
	DefaultRefreshInterval = time.Minute
	// DefaultAssociationTrust is how long the associated thing list is
	// considered fresh.
	DefaultAssociationTrust = 5 * time.Minute
	// DefaultDescriptionTrust is how long per-thing attributes are
	// considered fresh.
	DefaultDescriptionTrust = 10 * time.Minute
)

// AttributesCacheConfig configures an AttributesCache.
type AttributesCacheConfig struct {
	// Cloud fetches thing associations and attributes.
	Cloud CloudClient
	// Network gates fetching: refreshes are skipped while DOWN.
	Network NetworkStateProvider
	// RefreshInterval is the background refresh period.
	RefreshInterval time.Duration
	// AssociationTrust and DescriptionTrust are the freshness windows.
	AssociationTrust time.Duration
	DescriptionTrust time.Duration
	// Clock drives the refresh schedule and freshness checks.
	Clock clockwork.Clock
	// Log is a component logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets the defaults.
func (c *AttributesCacheConfig) CheckAndSetDefaults() error {
	if c.Cloud == nil {
		return trace.BadParameter("missing cloud client")
	}
	if c.Network == nil {
		return trace.BadParameter("missing network state provider")
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.AssociationTrust <= 0 {
		c.AssociationTrust = DefaultAssociationTrust
	}
	if c.DescriptionTrust <= 0 {
		c.DescriptionTrust = DefaultDescriptionTrust
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "thingcache")
	}
	return nil
}

type attributesRecord struct {
	attributes map[string]string
	fetchedAt  time.Time
}

// AttributesCache keeps thing attributes warm with a periodic refresh
// so authorization keeps working through offline windows. Cached
// values are used while fresh; stale values are refetched on demand
// when the network allows it.
type AttributesCache struct {
	cfg AttributesCacheConfig

	mu              sync.Mutex
	associated      []string
	associatedAt    time.Time
	records         map[string]attributesRecord
	initialized     chan struct{}
	initializedOnce bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAttributesCache creates a stopped cache. Call Start to begin
// refreshing.
func NewAttributesCache(cfg AttributesCacheConfig) (*AttributesCache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &AttributesCache{
		cfg:         cfg,
		records:     make(map[string]attributesRecord),
		initialized: make(chan struct{}),
	}, nil
}

// Start launches the background refresh loop.
func (c *AttributesCache) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.refresh(ctx)
		ticker := c.cfg.Clock.NewTicker(c.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				c.refresh(ctx)
			}
		}
	}()
}

// Stop cancels the refresh loop and resets the initialization latch.
func (c *AttributesCache) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initializedOnce {
		c.initialized = make(chan struct{})
		c.initializedOnce = false
	}
}

// WaitForInitialization blocks until the first full refresh completes,
// the timeout elapses, or the context is canceled.
func (c *AttributesCache) WaitForInitialization(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	initialized := c.initialized
	c.mu.Unlock()

	timer := c.cfg.Clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-initialized:
		return nil
	case <-timer.Chan():
		return trace.LimitExceeded("thing attributes cache did not initialize within %v", timeout)
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// Attributes returns the attributes of a thing: the cached record if
// fresh, a refetch otherwise. Returns NotFound when nothing usable is
// available.
func (c *AttributesCache) Attributes(ctx context.Context, thingName string) (map[string]string, error) {
	now := c.cfg.Clock.Now()
	c.mu.Lock()
	record, ok := c.records[thingName]
	c.mu.Unlock()
	if ok && now.Before(record.fetchedAt.Add(c.cfg.DescriptionTrust)) {
		return record.attributes, nil
	}

	if c.cfg.Network.Current() == events.NetworkUp {
		attrs, err := c.cfg.Cloud.ListThingAttributes(ctx, thingName)
		if err == nil {
			c.storeRecord(thingName, attrs)
			return attrs, nil
		}
		c.cfg.Log.WithError(err).Warnf("Failed to refresh attributes for thing %q.", thingName)
	}
	if ok {
		// Stale but better than nothing while offline.
		return record.attributes, nil
	}
	return nil, trace.NotFound("no attributes cached for thing %q", thingName)
}

// AssociatedThingNames returns the things associated with this
// gateway, using the cached list while fresh.
func (c *AttributesCache) AssociatedThingNames(ctx context.Context) ([]string, error) {
	now := c.cfg.Clock.Now()
	c.mu.Lock()
	names, fetchedAt := c.associated, c.associatedAt
	c.mu.Unlock()
	if names != nil && now.Before(fetchedAt.Add(c.cfg.AssociationTrust)) {
		return names, nil
	}

	if c.cfg.Network.Current() == events.NetworkUp {
		fetched, err := c.cfg.Cloud.ListAssociatedThings(ctx)
		if err == nil {
			c.mu.Lock()
			c.associated = fetched
			c.associatedAt = c.cfg.Clock.Now()
			c.mu.Unlock()
			return fetched, nil
		}
		c.cfg.Log.WithError(err).Warn("Failed to list associated things.")
	}
	if names != nil {
		return names, nil
	}
	return nil, trace.NotFound("no associated things cached")
}

func (c *AttributesCache) storeRecord(thingName string, attrs map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[thingName] = attributesRecord{
		attributes: attrs,
		fetchedAt:  c.cfg.Clock.Now(),
	}
}

// refresh performs one full pass: list associations, then fetch each
// thing's attributes. A failed thing fetch is skipped; cancellation is
// checked between things.
func (c *AttributesCache) refresh(ctx context.Context) {
	if c.cfg.Network.Current() != events.NetworkUp {
		c.cfg.Log.Debug("Network is down, skipping attributes refresh.")
		return
	}
	names, err := c.cfg.Cloud.ListAssociatedThings(ctx)
	if err != nil {
		c.cfg.Log.WithError(err).Warn("Failed to list associated things, skipping refresh.")
		return
	}
	c.mu.Lock()
	c.associated = names
	c.associatedAt = c.cfg.Clock.Now()
	c.mu.Unlock()

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		attrs, err := c.cfg.Cloud.ListThingAttributes(ctx, name)
		if err != nil {
			c.cfg.Log.WithError(err).Warnf("Failed to fetch attributes for thing %q, keeping previous value.", name)
			continue
		}
		c.storeRecord(name, attrs)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initializedOnce {
		close(c.initialized)
		c.initializedOnce = true
	}
}
