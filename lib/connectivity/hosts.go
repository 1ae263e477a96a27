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

package connectivity

import (
	"sort"
	"sync"

	"github.com/edgegate/edgegate/lib/utils"
)

// Source labels where a set of host addresses came from.
type Source string

const (
	// SourceConfiguration is the statically configured host list.
	SourceConfiguration Source = "CONFIGURATION"
	// SourceDiscovered is the host list reported by the connectivity
	// information service.
	SourceDiscovered Source = "DISCOVERED"
)

// HostCache keeps the per-source host address sets and exposes their
// union. Safe for concurrent use.
type HostCache struct {
	mu       sync.Mutex
	bySource map[Source][]string
}

// NewHostCache creates an empty cache.
func NewHostCache() *HostCache {
	return &HostCache{bySource: make(map[Source][]string)}
}

// Update replaces the addresses of one source and reports whether the
// set actually changed. Reordering or duplicating entries is not a
// change.
func (c *HostCache) Update(source Source, hosts []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if utils.StringSetsEqual(c.bySource[source], hosts) {
		return false
	}
	c.bySource[source] = append([]string(nil), hosts...)
	return true
}

// All returns the union of every source's addresses, deduplicated and
// sorted for stable comparison.
func (c *HostCache) All() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var merged []string
	for _, hosts := range c.bySource {
		merged = append(merged, hosts...)
	}
	merged = utils.Deduplicate(merged)
	sort.Strings(merged)
	return merged
}
