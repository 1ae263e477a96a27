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

package policy

import (
	"strings"

	"github.com/gravitational/trace"
)

// ValidateWildcard rejects patterns with interior stars: a star may
// only lead or trail the pattern.
func ValidateWildcard(pattern string) error {
	core := strings.TrimPrefix(pattern, "*")
	core = strings.TrimSuffix(core, "*")
	if strings.Contains(core, "*") {
		return trace.BadParameter("pattern %q has an interior wildcard", pattern)
	}
	return nil
}

// MatchWildcard matches value against a pattern whose endpoints may be
// stars: "*" matches any nonempty value, "*x" any value ending in x,
// "x*" any value starting with x, and "*x*" any value containing x.
// Without stars the match is exact.
func MatchWildcard(pattern, value string) bool {
	if pattern == "*" {
		return value != ""
	}
	leading := strings.HasPrefix(pattern, "*")
	trailing := strings.HasSuffix(pattern, "*")
	core := strings.TrimPrefix(pattern, "*")
	core = strings.TrimSuffix(core, "*")
	switch {
	case leading && trailing:
		return strings.Contains(value, core)
	case leading:
		return strings.HasSuffix(value, core)
	case trailing:
		return strings.HasPrefix(value, core)
	}
	return value == pattern
}
