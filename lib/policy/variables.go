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
	"regexp"
	"strings"

	"github.com/gravitational/trace"
)

// policyVariablePattern recognizes ${namespace:path} placeholders.
var policyVariablePattern = regexp.MustCompile(`\$\{[a-z]+:[a-zA-Z.]+\}`)

// sessionAttribute names the session attribute a policy variable
// resolves from.
type sessionAttribute struct {
	namespace string
	name      string
}

// knownVariables is the closed set of supported policy variables.
// Placeholders outside this set are preserved as literal text.
var knownVariables = map[string]sessionAttribute{
	"${iot:Connection.Thing.ThingName}": {namespace: "Thing", name: "ThingName"},
}

// ExtractVariables returns the supported policy variables found in
// text, in order of first occurrence.
func ExtractVariables(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, candidate := range policyVariablePattern.FindAllString(text, -1) {
		if _, ok := knownVariables[candidate]; !ok {
			continue
		}
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		out = append(out, candidate)
	}
	return out
}

// ResolveVariables substitutes each listed variable in text with its
// session attribute value. A listed variable with no value fails; the
// caller treats that as a deny.
func ResolveVariables(text string, listed []string, source AttributeSource) (string, error) {
	for _, variable := range listed {
		attr, ok := knownVariables[variable]
		if !ok {
			return "", trace.BadParameter("unsupported policy variable %q", variable)
		}
		value, ok := source.Attribute(attr.namespace, attr.name)
		if !ok || value == "" {
			return "", trace.BadParameter("no value for policy variable %q", variable)
		}
		text = strings.ReplaceAll(text, variable, value)
	}
	return text, nil
}
