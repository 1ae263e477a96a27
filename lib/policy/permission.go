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

// Permission grants one operation pattern on one resource pattern.
// Variables lists the policy variables enumerated from the resource at
// construction time; only these are substituted at evaluation.
type Permission struct {
	Operation string
	Resource  string
	Variables []string
}

// NewPermission builds a permission, enumerating the resource's policy
// variables.
func NewPermission(operation, resource string) Permission {
	return Permission{
		Operation: operation,
		Resource:  resource,
		Variables: ExtractVariables(resource),
	}
}

// operation is "service:action"; resource is "service:type:name" where
// the name may itself contain colons.
type operationRef struct {
	service string
	action  string
}

type resourceRef struct {
	service string
	typ     string
	name    string
}

func parseOperation(s string) (operationRef, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return operationRef{}, trace.BadParameter("operation %q is malformed, expected service:action", s)
	}
	return operationRef{service: parts[0], action: parts[1]}, nil
}

func parseResource(s string) (resourceRef, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return resourceRef{}, trace.BadParameter("resource %q is malformed, expected service:type:name", s)
	}
	return resourceRef{service: parts[0], typ: parts[1], name: parts[2]}, nil
}

// MatchesOperation matches the permission's operation pattern against
// a request operation.
func (p Permission) MatchesOperation(operation string) (bool, error) {
	if p.Operation == "*" {
		return true, nil
	}
	pattern, err := parseOperation(p.Operation)
	if err != nil {
		return false, trace.Wrap(err)
	}
	request, err := parseOperation(operation)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return MatchWildcard(pattern.service, request.service) &&
		MatchWildcard(pattern.action, request.action), nil
}

// MatchesResource substitutes the permission's listed variables and
// matches the resulting resource pattern against a request resource.
func (p Permission) MatchesResource(resource string, source AttributeSource) (bool, error) {
	resolved, err := ResolveVariables(p.Resource, p.Variables, source)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if resolved == "*" {
		return true, nil
	}
	pattern, err := parseResource(resolved)
	if err != nil {
		return false, trace.Wrap(err)
	}
	request, err := parseResource(resource)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return MatchWildcard(pattern.service, request.service) &&
		MatchWildcard(pattern.typ, request.typ) &&
		MatchWildcard(pattern.name, request.name), nil
}
