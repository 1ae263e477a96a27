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
	"sync"

	"github.com/gravitational/trace"
)

// EffectAllow is the only statement effect the gateway supports.
const EffectAllow = "ALLOW"

// GroupDefinition selects the client devices of one group and names
// the policy that applies to them.
type GroupDefinition struct {
	// SelectionRule is the rule expression matching member sessions.
	SelectionRule string `yaml:"selectionRule"`
	// PolicyName names an entry in the policies map.
	PolicyName string `yaml:"policyName"`
}

// Statement is one named clause of a policy document.
type Statement struct {
	Effect     string   `yaml:"effect"`
	Operations []string `yaml:"operations"`
	Resources  []string `yaml:"resources"`
}

// GroupConfiguration is an immutable, validated snapshot of the device
// groups: parsed selection rules and the permission cross product of
// each group's policy.
type GroupConfiguration struct {
	rules       map[string]Expression
	permissions map[string][]Permission
}

// NewGroupConfiguration validates group definitions against their
// policies: every selection rule must parse, every referenced policy
// must exist, and every statement must be an ALLOW with at least one
// operation and resource. Permissions are the operations x resources
// cross product.
func NewGroupConfiguration(definitions map[string]GroupDefinition, policies map[string]map[string]Statement) (*GroupConfiguration, error) {
	cfg := &GroupConfiguration{
		rules:       make(map[string]Expression, len(definitions)),
		permissions: make(map[string][]Permission, len(definitions)),
	}
	for groupName, def := range definitions {
		rule, err := ParseExpression(def.SelectionRule)
		if err != nil {
			return nil, trace.Wrap(err, "group %q selection rule", groupName)
		}
		policy, ok := policies[def.PolicyName]
		if !ok {
			return nil, trace.BadParameter("group %q references unknown policy %q", groupName, def.PolicyName)
		}
		var perms []Permission
		for statementName, statement := range policy {
			if statement.Effect != EffectAllow {
				return nil, trace.BadParameter("policy %q statement %q has unsupported effect %q",
					def.PolicyName, statementName, statement.Effect)
			}
			if len(statement.Operations) == 0 {
				return nil, trace.BadParameter("policy %q statement %q has no operations",
					def.PolicyName, statementName)
			}
			if len(statement.Resources) == 0 {
				return nil, trace.BadParameter("policy %q statement %q has no resources",
					def.PolicyName, statementName)
			}
			for _, op := range statement.Operations {
				for _, res := range statement.Resources {
					perms = append(perms, NewPermission(op, res))
				}
			}
		}
		cfg.rules[groupName] = rule
		cfg.permissions[groupName] = perms
	}
	return cfg, nil
}

// ApplicablePermissions returns the permissions of every group whose
// selection rule matches the source, keyed by group name.
func (c *GroupConfiguration) ApplicablePermissions(source AttributeSource) map[string][]Permission {
	out := make(map[string][]Permission)
	for groupName, rule := range c.rules {
		if rule.Matches(source) {
			out[groupName] = c.permissions[groupName]
		}
	}
	return out
}

// GroupManager holds the current group configuration and swaps it
// atomically on configuration changes.
type GroupManager struct {
	mu      sync.RWMutex
	current *GroupConfiguration
}

// NewGroupManager creates a manager with no configuration: every
// lookup returns no permissions until SetConfiguration.
func NewGroupManager() *GroupManager {
	return &GroupManager{}
}

// SetConfiguration installs a new snapshot.
func (m *GroupManager) SetConfiguration(cfg *GroupConfiguration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = cfg
}

// ApplicablePermissions returns the permissions applying to the
// source under the current snapshot.
func (m *GroupManager) ApplicablePermissions(source AttributeSource) map[string][]Permission {
	m.mu.RLock()
	cfg := m.current
	m.mu.RUnlock()
	if cfg == nil {
		return nil
	}
	return cfg.ApplicablePermissions(source)
}
