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
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Request is one (operation, resource) authorization request.
type Request struct {
	Operation string
	Resource  string
}

// EvaluatorConfig configures an Evaluator.
type EvaluatorConfig struct {
	// Groups supplies the applicable permissions per session.
	Groups *GroupManager
	// Log is a component logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets the defaults.
func (c *EvaluatorConfig) CheckAndSetDefaults() error {
	if c.Groups == nil {
		return trace.BadParameter("missing group manager")
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "policy")
	}
	return nil
}

// Evaluator decides authorization requests. Decisions are total: any
// evaluation error is logged and results in a deny.
type Evaluator struct {
	cfg EvaluatorConfig
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(cfg EvaluatorConfig) (*Evaluator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Evaluator{cfg: cfg}, nil
}

// Authorize allows the request iff some applicable group has a
// permission whose operation and resource patterns both match. A
// permission that fails to evaluate is skipped; when nothing allows
// the request, the first such failure is surfaced with the deny.
func (e *Evaluator) Authorize(source AttributeSource, req Request) (bool, error) {
	if req.Operation == "" || req.Resource == "" {
		return false, trace.BadParameter("authorization request is missing operation or resource")
	}

	var evalErr error
	for groupName, permissions := range e.cfg.Groups.ApplicablePermissions(source) {
		for _, permission := range permissions {
			allowed, err := e.permits(permission, req, source)
			if err != nil {
				e.cfg.Log.WithError(err).Warnf("Skipping a permission in group %q that failed to evaluate.", groupName)
				if evalErr == nil {
					evalErr = err
				}
				continue
			}
			if allowed {
				return true, nil
			}
		}
	}
	return false, trace.Wrap(evalErr)
}

func (e *Evaluator) permits(permission Permission, req Request, source AttributeSource) (bool, error) {
	opMatch, err := permission.MatchesOperation(req.Operation)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if !opMatch {
		return false, nil
	}
	resMatch, err := permission.MatchesResource(req.Resource, source)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return resMatch, nil
}
