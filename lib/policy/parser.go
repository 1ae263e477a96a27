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
)

// AttributeSource is what an expression matches against: typically a
// session.
type AttributeSource interface {
	Attribute(namespace, name string) (string, bool)
}

// Expression is a parsed rule expression.
type Expression interface {
	// Matches reports whether the source satisfies the expression.
	Matches(source AttributeSource) bool
}

type orExpr struct {
	left, right Expression
}

func (e orExpr) Matches(source AttributeSource) bool {
	return e.left.Matches(source) || e.right.Matches(source)
}

type andExpr struct {
	left, right Expression
}

func (e andExpr) Matches(source AttributeSource) bool {
	return e.left.Matches(source) && e.right.Matches(source)
}

// thingNameExpr matches the session's thing name against a wildcard
// pattern.
type thingNameExpr struct {
	pattern string
}

func (e thingNameExpr) Matches(source AttributeSource) bool {
	name, ok := source.Attribute("Thing", "ThingName")
	if !ok {
		return false
	}
	return MatchWildcard(e.pattern, name)
}

// ParseExpression parses a rule expression:
//
//	start := or
//	or    := and ('OR' and)*
//	and   := unary ('AND' unary)*
//	unary := 'thingName' ':' ident
//
// AND binds tighter than OR; both are left-associative.
func ParseExpression(expression string) (Expression, error) {
	tokens, err := lex(expression)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p := &parser{tokens: tokens}
	expr, err := p.parseOr()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !p.done() {
		return nil, trace.BadParameter("unexpected %q at position %v", p.peek().text, p.peek().pos)
	}
	return expr, nil
}

type parser struct {
	tokens []token
	next   int
}

func (p *parser) parseOr() (Expression, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for p.accept(tokenOr) {
		right, err := p.parseAnd()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		left = orExpr{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expression, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for p.accept(tokenAnd) {
		right, err := p.parseUnary()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		left = andExpr{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expression, error) {
	if _, err := p.expect(tokenThingName, keywordThingName); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := p.expect(tokenColon, ":"); err != nil {
		return nil, trace.Wrap(err)
	}
	ident, err := p.expect(tokenIdent, "thing name pattern")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := ValidateWildcard(ident.text); err != nil {
		return nil, trace.Wrap(err)
	}
	return thingNameExpr{pattern: ident.text}, nil
}

func (p *parser) done() bool {
	return p.next >= len(p.tokens)
}

func (p *parser) peek() token {
	return p.tokens[p.next]
}

func (p *parser) accept(typ tokenType) bool {
	if p.done() || p.tokens[p.next].typ != typ {
		return false
	}
	p.next++
	return true
}

func (p *parser) expect(typ tokenType, what string) (token, error) {
	if p.done() {
		return token{}, trace.BadParameter("rule expression ended, expected %s", what)
	}
	t := p.tokens[p.next]
	if t.typ != typ {
		return token{}, trace.BadParameter("expected %s, found %q at position %v", what, t.text, t.pos)
	}
	p.next++
	return t, nil
}
