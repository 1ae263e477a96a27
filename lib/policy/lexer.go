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

// Package policy parses device group rule expressions and evaluates
// (operation, resource) requests against group policy permissions.
package policy

import (
	"unicode"

	"github.com/gravitational/trace"
)

type tokenType int

const (
	tokenThingName tokenType = iota
	tokenColon
	tokenIdent
	tokenAnd
	tokenOr
)

type token struct {
	typ  tokenType
	text string
	pos  int
}

const (
	keywordThingName = "thingName"
	keywordAnd       = "AND"
	keywordOr        = "OR"
)

// lex splits a rule expression into tokens. Whitespace between tokens
// is insignificant. Inside a word, a backslash escapes the next
// character; an unescaped colon terminates the word and becomes its
// own token.
func lex(expression string) ([]token, error) {
	var tokens []token
	runes := []rune(expression)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == ':':
			tokens = append(tokens, token{typ: tokenColon, text: ":", pos: i})
			i++
		case isWordRune(r) || r == '\\':
			start := i
			var word []rune
			for i < len(runes) {
				r := runes[i]
				if r == '\\' {
					if i+1 >= len(runes) {
						return nil, trace.BadParameter("rule expression ends in an escape at position %v", i)
					}
					word = append(word, runes[i+1])
					i += 2
					continue
				}
				if !isWordRune(r) {
					break
				}
				word = append(word, r)
				i++
			}
			tokens = append(tokens, wordToken(string(word), start))
		default:
			return nil, trace.BadParameter("unexpected character %q at position %v", r, i)
		}
	}
	return tokens, nil
}

func wordToken(word string, pos int) token {
	switch word {
	case keywordThingName:
		return token{typ: tokenThingName, text: word, pos: pos}
	case keywordAnd:
		return token{typ: tokenAnd, text: word, pos: pos}
	case keywordOr:
		return token{typ: tokenOr, text: word, pos: pos}
	}
	return token{typ: tokenIdent, text: word, pos: pos}
}

func isWordRune(r rune) bool {
	return r == '-' || r == '_' || r == '*' ||
		unicode.IsLetter(r) || unicode.IsDigit(r)
}
