// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pattern compiles wildcard resource identifier patterns
// (for example "system.adapter.*.alive") into matchers.
//
// A '*' matches any run of characters, including none. Every other
// character is literal. The match is anchored on each side that does
// not start or end with a '*'.
package pattern

import (
	"regexp"
	"strings"
)

// Wildcard is the only metacharacter understood in a pattern.
const Wildcard = "*"

// Matcher is a compiled pattern. It is safe for concurrent use.
type Matcher struct {
	pattern string
	re      *regexp.Regexp
	exact   bool
}

// Compile turns pattern into a Matcher. It never fails: every literal
// run is quoted, so the resulting expression is always valid.
func Compile(pattern string) *Matcher {
	if !HasWildcard(pattern) {
		return &Matcher{pattern: pattern, exact: true}
	}

	parts := strings.Split(pattern, Wildcard)
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}

	var expr strings.Builder
	if !strings.HasPrefix(pattern, Wildcard) {
		expr.WriteString("^")
	}
	expr.WriteString(strings.Join(parts, ".*"))
	if !strings.HasSuffix(pattern, Wildcard) {
		expr.WriteString("$")
	}

	// (?s): '*' also spans newlines
	return &Matcher{pattern: pattern, re: regexp.MustCompile("(?s)" + expr.String())}
}

// Match reports whether id satisfies the pattern.
func (m *Matcher) Match(id string) bool {
	if m.exact {
		return m.pattern == id
	}
	return m.re.MatchString(id)
}

// Pattern returns the source pattern.
func (m *Matcher) Pattern() string {
	return m.pattern
}

// String implements fmt.Stringer.
func (m *Matcher) String() string {
	return m.pattern
}

// HasWildcard reports whether pattern contains a '*'.
func HasWildcard(pattern string) bool {
	return strings.Contains(pattern, Wildcard)
}

// Match compiles pattern and tests id against it. Use Compile when the
// same pattern is tested repeatedly.
func Match(pattern, id string) bool {
	return Compile(pattern).Match(id)
}
