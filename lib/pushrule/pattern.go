// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pushrule

import (
	"regexp"
	"strings"
	"sync"
)

// PatternCache compiles glob patterns and mention searches to regular
// expressions once and shares them across rules. Safe for concurrent
// use. Compilation is deterministic, so when two goroutines compile
// the same pattern concurrently the first to store wins and the other
// result is discarded.
type PatternCache struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

// NewPatternCache returns an empty cache.
func NewPatternCache() *PatternCache {
	return &PatternCache{compiled: make(map[string]*regexp.Regexp)}
}

// nonWord matches one character that cannot be part of a word. RE2's
// \b and \W only know ASCII word characters, so word boundaries are
// spelled out with Unicode classes.
const nonWord = `[^\p{L}\p{M}\p{N}_]`

// GlobToRegex translates a push rule glob to an unanchored regular
// expression. '*' matches any sequence and '?' any single character;
// every other character is literal. A glob with no wildcard matches
// as a whole word anywhere in the value: it must not touch a letter,
// digit or underscore on either side.
func GlobToRegex(glob string) string {
	if !strings.ContainsAny(glob, "*?") {
		return `(?:^|.*` + nonWord + `)` + regexp.QuoteMeta(glob) + `(?:` + nonWord + `.*|$)`
	}
	var builder strings.Builder
	literalStart := 0
	for i := 0; i < len(glob); i++ {
		switch glob[i] {
		case '*':
			builder.WriteString(regexp.QuoteMeta(glob[literalStart:i]))
			builder.WriteString(".*")
			literalStart = i + 1
		case '?':
			builder.WriteString(regexp.QuoteMeta(glob[literalStart:i]))
			builder.WriteString(".")
			literalStart = i + 1
		}
	}
	builder.WriteString(regexp.QuoteMeta(glob[literalStart:]))
	return builder.String()
}

// Match reports whether value matches the glob pattern, comparing
// case-insensitively over the whole value. An exact string match
// succeeds without compiling anything. Empty values never match.
func (c *PatternCache) Match(pattern, value string) bool {
	if value == "" {
		return false
	}
	if pattern == value {
		return true
	}
	expression, err := c.lookup("glob\x00"+strings.ToLower(pattern), func() string {
		return `(?is)^(?:` + GlobToRegex(pattern) + `)$`
	})
	if err != nil {
		return false
	}
	return expression.MatchString(value)
}

// ContainsMention reports whether name occurs in text as a whole
// word, case-insensitively: it must be bounded on each side by a
// non-word character or the edge of the text.
func (c *PatternCache) ContainsMention(name, text string) bool {
	if name == "" || text == "" {
		return false
	}
	expression, err := c.lookup("mention\x00"+strings.ToLower(name), func() string {
		return `(?i)(?:^|` + nonWord + `)` + regexp.QuoteMeta(name) + `(?:` + nonWord + `|$)`
	})
	if err != nil {
		return false
	}
	return expression.MatchString(text)
}

// Len returns the number of compiled expressions held.
func (c *PatternCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.compiled)
}

func (c *PatternCache) lookup(key string, build func() string) (*regexp.Regexp, error) {
	c.mu.RLock()
	expression, ok := c.compiled[key]
	c.mu.RUnlock()
	if ok {
		return expression, nil
	}

	compiled, err := regexp.Compile(build())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.compiled[key]; ok {
		return existing, nil
	}
	c.compiled[key] = compiled
	return compiled, nil
}
