// Package filter decides which raw messages enter the sanitizer, using
// regular expressions over the raw header block and the raw body.
package filter

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
)

var ErrModeConflict = errors.New("include and exclude filters are mutually exclusive")

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

type rule struct {
	kind string
	re   *regexp.Regexp
}

// Verdict is the outcome for one message. Rule names the pattern that decided
// it and is empty when no pattern was involved.
type Verdict struct {
	Allowed bool
	Rule    string
}

// Filter holds compiled patterns. It is safe for concurrent use.
type Filter struct {
	includeMode bool
	header      []rule
	body        []rule

	checked  atomic.Int64
	rejected atomic.Int64
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compileRules("include-header", opts.IncludeHeader)
	if err != nil {
		return nil, err
	}
	includeBody, err := compileRules("include-body", opts.IncludeBody)
	if err != nil {
		return nil, err
	}
	excludeHeader, err := compileRules("exclude-header", opts.ExcludeHeader)
	if err != nil {
		return nil, err
	}
	excludeBody, err := compileRules("exclude-body", opts.ExcludeBody)
	if err != nil {
		return nil, err
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, ErrModeConflict
	}

	f := &Filter{includeMode: includeActive}
	if includeActive {
		f.header, f.body = includeHeader, includeBody
	} else {
		f.header, f.body = excludeHeader, excludeBody
	}
	return f, nil
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return len(f.header) > 0 || len(f.body) > 0
}

// Evaluate applies the filter to one raw message. In include mode a message
// must match at least one pattern; in exclude mode it must match none.
func (f *Filter) Evaluate(header, body []byte) Verdict {
	f.checked.Add(1)
	if !f.Active() {
		return Verdict{Allowed: true}
	}

	matched := firstMatch(f.header, header)
	if matched == "" {
		matched = firstMatch(f.body, body)
	}

	v := Verdict{Rule: matched}
	if f.includeMode {
		v.Allowed = matched != ""
	} else {
		v.Allowed = matched == ""
	}
	if !v.Allowed {
		f.rejected.Add(1)
	}
	return v
}

// Allows returns true if the message passes the filter criteria.
func (f *Filter) Allows(header, body []byte) bool {
	return f.Evaluate(header, body).Allowed
}

// Stats returns how many messages were evaluated and how many were rejected.
func (f *Filter) Stats() (checked, rejected int64) {
	return f.checked.Load(), f.rejected.Load()
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compileRules(kind string, patterns []string) ([]rule, error) {
	rules := make([]rule, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern %q: %w", kind, pattern, err)
		}
		rules = append(rules, rule{kind: kind, re: re})
	}
	return rules, nil
}

func firstMatch(rules []rule, text []byte) string {
	for _, r := range rules {
		if r.re.Match(text) {
			return r.kind + ":" + r.re.String()
		}
	}
	return ""
}
