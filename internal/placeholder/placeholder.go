// Package placeholder evaluates the step-output reference language
// inside a step's input tree before dispatch: string values containing
// {{ step_N_output[.path] }} tokens are substituted with prior step
// results. A string that is exactly one token takes the referenced
// value's type; a token embedded in a larger string is stringified in
// place.
package placeholder

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// wholeValuePattern matches a string that is *exactly* one placeholder.
var wholeValuePattern = regexp.MustCompile(`^\{\{\s*step_(\d+)_output(?:\.([a-zA-Z0-9_.]+))?\s*\}\}$`)

// embeddedPattern matches placeholders that may appear anywhere in a
// larger string, for the interpolation path.
var embeddedPattern = regexp.MustCompile(`\{\{\s*step_(\d+)_output(?:\.([a-zA-Z0-9_.]+))?\s*\}\}`)

// StepResults maps a 1-based step index to that step's result tree.
// Only steps that have succeeded by the time resolution runs should be
// present; a missing key is indistinguishable from "not yet completed"
// to the resolver.
type StepResults map[int]any

// Warning records one placeholder the resolver could not satisfy. It is
// attached to the step rather than failing the dispatch; the tool's own
// parameter validation decides whether to proceed anyway.
type Warning struct {
	Path        string // dotted path into the input tree where this occurred
	Placeholder string
	Reason      string
}

// Resolve walks input recursively, substituting step-output references.
// The same (input, results) pair always yields the same output and
// warning set.
func Resolve(input any, results StepResults) (any, []Warning) {
	var warnings []Warning
	out := resolveValue(input, results, "$", &warnings)
	return out, warnings
}

func resolveValue(v any, results StepResults, path string, warnings *[]Warning) any {
	switch val := v.(type) {
	case string:
		return resolveString(val, results, path, warnings)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = resolveValue(child, results, path+"."+k, warnings)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = resolveValue(child, results, fmt.Sprintf("%s[%d]", path, i), warnings)
		}
		return out
	default:
		return v
	}
}

func resolveString(s string, results StepResults, path string, warnings *[]Warning) any {
	if m := wholeValuePattern.FindStringSubmatch(s); m != nil {
		resolved, ok := lookup(m[1], m[2], results)
		if !ok {
			*warnings = append(*warnings, Warning{Path: path, Placeholder: s, Reason: "unresolved_placeholder"})
			return s
		}
		return resolved
	}

	if !embeddedPattern.MatchString(s) {
		return s
	}

	var anyUnresolved bool
	replaced := embeddedPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := embeddedPattern.FindStringSubmatch(match)
		resolved, ok := lookup(sub[1], sub[2], results)
		if !ok {
			anyUnresolved = true
			return match
		}
		return stringify(resolved)
	})
	if anyUnresolved {
		*warnings = append(*warnings, Warning{Path: path, Placeholder: s, Reason: "unresolved_placeholder"})
	}
	return replaced
}

// lookup resolves step_<n>_output[.<path>] against results. A nested
// placeholder inside the looked-up value is returned verbatim:
// substitution is single-pass.
func lookup(stepNum, dotPath string, results StepResults) (any, bool) {
	n, err := strconv.Atoi(stepNum)
	if err != nil {
		return nil, false
	}
	root, ok := results[n]
	if !ok {
		return nil, false
	}
	if dotPath == "" {
		return root, true
	}
	return traverse(root, strings.Split(dotPath, "."))
}

func traverse(v any, segments []string) (any, bool) {
	cur := v
	for _, seg := range segments {
		switch m := cur.(type) {
		case map[string]any:
			next, ok := m[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(m) {
				return nil, false
			}
			cur = m[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", s)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
