// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vat

import "fmt"

// Args carries the positional and keyword arguments of a call. On the
// wire they travel as the params map {"args": [...], "kwargs": {...}}.
type Args struct {
	Positional []any
	Keyword    map[string]any
}

// Positional builds Args from positional values only.
func Positional(values ...any) Args {
	return Args{Positional: values}
}

// params returns the wire form. Both keys are always present.
func (a Args) params() map[string]any {
	positional := a.Positional
	if positional == nil {
		positional = []any{}
	}
	keyword := a.Keyword
	if keyword == nil {
		keyword = map[string]any{}
	}
	return map[string]any{"args": positional, "kwargs": keyword}
}

// argsFromParams is the inverse of params. Missing keys mean no
// arguments of that kind.
func argsFromParams(params any) (Args, error) {
	if params == nil {
		return Args{}, nil
	}
	fields, ok := params.(map[string]any)
	if !ok {
		return Args{}, fmt.Errorf("params must be a map, got %T", params)
	}

	var args Args
	if raw, present := fields["args"]; present && raw != nil {
		positional, ok := raw.([]any)
		if !ok {
			return Args{}, fmt.Errorf("params.args must be an array, got %T", raw)
		}
		args.Positional = positional
	}
	if raw, present := fields["kwargs"]; present && raw != nil {
		keyword, ok := raw.(map[string]any)
		if !ok {
			return Args{}, fmt.Errorf("params.kwargs must be a map, got %T", raw)
		}
		args.Keyword = keyword
	}
	return args, nil
}

// Value returns the argument at position index, or the keyword
// argument name when there is no such position. Handlers use it for
// parameters a caller may pass either way.
func (a Args) Value(index int, name string) (any, bool) {
	if index >= 0 && index < len(a.Positional) {
		return a.Positional[index], true
	}
	value, ok := a.Keyword[name]
	return value, ok
}

// StringArg returns a string argument by position or keyword.
func (a Args) StringArg(index int, name string) (string, error) {
	value, ok := a.Value(index, name)
	if !ok {
		return "", fmt.Errorf("missing argument %q", name)
	}
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string, got %T", name, value)
	}
	return text, nil
}

// CapabilityArg returns a capability argument by position or keyword.
func (a Args) CapabilityArg(index int, name string) (Capability, error) {
	value, ok := a.Value(index, name)
	if !ok {
		return nil, fmt.Errorf("missing argument %q", name)
	}
	capability, ok := value.(Capability)
	if !ok {
		return nil, fmt.Errorf("argument %q must be a capability, got %T", name, value)
	}
	return capability, nil
}
