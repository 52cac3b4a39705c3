// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scoped provides a mapping from a string to any data type that is "scoped".
//
// It backs the layer configuration of the data managers: defaults live in the root scope ("/")
// and each data layer overrides them in its own scope (e.g.: "/train_data").
package scoped

import (
	"strings"

	"github.com/gomlx/replicafeed/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Params provides a mapping from string to any data type that is "scoped":
//
//   - For every scope there is a map of string to data.
//   - Accessing a key triggers a search from the current scope up to the root scope, the
//     first result found is returned.
//
// Example: let's say the current Params hold:
//
//	Scope: "/": { "batch_size": 32, "mirror": false }
//	Scope: "/train": { "mirror": true }
//	Scope: "/train/large": { "batch_size": 256 }
//
//	Params.Get("/train/large", "batch_size") -> 256
//	Params.Get("/train/large", "mirror") -> true
//	Params.Get("/test", "mirror") -> false
//	Params.Get("/test", "crop_size") -> Not found.
//
// Notice that the separator (usually "/") separates parts of the scope path, and the root
// scope is referred to as "/". There is no "empty" scope, and every scope name must start with
// the separator.
type Params struct {
	Separator  string
	scopeToMap map[string]map[string]any
}

// New create an empty Params.
func New(scopeSeparator string) *Params {
	return &Params{
		Separator:  scopeSeparator,
		scopeToMap: make(map[string]map[string]any),
	}
}

// Clone returns a deep copy of the Params.
func (p *Params) Clone() *Params {
	newParams := New(p.Separator)
	for scope, dataMap := range p.scopeToMap {
		newParams.scopeToMap[scope] = make(map[string]any, len(dataMap))
		for key, value := range dataMap {
			newParams.scopeToMap[scope][key] = value
		}
	}
	return newParams
}

// Set sets the value for the given key, in the given scope.
func (p *Params) Set(scope, key string, value any) {
	dataMap, found := p.scopeToMap[scope]
	if !found || dataMap == nil {
		dataMap = make(map[string]any)
		p.scopeToMap[scope] = dataMap
	}
	dataMap[key] = value
}

// Get retrieves the value for the given key in the given scope or any parent scope.
// E.g: Get("/a/b", "myKey") will search for "myKey" in scopes "/a/b", "/a" and "/"
// consecutively until "myKey" is found.
//
// It returns the first value found if any, and whether some value was found.
func (p *Params) Get(scope, key string) (value any, found bool) {
	scopeParts := strings.Split(scope, p.Separator)
	for ii := len(scopeParts) - 1; ii >= 0; ii-- {
		var dataMap map[string]any
		dataMap, found = p.scopeToMap[scope]
		if found && dataMap != nil {
			value, found = dataMap[key]
			if found {
				return
			}
		}
		scope = scope[:len(scope)-len(scopeParts[ii])]
		if ii > 1 {
			// Remove tailing separator, except for the root scope ("/").
			scope = scope[:len(scope)-len(p.Separator)]
		}
	}
	return nil, false
}

// Enumerate enumerates all parameters stored, sorted by scope and key, and calls fn with them.
func (p *Params) Enumerate(fn func(scope, key string, value any)) {
	scopes := xslices.SortedKeys(p.scopeToMap)
	for _, scope := range scopes {
		keyValues := p.scopeToMap[scope]
		keys := xslices.SortedKeys(keyValues)
		for _, key := range keys {
			fn(scope, key, keyValues[key])
		}
	}
}

// GetOr returns the value of key as seen from scope, converted to T, or defaultValue if the key is
// not set in scope or any of its parents.
//
// It returns an error if the value found is not of type T.
func GetOr[T any](p *Params, scope, key string, defaultValue T) (T, error) {
	value, found := p.Get(scope, key)
	if !found {
		return defaultValue, nil
	}
	typed, ok := value.(T)
	if !ok {
		return defaultValue, errors.Errorf("parameter %q (scope %q) has type %T, expected %T",
			key, scope, value, defaultValue)
	}
	return typed, nil
}
