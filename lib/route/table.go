// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package route

import (
	"slices"
	"strings"
	"sync"
)

// Table maps route keys to handlers. Lookup is exact-match only. The
// zero value is an empty table ready for use, and all methods are safe
// for concurrent use.
type Table[H any] struct {
	mu      sync.RWMutex
	entries map[Key]entry[H]
}

type entry[H any] struct {
	route   Route
	handler H
}

// Register stores handler under r's key. An existing registration
// with the same key, including one that declared different errors, is
// replaced. Register reports whether it replaced one.
func (t *Table[H]) Register(r Route, handler H) (replaced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = make(map[Key]entry[H])
	}
	key := r.Key()
	_, replaced = t.entries[key]
	t.entries[key] = entry[H]{route: r.Clone(), handler: handler}
	return replaced
}

// Lookup returns the handler and registered route for key.
func (t *Table[H]) Lookup(key Key) (H, Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	found, ok := t.entries[key]
	if !ok {
		var zero H
		return zero, Route{}, false
	}
	return found.handler, found.route.Clone(), true
}

// Len returns the number of registered routes.
func (t *Table[H]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Routes returns every registered route, sorted by path and then by
// signature.
func (t *Table[H]) Routes() []Route {
	t.mu.RLock()
	routes := make([]Route, 0, len(t.entries))
	for _, found := range t.entries {
		routes = append(routes, found.route.Clone())
	}
	t.mu.RUnlock()

	slices.SortFunc(routes, func(a, b Route) int {
		if order := slices.Compare(a.Path, b.Path); order != 0 {
			return order
		}
		return strings.Compare(a.String(), b.String())
	})
	return routes
}
