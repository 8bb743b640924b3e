// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package resource keeps the small name/value registry that devices
// publish over PUT and clients read back over GET. Entries are
// bounded; the registry is a status board, not a database.
package resource

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// DefaultMaxEntries bounds the registry size.
const DefaultMaxEntries = 10

// MaxRequest bounds the accepted "name=value" request body length.
const MaxRequest = 128

// ErrFull is returned when registering a new name into a full
// registry. Updates to existing names always succeed.
var ErrFull = errors.New("resource registry full")

// ErrMalformed is returned for request bodies that are not
// "name=value" with a non-empty name.
var ErrMalformed = errors.New("malformed resource registration")

// Entry is one published resource.
type Entry struct {
	Name  string
	Value string
}

// Registry is a bounded, concurrency-safe name/value store.
type Registry struct {
	maxEntries int

	mu      sync.RWMutex
	entries []Entry
}

// NewRegistry returns a registry holding at most maxEntries names.
// Non-positive maxEntries selects DefaultMaxEntries.
func NewRegistry(maxEntries int) *Registry {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Registry{maxEntries: maxEntries}
}

// Parse splits a "name=value" request body. The value may itself
// contain '='; only the first one separates. An empty name or a
// missing separator is malformed, as is a body over MaxRequest bytes.
func Parse(body string) (Entry, error) {
	if len(body) > MaxRequest {
		return Entry{}, fmt.Errorf("%w: request exceeds %d bytes", ErrMalformed, MaxRequest)
	}
	name, value, found := strings.Cut(body, "=")
	if !found || name == "" {
		return Entry{}, fmt.Errorf("%w: want name=value", ErrMalformed)
	}
	return Entry{Name: name, Value: value}, nil
}

// Register stores the entry, replacing any existing value for the
// same name. Returns ErrFull when a new name would exceed the bound.
func (r *Registry) Register(entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].Name == entry.Name {
			r.entries[i].Value = entry.Value
			return nil
		}
	}
	if len(r.entries) >= r.maxEntries {
		return fmt.Errorf("%w: %d entries", ErrFull, r.maxEntries)
	}
	r.entries = append(r.entries, entry)
	return nil
}

// Get returns the value for name.
func (r *Registry) Get(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.entries {
		if r.entries[i].Name == name {
			return r.entries[i].Value, true
		}
	}
	return "", false
}

// Snapshot returns the entries in registration order.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Entry(nil), r.entries...)
}

// Len returns the number of registered names.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
