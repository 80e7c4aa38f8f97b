// Package source provides the adapter framework for pulling external
// records into the evidence store.
//
// Adapters are integrations that fetch raw records from an external system
// (Google Calendar, Google Contacts) and normalize them into SourceRecords.
// All adapter output flows through the standard upsert pipeline, which owns
// idempotence, pruning, and link proposals.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ohsnyt/dossier/internal/store"
)

// Scope selects what slice of an external system an import covers:
// which calendar or contact group, and how wide the time window is.
type Scope struct {
	// Identifier is the source-native scope id: a calendar ID
	// ("primary", an email address) or a contact group resource name.
	Identifier string

	// DaysBack and DaysForward bound the import window for time-ranged
	// sources. Ignored by sources without a time dimension (contacts).
	DaysBack    int
	DaysForward int
}

// Record is one normalized record fetched from an external system, ready
// for the upsert engine.
type Record struct {
	// ExternalUID is the namespaced stable identifier, "<source>:<nativeID>".
	ExternalUID string

	Title            string
	OccurredAt       time.Time
	Snippet          string
	BodyText         string
	ParticipantHints []store.ParticipantHint
}

// Adapter is the contract every source integration implements.
type Adapter interface {
	// Name returns the unique adapter identifier (e.g., "calendar").
	Name() string

	// Source returns the evidence source namespace this adapter writes to.
	Source() store.Source

	// Fetch retrieves all records within scope. A fetch failure must leave
	// the store untouched; the coordinator retries on the next kick.
	Fetch(ctx context.Context, scope Scope) ([]Record, error)

	// ValidUIDs returns the set of external UIDs currently live within
	// scope, used by the prune pass to drop records deleted upstream.
	ValidUIDs(ctx context.Context, scope Scope) (map[string]struct{}, error)
}

// MakeUID builds the namespaced external UID for a native identifier.
func MakeUID(source store.Source, nativeID string) string {
	return fmt.Sprintf("%s:%s", source, nativeID)
}

// Registry holds all registered adapters. Thread-safe.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter to the registry. Panics on duplicate names.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		panic(fmt.Sprintf("source: duplicate adapter registration: %s", name))
	}
	r.adapters[name] = a
}

// Get returns an adapter by name, or nil if not found.
func (r *Registry) Get(name string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[name]
}

// List returns all registered adapter names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
