// Copyright 2026 The go-engage Authors
// SPDX-License-Identifier: Apache-2.0

// Package engage implements client-side engagement tracking and notification
// reconciliation for a learning-management system. Both subsystems share one
// pattern: idempotent local state plus batched reconciliation against a
// remote row store.
package engage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Collection names understood by the default store wiring.
const (
	CollectionVisitCounters = "visit_counters"
	CollectionClasses       = "classes"
	CollectionLessons       = "lessons"
	CollectionEnrollments   = "enrollments"
	CollectionAssignments   = "assignments"
	CollectionSubmissions   = "submissions"
)

// Operation constants for change events.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// ErrNotFound is returned by QueryOne when no row matches the filter.
var ErrNotFound = errors.New("row not found")

// Row is a remote row as a generic column map. DecodeRow converts it into a
// typed record.
type Row map[string]any

// Filter selects rows by column equality. A slice value matches any of its
// elements (SQL IN semantics).
type Filter map[string]any

// ChangeEvent notifies subscribers that a collection changed. It carries no
// row payload; consumers are expected to recompute from current state.
type ChangeEvent struct {
	Collection string
	Op         string
}

// KVStore is a synchronous key-value store. The durable flavor persists
// across restarts; the session flavor lives only for one tab/window lifetime.
type KVStore interface {
	// Get returns the stored value and whether the key exists.
	Get(key string) (value string, ok bool, err error)
	// Set writes the value, replacing any previous one.
	Set(key, value string) error
}

// RowStore is the remote collection store the trackers reconcile against.
// Upsert must be safe to call repeatedly with identical arguments; there is
// no atomic increment primitive, which is why counter updates are
// read-then-write and only approximately correct under concurrency.
type RowStore interface {
	Query(ctx context.Context, collection string, filter Filter) ([]Row, error)
	// QueryOne returns ErrNotFound when no row matches.
	QueryOne(ctx context.Context, collection string, filter Filter) (Row, error)
	Insert(ctx context.Context, collection string, fields map[string]any) (Row, error)
	Upsert(ctx context.Context, collection string, conflictKey string, fields map[string]any) (Row, error)
	// Subscribe registers a handler for change events on a collection and
	// returns an unsubscribe function. Handlers must be cheap; they are
	// invoked from the store's dispatch path.
	Subscribe(collection string, handler func(ChangeEvent)) (func(), error)
}

// DecodeRow converts a generic row into a typed record via a JSON round-trip.
func DecodeRow(row Row, dst any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to encode row: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode row: %w", err)
	}
	return nil
}

// decodeRows decodes every row in a result set into typed records.
func decodeRows[T any](rows []Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		var rec T
		if err := DecodeRow(row, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
