// Copyright 2026 The go-engage Authors
// SPDX-License-Identifier: Apache-2.0

// Package pgstore implements the engage remote row store on PostgreSQL:
// filtered reads, idempotent upsert-by-conflict-key, and change
// subscriptions fanned out from LISTEN/NOTIFY triggers.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/haitranwang/go-engage/engage"
)

// Collection registers one queryable collection. ConflictKeys lists the
// unique columns Upsert may target; anything else is rejected.
type Collection struct {
	Name         string
	ConflictKeys []string
}

// Config holds configuration for the Postgres row store.
type Config struct {
	// Schema is the Postgres schema holding the engage tables.
	Schema string
	// Channel is the NOTIFY channel change events arrive on.
	Channel string
	// Collections are the registered collections. Queries against anything
	// unregistered fail instead of interpolating arbitrary table names.
	Collections []Collection
}

// DefaultConfig registers the standard engage collections.
func DefaultConfig() *Config {
	return &Config{
		Schema:  "engage",
		Channel: "engage_changes",
		Collections: []Collection{
			{Name: engage.CollectionVisitCounters, ConflictKeys: []string{"date"}},
			{Name: engage.CollectionClasses, ConflictKeys: []string{"id"}},
			{Name: engage.CollectionLessons, ConflictKeys: []string{"id"}},
			{Name: engage.CollectionEnrollments, ConflictKeys: []string{"id"}},
			{Name: engage.CollectionAssignments, ConflictKeys: []string{"id"}},
			{Name: engage.CollectionSubmissions, ConflictKeys: []string{"id"}},
		},
	}
}

// Store is a PostgreSQL-backed engage.RowStore. It owns a background
// listener for change notifications but not the pool; closing the store
// leaves the pool to its owner.
type Store struct {
	pool    *pgxpool.Pool
	config  *Config
	logger  *slog.Logger
	tables  map[string]Collection
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.RWMutex
	subs    map[int64]subscriber
	nextSub int64
}

type subscriber struct {
	collection string
	handler    func(engage.ChangeEvent)
}

// New creates the store, initializes the engage schema (idempotent), and
// starts the change listener. A nil config and logger fall back to
// DefaultConfig and slog.Default.
func New(pool *pgxpool.Pool, config *Config, logger *slog.Logger) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Schema == "" || config.Channel == "" || len(config.Collections) == 0 {
		return nil, fmt.Errorf("config must provide schema, channel and collections")
	}
	if logger == nil {
		logger = slog.Default()
	}

	tables := make(map[string]Collection, len(config.Collections))
	for _, c := range config.Collections {
		tables[c.Name] = c
	}

	s := &Store{
		pool:   pool,
		config: config,
		logger: logger,
		tables: tables,
		done:   make(chan struct{}),
		subs:   make(map[int64]subscriber),
	}

	ctx := context.Background()
	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.listen(listenCtx)

	return s, nil
}

// Close stops the change listener. It does not close the pool.
func (s *Store) Close() {
	s.cancel()
	<-s.done
}

func (s *Store) tableIdent(collection string) (string, error) {
	if _, ok := s.tables[collection]; !ok {
		return "", fmt.Errorf("unregistered collection %q", collection)
	}
	return pgx.Identifier{s.config.Schema, collection}.Sanitize(), nil
}

// Query returns every row matching the filter. A slice filter value matches
// any of its elements.
func (s *Store) Query(ctx context.Context, collection string, filter engage.Filter) ([]engage.Row, error) {
	table, err := s.tableIdent(collection)
	if err != nil {
		return nil, err
	}
	where, args := buildWhere(filter)
	rows, err := s.pool.Query(ctx, `SELECT * FROM `+table+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("failed to collect %s rows: %w", collection, err)
	}
	out := make([]engage.Row, len(maps))
	for i, m := range maps {
		out[i] = engage.Row(m)
	}
	return out, nil
}

// QueryOne returns the single row matching the filter, or engage.ErrNotFound.
func (s *Store) QueryOne(ctx context.Context, collection string, filter engage.Filter) (engage.Row, error) {
	table, err := s.tableIdent(collection)
	if err != nil {
		return nil, err
	}
	where, args := buildWhere(filter)
	rows, err := s.pool.Query(ctx, `SELECT * FROM `+table+where+` LIMIT 1`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	m, err := pgx.CollectOneRow(rows, pgx.RowToMap)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to collect %s row: %w", collection, err)
	}
	return engage.Row(m), nil
}

// Insert adds a row and returns it as stored (including column defaults).
func (s *Store) Insert(ctx context.Context, collection string, fields map[string]any) (engage.Row, error) {
	table, err := s.tableIdent(collection)
	if err != nil {
		return nil, err
	}
	cols, placeholders, args := buildInsert(fields)
	sql := `INSERT INTO ` + table + ` (` + cols + `) VALUES (` + placeholders + `) RETURNING *`
	return s.execReturning(ctx, collection, sql, args)
}

// Upsert inserts the row or, on a conflictKey collision, updates every other
// provided column. Safe to call repeatedly with identical arguments.
func (s *Store) Upsert(ctx context.Context, collection string, conflictKey string, fields map[string]any) (engage.Row, error) {
	table, err := s.tableIdent(collection)
	if err != nil {
		return nil, err
	}
	if !s.conflictKeyAllowed(collection, conflictKey) {
		return nil, fmt.Errorf("column %q is not a registered conflict key for %s", conflictKey, collection)
	}
	if _, ok := fields[conflictKey]; !ok {
		return nil, fmt.Errorf("upsert into %s is missing conflict key %q", collection, conflictKey)
	}

	cols, placeholders, args := buildInsert(fields)
	var updates []string
	for _, col := range sortedKeys(fields) {
		if col == conflictKey {
			continue
		}
		ident := pgx.Identifier{col}.Sanitize()
		updates = append(updates, ident+` = EXCLUDED.`+ident)
	}
	sql := `INSERT INTO ` + table + ` (` + cols + `) VALUES (` + placeholders + `)` +
		` ON CONFLICT (` + pgx.Identifier{conflictKey}.Sanitize() + `)`
	if len(updates) == 0 {
		sql += ` DO NOTHING`
	} else {
		sql += ` DO UPDATE SET ` + strings.Join(updates, ", ")
	}
	sql += ` RETURNING *`
	return s.execReturning(ctx, collection, sql, args)
}

// execReturning runs a single-row write, retrying transient serialization
// and deadlock failures a few times before giving up.
func (s *Store) execReturning(ctx context.Context, collection, sql string, args []any) (engage.Row, error) {
	var lastErr error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		rows, err := s.pool.Query(ctx, sql, args...)
		if err == nil {
			var m map[string]any
			m, err = pgx.CollectOneRow(rows, pgx.RowToMap)
			if err == nil {
				return engage.Row(m), nil
			}
		}
		if !isRetryablePGError(err) {
			return nil, fmt.Errorf("failed to write %s: %w", collection, err)
		}
		lastErr = err
		if err := sleepWithContext(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("failed to write %s: %w", collection, lastErr)
}

func (s *Store) conflictKeyAllowed(collection, conflictKey string) bool {
	for _, key := range s.tables[collection].ConflictKeys {
		if key == conflictKey {
			return true
		}
	}
	return false
}

// buildWhere renders a filter as a WHERE clause with positional args, in
// deterministic column order.
func buildWhere(filter engage.Filter) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	var clauses []string
	var args []any
	for _, col := range sortedKeys(filter) {
		value := filter[col]
		ident := pgx.Identifier{col}.Sanitize()
		args = append(args, value)
		if isSliceValue(value) {
			clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", ident, len(args)))
		} else {
			clauses = append(clauses, fmt.Sprintf("%s = $%d", ident, len(args)))
		}
	}
	return ` WHERE ` + strings.Join(clauses, " AND "), args
}

func buildInsert(fields map[string]any) (cols, placeholders string, args []any) {
	keys := sortedKeys(fields)
	colIdents := make([]string, len(keys))
	phs := make([]string, len(keys))
	args = make([]any, len(keys))
	for i, col := range keys {
		colIdents[i] = pgx.Identifier{col}.Sanitize()
		phs[i] = fmt.Sprintf("$%d", i+1)
		args[i] = fields[col]
	}
	return strings.Join(colIdents, ", "), strings.Join(phs, ", "), args
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isSliceValue(v any) bool {
	if v == nil {
		return false
	}
	if _, ok := v.([]byte); ok {
		return false
	}
	return reflect.TypeOf(v).Kind() == reflect.Slice
}
