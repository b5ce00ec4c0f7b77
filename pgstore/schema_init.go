// Copyright 2026 The go-engage Authors
// SPDX-License-Identifier: Apache-2.0

package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the engage tables and the change-notification
// triggers within an existing transaction. Every statement is idempotent, so
// multiple store instances can initialize concurrently against one database.
func (s *Store) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	schema := pgx.Identifier{s.config.Schema}.Sanitize()

	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS ` + schema,

		// One counter row per calendar date; counters only ever grow.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS ` + schema + `.visit_counters (
			date                 TEXT PRIMARY KEY,
			visit_count          BIGINT NOT NULL DEFAULT 0 CHECK (visit_count >= 0),
			unique_visitor_count BIGINT NOT NULL DEFAULT 0 CHECK (unique_visitor_count >= 0),
			page_view_count      BIGINT NOT NULL DEFAULT 0 CHECK (page_view_count >= 0)
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS ` + schema + `.classes (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			instructor_id TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS ` + schema + `.lessons (
			id         TEXT PRIMARY KEY,
			class_id   TEXT NOT NULL REFERENCES ` + schema + `.classes(id) ON DELETE CASCADE,
			title      TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS ` + schema + `.enrollments (
			id         TEXT PRIMARY KEY,
			class_id   TEXT NOT NULL REFERENCES ` + schema + `.classes(id) ON DELETE CASCADE,
			student_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (class_id, student_id)
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS ` + schema + `.assignments (
			id          TEXT PRIMARY KEY,
			lesson_id   TEXT NOT NULL REFERENCES ` + schema + `.lessons(id) ON DELETE CASCADE,
			title       TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// At most one submission per (assignment, student).
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS ` + schema + `.submissions (
			id            TEXT PRIMARY KEY,
			assignment_id TEXT NOT NULL REFERENCES ` + schema + `.assignments(id) ON DELETE CASCADE,
			student_id    TEXT NOT NULL,
			status        TEXT NOT NULL CHECK (status IN ('not_started','pending_review','completed')),
			feedback      TEXT,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (assignment_id, student_id)
		)`,

		// Statement-level triggers publish "table:op" on the notify channel.
		// Events intentionally carry no row payload; subscribers recompute
		// from current state.
		/*language=postgresql*/ `CREATE OR REPLACE FUNCTION ` + schema + `.notify_change() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('` + sanitizeChannel(s.config.Channel) + `', TG_TABLE_NAME || ':' || TG_OP);
			RETURN NULL;
		END
		$$ LANGUAGE plpgsql`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run schema migration: %w", err)
		}
	}

	for _, collection := range s.config.Collections {
		table := pgx.Identifier{s.config.Schema, collection.Name}.Sanitize()
		trigger := pgx.Identifier{"trg_engage_notify_" + collection.Name}.Sanitize()
		stmt := `CREATE OR REPLACE TRIGGER ` + trigger +
			` AFTER INSERT OR UPDATE OR DELETE ON ` + table +
			` FOR EACH STATEMENT EXECUTE FUNCTION ` + schema + `.notify_change()`
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create trigger for %s: %w", collection.Name, err)
		}
	}

	return nil
}
