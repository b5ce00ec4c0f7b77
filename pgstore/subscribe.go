// Copyright 2026 The go-engage Authors
// SPDX-License-Identifier: Apache-2.0

package pgstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/haitranwang/go-engage/engage"
)

// Subscribe registers a handler for change events on a collection and
// returns an unsubscribe function. Handlers are invoked from the store's
// dispatch goroutine and must be cheap.
func (s *Store) Subscribe(collection string, handler func(engage.ChangeEvent)) (func(), error) {
	if _, err := s.tableIdent(collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = subscriber{collection: collection, handler: handler}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}, nil
}

// listen holds a dedicated connection on LISTEN and fans notifications out
// to subscribers, reconnecting with backoff when the connection drops.
func (s *Store) listen(ctx context.Context) {
	defer close(s.done)
	backoff := time.Second
	for {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("change listener disconnected",
			"error", err, "sqlstate", sqlState(err), "retry_in", backoff)
		if err := sleepWithContext(ctx, backoff); err != nil {
			return
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	poolConn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// Hijack the connection: a LISTEN session must not be returned to the
	// pool, where its subscription state would leak into other callers.
	conn := poolConn.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, `LISTEN `+sanitizeChannel(s.config.Channel)); err != nil {
		return err
	}
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.dispatch(notification.Payload)
	}
}

// dispatch decodes a "table:op" payload and invokes matching subscribers.
func (s *Store) dispatch(payload string) {
	collection, op, ok := strings.Cut(payload, ":")
	if !ok {
		s.logger.Warn("ignoring malformed change notification", "payload", payload)
		return
	}
	ev := engage.ChangeEvent{Collection: collection, Op: op}

	s.mu.RLock()
	handlers := make([]func(engage.ChangeEvent), 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.collection == collection {
			handlers = append(handlers, sub.handler)
		}
	}
	s.mu.RUnlock()

	for _, handler := range handlers {
		handler(ev)
	}
}

// sanitizeChannel restricts the channel name to identifier characters.
// Configured once at startup; anything else is a programming error.
func sanitizeChannel(channel string) string {
	var b strings.Builder
	for _, r := range channel {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isRetryablePGError reports whether a write failed on a transient
// serialization, deadlock or lock-timeout condition worth retrying.
func isRetryablePGError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.SQLState()
	}
	return ""
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
