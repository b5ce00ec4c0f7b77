// Copyright 2026 The go-engage Authors
// SPDX-License-Identifier: Apache-2.0

package engage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Local state keys. The session id lives in the session-scoped store; the
// rest is durable.
const (
	keyVisitState    = "engage.visit_state"
	keyUniqueVisitor = "engage.unique_visitor"
	keySessionID     = "engage.session_id"
)

// dateLayout is the calendar-day key used for local state and the remote
// counter row.
const dateLayout = "2006-01-02"

// TrackerConfig holds configuration for the visit tracker.
type TrackerConfig struct {
	// FlushEvery batches page-view-only increments: with no new visit or
	// session, the remote row is only touched on every FlushEvery-th page
	// view of the day. Bounds write amplification from rapid navigation.
	FlushEvery int
	// Collection is the remote counter collection name.
	Collection string
}

// DefaultTrackerConfig returns the standard tracker configuration.
func DefaultTrackerConfig() *TrackerConfig {
	return &TrackerConfig{
		FlushEvery: 5,
		Collection: CollectionVisitCounters,
	}
}

// VisitTracker decides, on each tracked navigation, the minimal correct
// increments to (visits, unique visitors, page views) for today, persists the
// updated local state, and pushes a rate-limited update to the remote counter
// row. Tracking is strictly best-effort: no method ever returns an error, and
// remote failures are logged and swallowed so tracking can never break a page.
type VisitTracker struct {
	durable KVStore
	session KVStore
	rows    RowStore
	config  *TrackerConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewVisitTracker creates a tracker over a durable store, a session-scoped
// store and a remote row store. A nil config and logger fall back to
// DefaultTrackerConfig and slog.Default.
func NewVisitTracker(durable, session KVStore, rows RowStore, config *TrackerConfig, logger *slog.Logger) *VisitTracker {
	if config == nil {
		config = DefaultTrackerConfig()
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = 5
	}
	if config.Collection == "" {
		config.Collection = CollectionVisitCounters
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VisitTracker{
		durable: durable,
		session: session,
		rows:    rows,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// PageView summarizes one TrackPageView decision, for telemetry and tests.
type PageView struct {
	Date           string
	SessionID      string
	NewVisit       bool
	NewSession     bool
	UniqueToday    bool
	PageViewsToday int
	Flushed        bool
}

// TrackPageView records one page view. The path is used only for logging,
// never for counting. Local state is always persisted; the remote counter
// row is upserted only when this call starts a new visit or session, or when
// the day's page-view count hits a FlushEvery multiple.
func (t *VisitTracker) TrackPageView(ctx context.Context, path string) PageView {
	today := t.now().Format(dateLayout)
	sessionID := t.ensureSessionID()
	uniqueToday := t.touchUniqueMarker(today)

	pv := PageView{Date: today, SessionID: sessionID, UniqueToday: uniqueToday}

	state := t.loadVisitState()
	switch {
	case state == nil:
		// First page view ever on this client.
		pv.NewVisit = true
		pv.NewSession = true
		state = &ClientVisitState{
			SchemaVersion:  localSchemaVersion,
			LastVisitDate:  today,
			SessionID:      sessionID,
			PageViewsToday: 1,
		}
	case state.LastVisitDate != today:
		// New calendar day: always a new visit, reset the day counter.
		pv.NewVisit = true
		pv.NewSession = state.SessionID != sessionID
		state.LastVisitDate = today
		state.SessionID = sessionID
		state.PageViewsToday = 1
	case state.SessionID != sessionID:
		// Same day, fresh tab: a new session but not a new visit.
		pv.NewSession = true
		state.SessionID = sessionID
		state.PageViewsToday++
	default:
		state.PageViewsToday++
	}
	pv.PageViewsToday = state.PageViewsToday

	t.saveVisitState(state)

	if pv.NewVisit || pv.NewSession || state.PageViewsToday%t.config.FlushEvery == 0 {
		pv.Flushed = true
		t.flushCounters(ctx, today, pv.NewVisit, pv.UniqueToday, true)
	}

	t.logger.Debug("tracked page view",
		"path", path,
		"date", today,
		"new_visit", pv.NewVisit,
		"new_session", pv.NewSession,
		"unique_today", pv.UniqueToday,
		"page_views_today", pv.PageViewsToday,
		"flushed", pv.Flushed)
	return pv
}

// TrackPageLeave is fired on tab-hidden or unload. It performs a best-effort
// zero-delta upsert of today's row; a navigation away is allowed to abort it.
// Placeholder until the tracker batches real unsent deltas worth flushing.
func (t *VisitTracker) TrackPageLeave(ctx context.Context) {
	today := t.now().Format(dateLayout)
	t.flushCounters(ctx, today, false, false, false)
}

// flushCounters applies deltas to today's remote counter row via
// read-then-write upsert. The backend has no atomic increment, so two clients
// can read the same stale row and under-count; that race is an accepted,
// bounded limitation, not something to paper over with fake atomicity.
func (t *VisitTracker) flushCounters(ctx context.Context, date string, newVisit, uniqueToday, pageView bool) {
	cur := VisitCounterRow{Date: date}
	row, err := t.rows.QueryOne(ctx, t.config.Collection, Filter{"date": date})
	switch {
	case err == nil:
		if err := DecodeRow(row, &cur); err != nil {
			t.logger.Warn("failed to decode visit counter row", "date", date, "error", err)
			return
		}
	case errors.Is(err, ErrNotFound):
		// First write of the day.
	default:
		t.logger.Warn("failed to read visit counter row", "date", date, "error", err)
		return
	}

	if newVisit {
		cur.VisitCount++
	}
	if uniqueToday {
		cur.UniqueVisitorCount++
	}
	if pageView {
		cur.PageViewCount++
	}

	_, err = t.rows.Upsert(ctx, t.config.Collection, "date", map[string]any{
		"date":                 cur.Date,
		"visit_count":          cur.VisitCount,
		"unique_visitor_count": cur.UniqueVisitorCount,
		"page_view_count":      cur.PageViewCount,
	})
	if err != nil {
		t.logger.Warn("failed to upsert visit counter row", "date", date, "error", err)
	}
}

// ensureSessionID resolves the session id from the session-scoped store,
// minting and persisting a new one when the store is empty (a fresh tab).
// Store failures degrade to an unpersisted throwaway id.
func (t *VisitTracker) ensureSessionID() string {
	value, ok, err := t.session.Get(keySessionID)
	if err != nil {
		t.logger.Warn("failed to read session id", "error", err)
	}
	if ok && value != "" {
		return value
	}
	sessionID := uuid.NewString()
	if err := t.session.Set(keySessionID, sessionID); err != nil {
		t.logger.Warn("failed to persist session id", "error", err)
	}
	return sessionID
}

// touchUniqueMarker reports whether this client counts as a unique visitor
// today, advancing the marker as a side effect so repeat calls on the same
// day return false.
func (t *VisitTracker) touchUniqueMarker(today string) bool {
	var marker UniqueVisitorMarker
	if !t.loadLocal(keyUniqueVisitor, &marker) {
		marker = UniqueVisitorMarker{
			SchemaVersion:  localSchemaVersion,
			FirstVisitDate: today,
			LastVisitDate:  today,
		}
		t.saveLocal(keyUniqueVisitor, &marker)
		return true
	}
	if marker.LastVisitDate == today {
		return false
	}
	marker.LastVisitDate = today
	t.saveLocal(keyUniqueVisitor, &marker)
	return true
}

func (t *VisitTracker) loadVisitState() *ClientVisitState {
	var state ClientVisitState
	if !t.loadLocal(keyVisitState, &state) {
		return nil
	}
	return &state
}

func (t *VisitTracker) saveVisitState(state *ClientVisitState) {
	t.saveLocal(keyVisitState, state)
}

// loadLocal loads a versioned JSON blob from the durable store. A missing,
// corrupt, or wrong-version blob is treated as absent state so it gets
// reinitialized instead of misparsed.
func (t *VisitTracker) loadLocal(key string, dst any) bool {
	value, ok, err := t.durable.Get(key)
	if err != nil {
		t.logger.Warn("failed to read local state", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if !decodeVersioned(value, dst) {
		t.logger.Warn("discarding unreadable local state", "key", key)
		return false
	}
	return true
}

func (t *VisitTracker) saveLocal(key string, src any) {
	data, err := json.Marshal(src)
	if err != nil {
		t.logger.Warn("failed to encode local state", "key", key, "error", err)
		return
	}
	if err := t.durable.Set(key, string(data)); err != nil {
		t.logger.Warn("failed to persist local state", "key", key, "error", err)
	}
}

// decodeVersioned unmarshals a local blob and checks its schema version.
func decodeVersioned(value string, dst any) bool {
	var probe struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal([]byte(value), &probe); err != nil {
		return false
	}
	if probe.SchemaVersion != localSchemaVersion {
		return false
	}
	return json.Unmarshal([]byte(value), dst) == nil
}
