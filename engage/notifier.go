// Copyright 2026 The go-engage Authors
// SPDX-License-Identifier: Apache-2.0

package engage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// keyViewedPrefix scopes the persisted viewed set per user.
const keyViewedPrefix = "engage.viewed."

// NotifierConfig holds configuration for the notification reconcilers.
type NotifierConfig struct {
	// Debounce is the window within which bursts of change events are
	// coalesced into a single recompute.
	Debounce time.Duration
}

// DefaultNotifierConfig returns the standard reconciler configuration.
func DefaultNotifierConfig() *NotifierConfig {
	return &NotifierConfig{Debounce: 250 * time.Millisecond}
}

// changeLoop is a single-consumer event loop shared by both reconcilers.
// Change events from store subscriptions are funneled into one channel,
// coalesced within the debounce window, and trigger one full recompute.
// Recompute is a pure read path, so redundant runs are merely wasted work.
type changeLoop struct {
	rows        RowStore
	collections []string
	debounce    time.Duration
	logger      *slog.Logger
	recompute   func(context.Context) ([]NotificationItem, error)

	events  chan ChangeEvent
	updates chan []NotificationItem
}

func newChangeLoop(rows RowStore, collections []string, debounce time.Duration, logger *slog.Logger, recompute func(context.Context) ([]NotificationItem, error)) *changeLoop {
	return &changeLoop{
		rows:        rows,
		collections: collections,
		debounce:    debounce,
		logger:      logger,
		recompute:   recompute,
		events:      make(chan ChangeEvent, 64),
		updates:     make(chan []NotificationItem, 1),
	}
}

// start subscribes to every watched collection and launches the loop. The
// subscriptions and the loop are torn down when ctx is canceled; anything
// still in flight at that point completes and its result is discarded.
func (l *changeLoop) start(ctx context.Context) error {
	unsubs := make([]func(), 0, len(l.collections))
	for _, collection := range l.collections {
		unsub, err := l.rows.Subscribe(collection, l.enqueue)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return fmt.Errorf("failed to subscribe to %s: %w", collection, err)
		}
		unsubs = append(unsubs, unsub)
	}
	go l.run(ctx, unsubs)
	return nil
}

func (l *changeLoop) enqueue(ev ChangeEvent) {
	select {
	case l.events <- ev:
	default:
		// Queue full means a recompute is already due. Events carry no
		// payload, so dropping one loses nothing.
	}
}

func (l *changeLoop) run(ctx context.Context, unsubs []func()) {
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.events:
		}

		// Coalesce the burst before recomputing.
		timer := time.NewTimer(l.debounce)
	drain:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-l.events:
			case <-timer.C:
				break drain
			}
		}

		feed, err := l.recompute(ctx)
		if err != nil {
			l.logger.Warn("notification recompute failed", "error", err)
			continue
		}
		l.publish(feed)
	}
}

// publish delivers the latest feed, replacing any stale undelivered one.
func (l *changeLoop) publish(feed []NotificationItem) {
	for {
		select {
		case l.updates <- feed:
			return
		default:
			select {
			case <-l.updates:
			default:
			}
		}
	}
}

// StudentNotifier reconciles a student's notification feed from the
// assignment, submission and enrollment collections, filtered against the
// locally persisted viewed set. It recomputes from scratch rather than
// patching incrementally: the per-student joins are small and correctness
// wins over efficiency.
type StudentNotifier struct {
	rows      RowStore
	local     KVStore
	studentID string
	logger    *slog.Logger
	loop      *changeLoop

	mu       sync.Mutex
	feed     []NotificationItem
	haveFeed bool
}

// NewStudentNotifier creates a reconciler for one student. A nil config and
// logger fall back to DefaultNotifierConfig and slog.Default.
func NewStudentNotifier(rows RowStore, local KVStore, studentID string, config *NotifierConfig, logger *slog.Logger) *StudentNotifier {
	if config == nil {
		config = DefaultNotifierConfig()
	}
	if config.Debounce <= 0 {
		config.Debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &StudentNotifier{
		rows:      rows,
		local:     local,
		studentID: studentID,
		logger:    logger,
	}
	n.loop = newChangeLoop(rows,
		[]string{CollectionAssignments, CollectionSubmissions, CollectionEnrollments},
		config.Debounce, logger, n.Recompute)
	return n
}

// Start subscribes to change events and keeps the feed live until ctx is
// canceled. Updated feeds are delivered on Updates.
func (n *StudentNotifier) Start(ctx context.Context) error {
	return n.loop.start(ctx)
}

// Updates delivers recomputed feeds triggered by change events. Only the
// latest feed is retained when the consumer lags.
func (n *StudentNotifier) Updates() <-chan []NotificationItem {
	return n.loop.updates
}

// Recompute loads the student's enrollments, the assignments reachable
// through them and the student's submissions, and joins them into the feed.
// A student with no enrollments gets an empty feed and no error. Any store
// failure fails the whole recompute; a partially loaded feed would be wrong.
func (n *StudentNotifier) Recompute(ctx context.Context) ([]NotificationItem, error) {
	enrRows, err := n.rows.Query(ctx, CollectionEnrollments, Filter{"student_id": n.studentID})
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollments: %w", err)
	}
	enrollments, err := decodeRows[Enrollment](enrRows)
	if err != nil {
		return nil, err
	}
	if len(enrollments) == 0 {
		n.setFeed(nil)
		return nil, nil
	}

	classIDs := make([]string, 0, len(enrollments))
	seen := make(map[string]bool, len(enrollments))
	for _, e := range enrollments {
		if !seen[e.ClassID] {
			seen[e.ClassID] = true
			classIDs = append(classIDs, e.ClassID)
		}
	}

	classRows, err := n.rows.Query(ctx, CollectionClasses, Filter{"id": classIDs})
	if err != nil {
		return nil, fmt.Errorf("failed to load classes: %w", err)
	}
	classes, err := decodeRows[Class](classRows)
	if err != nil {
		return nil, err
	}

	lessonRows, err := n.rows.Query(ctx, CollectionLessons, Filter{"class_id": classIDs})
	if err != nil {
		return nil, fmt.Errorf("failed to load lessons: %w", err)
	}
	lessons, err := decodeRows[Lesson](lessonRows)
	if err != nil {
		return nil, err
	}
	if len(lessons) == 0 {
		n.setFeed(nil)
		return nil, nil
	}

	lessonIDs := make([]string, 0, len(lessons))
	for _, l := range lessons {
		lessonIDs = append(lessonIDs, l.ID)
	}
	assignmentRows, err := n.rows.Query(ctx, CollectionAssignments, Filter{"lesson_id": lessonIDs})
	if err != nil {
		return nil, fmt.Errorf("failed to load assignments: %w", err)
	}
	assignments, err := decodeRows[Assignment](assignmentRows)
	if err != nil {
		return nil, err
	}
	if len(assignments) == 0 {
		n.setFeed(nil)
		return nil, nil
	}

	assignmentIDs := make([]string, 0, len(assignments))
	for _, a := range assignments {
		assignmentIDs = append(assignmentIDs, a.ID)
	}
	subRows, err := n.rows.Query(ctx, CollectionSubmissions, Filter{
		"assignment_id": assignmentIDs,
		"student_id":    n.studentID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load submissions: %w", err)
	}
	submissions, err := decodeRows[Submission](subRows)
	if err != nil {
		return nil, err
	}

	feed := BuildStudentFeed(enrollments, classes, lessons, assignments, submissions, n.loadViewedSet())
	n.setFeed(feed)
	return feed, nil
}

// MarkAsViewed dismisses a completed-with-feedback notification permanently
// and returns the refreshed feed. The viewed set is local, so no remote
// round trip is needed. Dismissal is idempotent, and not-started items are
// refused: they represent outstanding required work and must keep surfacing
// until a real submission exists.
func (n *StudentNotifier) MarkAsViewed(ctx context.Context, id string) ([]NotificationItem, error) {
	feed, ok := n.cachedFeed()
	if !ok {
		var err error
		feed, err = n.Recompute(ctx)
		if err != nil {
			return nil, err
		}
	}

	var target *NotificationItem
	for i := range feed {
		if feed[i].ID == id {
			target = &feed[i]
			break
		}
	}
	if target == nil {
		// Already dismissed or never surfaced; nothing to do.
		return feed, nil
	}
	if target.Synthetic || target.Status != StatusCompleted {
		n.logger.Debug("ignoring dismissal of non-dismissible notification",
			"id", id, "status", target.Status)
		return feed, nil
	}

	viewed := n.loadViewedSet()
	if viewed.Add(id) {
		if err := n.saveViewedSet(viewed); err != nil {
			return nil, err
		}
	}

	next := make([]NotificationItem, 0, len(feed))
	for _, item := range feed {
		if item.ID != id {
			next = append(next, item)
		}
	}
	n.setFeed(next)
	return next, nil
}

// Feed returns the last computed feed, if any.
func (n *StudentNotifier) Feed() ([]NotificationItem, bool) {
	return n.cachedFeed()
}

func (n *StudentNotifier) setFeed(feed []NotificationItem) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.feed = feed
	n.haveFeed = true
}

func (n *StudentNotifier) cachedFeed() ([]NotificationItem, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.feed, n.haveFeed
}

// loadViewedSet reads the persisted viewed set, treating missing or
// unreadable state as an empty set.
func (n *StudentNotifier) loadViewedSet() *ViewedSet {
	value, ok, err := n.local.Get(keyViewedPrefix + n.studentID)
	if err != nil {
		n.logger.Warn("failed to read viewed set", "error", err)
		return NewViewedSet()
	}
	if !ok {
		return NewViewedSet()
	}
	viewed := NewViewedSet()
	if !decodeVersioned(value, viewed) {
		n.logger.Warn("discarding unreadable viewed set", "student_id", n.studentID)
		return NewViewedSet()
	}
	return viewed
}

func (n *StudentNotifier) saveViewedSet(viewed *ViewedSet) error {
	data, err := json.Marshal(viewed)
	if err != nil {
		return fmt.Errorf("failed to encode viewed set: %w", err)
	}
	if err := n.local.Set(keyViewedPrefix+n.studentID, string(data)); err != nil {
		return fmt.Errorf("failed to persist viewed set: %w", err)
	}
	return nil
}
