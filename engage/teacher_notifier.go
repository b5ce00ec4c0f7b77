// Copyright 2026 The go-engage Authors
// SPDX-License-Identifier: Apache-2.0

package engage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TeacherNotifier is the instructor-side counterpart of StudentNotifier:
// a work queue of submissions awaiting review across the teacher's classes.
// It is simpler by design — there is no dismissal set, because a teacher
// clears an item by reviewing the submission, which changes its status and
// drops it from the next recompute.
type TeacherNotifier struct {
	rows      RowStore
	teacherID string
	logger    *slog.Logger
	loop      *changeLoop
}

// NewTeacherNotifier creates a reconciler for one instructor.
func NewTeacherNotifier(rows RowStore, teacherID string, config *NotifierConfig, logger *slog.Logger) *TeacherNotifier {
	if config == nil {
		config = DefaultNotifierConfig()
	}
	if config.Debounce <= 0 {
		config.Debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &TeacherNotifier{
		rows:      rows,
		teacherID: teacherID,
		logger:    logger,
	}
	n.loop = newChangeLoop(rows,
		[]string{CollectionAssignments, CollectionSubmissions},
		config.Debounce, logger, n.Recompute)
	return n
}

// Start subscribes to change events and keeps the queue live until ctx is
// canceled.
func (n *TeacherNotifier) Start(ctx context.Context) error {
	return n.loop.start(ctx)
}

// Updates delivers recomputed queues triggered by change events.
func (n *TeacherNotifier) Updates() <-chan []NotificationItem {
	return n.loop.updates
}

// Recompute loads the teacher's classes and the pending-review submissions
// reachable through them, newest first. A teacher with no classes gets an
// empty queue and no error.
func (n *TeacherNotifier) Recompute(ctx context.Context) ([]NotificationItem, error) {
	classRows, err := n.rows.Query(ctx, CollectionClasses, Filter{"instructor_id": n.teacherID})
	if err != nil {
		return nil, fmt.Errorf("failed to load classes: %w", err)
	}
	classes, err := decodeRows[Class](classRows)
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, nil
	}

	classIDs := make([]string, 0, len(classes))
	for _, c := range classes {
		classIDs = append(classIDs, c.ID)
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
		return nil, nil
	}

	assignmentIDs := make([]string, 0, len(assignments))
	for _, a := range assignments {
		assignmentIDs = append(assignmentIDs, a.ID)
	}
	subRows, err := n.rows.Query(ctx, CollectionSubmissions, Filter{
		"assignment_id": assignmentIDs,
		"status":        StatusPendingReview,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load submissions: %w", err)
	}
	submissions, err := decodeRows[Submission](subRows)
	if err != nil {
		return nil, err
	}

	return BuildTeacherQueue(classes, lessons, assignments, submissions), nil
}
