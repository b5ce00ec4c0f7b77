// Copyright 2026 The go-engage Authors
// SPDX-License-Identifier: Apache-2.0

package engage

import (
	"time"

	"github.com/google/uuid"
)

// Submission status constants. A submission moves
// not_started -> pending_review -> completed; "not started" usually
// means no submission row exists at all.
const (
	StatusNotStarted    = "not_started"
	StatusPendingReview = "pending_review"
	StatusCompleted     = "completed"
)

// localSchemaVersion is embedded in every locally persisted blob so future
// format changes can discard stale state instead of misparsing it.
const localSchemaVersion = 1

// Class is a taught class with a single instructor.
type Class struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	InstructorID string    `json:"instructor_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Lesson belongs to a class.
type Lesson struct {
	ID        string    `json:"id"`
	ClassID   string    `json:"class_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Enrollment links a student to a class.
type Enrollment struct {
	ID        string    `json:"id"`
	ClassID   string    `json:"class_id"`
	StudentID string    `json:"student_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Assignment belongs to a lesson. Its content is treated as immutable once
// submissions exist; that rule is enforced by the authoring surface, not here.
type Assignment struct {
	ID          string    `json:"id"`
	LessonID    string    `json:"lesson_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Submission is at most one per (assignment, student) pair. Feedback becomes
// non-nil only once the submission is completed.
type Submission struct {
	ID           string    `json:"id"`
	AssignmentID string    `json:"assignment_id"`
	StudentID    string    `json:"student_id"`
	Status       string    `json:"status"`
	Feedback     *string   `json:"feedback"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// VisitCounterRow is the remote counter row, one per calendar date. Its
// counters are monotonically non-decreasing; clients only ever add to them
// through read-then-write upserts keyed by date.
type VisitCounterRow struct {
	Date               string `json:"date"`
	VisitCount         int64  `json:"visit_count"`
	UniqueVisitorCount int64  `json:"unique_visitor_count"`
	PageViewCount      int64  `json:"page_view_count"`
}

// ClientVisitState is the single durable visit record for this client.
// It is created on the first page view ever and mutated on every one after.
type ClientVisitState struct {
	SchemaVersion  int    `json:"schema_version"`
	LastVisitDate  string `json:"last_visit_date"`
	SessionID      string `json:"session_id"`
	PageViewsToday int    `json:"page_views_today"`
}

// UniqueVisitorMarker records the days this client has already been counted
// as a unique visitor. Re-entrant calls on the same day must not re-trigger
// the unique counter.
type UniqueVisitorMarker struct {
	SchemaVersion  int    `json:"schema_version"`
	FirstVisitDate string `json:"first_visit_date"`
	LastVisitDate  string `json:"last_visit_date"`
}

// NotificationItem is a derived feed entry; it is never persisted remotely.
// Identity is the submission id when a submission exists, otherwise a
// synthetic id derived from the assignment id (stable across recomputes).
type NotificationItem struct {
	ID              string    `json:"id"`
	AssignmentID    string    `json:"assignment_id"`
	LessonID        string    `json:"lesson_id"`
	ClassID         string    `json:"class_id"`
	StudentID       string    `json:"student_id"`
	AssignmentTitle string    `json:"assignment_title"`
	LessonTitle     string    `json:"lesson_title"`
	ClassName       string    `json:"class_name"`
	Status          string    `json:"status"`
	Feedback        string    `json:"feedback"`
	Synthetic       bool      `json:"synthetic"`
	CreatedAt       time.Time `json:"created_at"`
}

// ViewedSet holds the notification identities a user has dismissed. Only
// completed-with-feedback identities are ever added; not-started items must
// always surface until a real submission exists.
type ViewedSet struct {
	SchemaVersion int      `json:"schema_version"`
	IDs           []string `json:"ids"`
}

// NewViewedSet returns an empty set at the current schema version.
func NewViewedSet() *ViewedSet {
	return &ViewedSet{SchemaVersion: localSchemaVersion}
}

// Contains reports whether id has been dismissed.
func (v *ViewedSet) Contains(id string) bool {
	for _, got := range v.IDs {
		if got == id {
			return true
		}
	}
	return false
}

// Add inserts id and reports whether the set changed. Adding twice is a no-op.
func (v *ViewedSet) Add(id string) bool {
	if v.Contains(id) {
		return false
	}
	v.IDs = append(v.IDs, id)
	return true
}

// notificationNamespace seeds deterministic synthetic notification ids.
var notificationNamespace = uuid.MustParse("8c4a6f1e-52d3-4b7a-9f0d-2e6b8a1c3d5f")

// SyntheticNotificationID derives a stable notification identity for an
// assignment that has no submission yet. The same assignment id always maps
// to the same notification id, so "not started" items survive recomputation.
func SyntheticNotificationID(assignmentID string) string {
	return uuid.NewSHA1(notificationNamespace, []byte(assignmentID)).String()
}
