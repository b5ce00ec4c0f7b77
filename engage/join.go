// Copyright 2026 The go-engage Authors
// SPDX-License-Identifier: Apache-2.0

package engage

import "sort"

// BuildStudentFeed joins the three source collections into a student's
// notification feed. It is a pure function over its inputs and takes no
// ambient state, so it can be tested without any store.
//
// An assignment with no submission yields a not-started item under a
// synthetic identity; a submission yields an item only when it is itself
// not started, or completed with feedback. Pending-review items are the
// student's own outbox and completed items without feedback carry nothing
// actionable, so neither surfaces. The viewed set suppresses completed
// items only; outstanding work is never dismissible.
//
// The feed is ordered by assignment recency, newest first.
func BuildStudentFeed(enrollments []Enrollment, classes []Class, lessons []Lesson, assignments []Assignment, submissions []Submission, viewed *ViewedSet) []NotificationItem {
	if len(enrollments) == 0 {
		return nil
	}
	if viewed == nil {
		viewed = NewViewedSet()
	}

	enrolled := make(map[string]bool, len(enrollments))
	studentID := ""
	for _, e := range enrollments {
		enrolled[e.ClassID] = true
		studentID = e.StudentID
	}

	classByID := make(map[string]Class, len(classes))
	for _, c := range classes {
		classByID[c.ID] = c
	}
	lessonByID := make(map[string]Lesson, len(lessons))
	for _, l := range lessons {
		if enrolled[l.ClassID] {
			lessonByID[l.ID] = l
		}
	}

	// At most one submission per (assignment, student) by the data model.
	subByAssignment := make(map[string]Submission, len(submissions))
	for _, s := range submissions {
		subByAssignment[s.AssignmentID] = s
	}

	var feed []NotificationItem
	for _, a := range assignments {
		lesson, ok := lessonByID[a.LessonID]
		if !ok {
			continue
		}
		class := classByID[lesson.ClassID]

		item := NotificationItem{
			AssignmentID:    a.ID,
			LessonID:        lesson.ID,
			ClassID:         lesson.ClassID,
			StudentID:       studentID,
			AssignmentTitle: a.Title,
			LessonTitle:     lesson.Title,
			ClassName:       class.Name,
			CreatedAt:       a.CreatedAt,
		}

		sub, ok := subByAssignment[a.ID]
		if !ok {
			item.ID = SyntheticNotificationID(a.ID)
			item.Status = StatusNotStarted
			item.Synthetic = true
			feed = append(feed, item)
			continue
		}

		switch {
		case sub.Status == StatusNotStarted:
			item.ID = sub.ID
			item.Status = StatusNotStarted
		case sub.Status == StatusCompleted && sub.Feedback != nil && *sub.Feedback != "":
			if viewed.Contains(sub.ID) {
				continue
			}
			item.ID = sub.ID
			item.Status = StatusCompleted
			item.Feedback = *sub.Feedback
		default:
			continue
		}
		feed = append(feed, item)
	}

	sort.SliceStable(feed, func(i, j int) bool {
		if !feed[i].CreatedAt.Equal(feed[j].CreatedAt) {
			return feed[i].CreatedAt.After(feed[j].CreatedAt)
		}
		return feed[i].AssignmentID < feed[j].AssignmentID
	})
	return feed
}

// BuildTeacherQueue joins submissions awaiting review into the instructor's
// work queue. There is no dismissal set: teachers clear an item by reviewing
// the submission, not by hiding it.
//
// The queue is ordered by submission recency, newest first.
func BuildTeacherQueue(classes []Class, lessons []Lesson, assignments []Assignment, submissions []Submission) []NotificationItem {
	if len(classes) == 0 {
		return nil
	}

	classByID := make(map[string]Class, len(classes))
	for _, c := range classes {
		classByID[c.ID] = c
	}
	lessonByID := make(map[string]Lesson, len(lessons))
	for _, l := range lessons {
		if _, ok := classByID[l.ClassID]; ok {
			lessonByID[l.ID] = l
		}
	}
	assignmentByID := make(map[string]Assignment, len(assignments))
	for _, a := range assignments {
		if _, ok := lessonByID[a.LessonID]; ok {
			assignmentByID[a.ID] = a
		}
	}

	var queue []NotificationItem
	for _, s := range submissions {
		if s.Status != StatusPendingReview {
			continue
		}
		a, ok := assignmentByID[s.AssignmentID]
		if !ok {
			continue
		}
		lesson := lessonByID[a.LessonID]
		class := classByID[lesson.ClassID]
		queue = append(queue, NotificationItem{
			ID:              s.ID,
			AssignmentID:    a.ID,
			LessonID:        lesson.ID,
			ClassID:         lesson.ClassID,
			StudentID:       s.StudentID,
			AssignmentTitle: a.Title,
			LessonTitle:     lesson.Title,
			ClassName:       class.Name,
			Status:          StatusPendingReview,
			CreatedAt:       s.UpdatedAt,
		})
	}

	sort.SliceStable(queue, func(i, j int) bool {
		if !queue[i].CreatedAt.Equal(queue[j].CreatedAt) {
			return queue[i].CreatedAt.After(queue[j].CreatedAt)
		}
		return queue[i].ID < queue[j].ID
	})
	return queue
}
