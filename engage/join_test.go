package engage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	classC  = Class{ID: "class-c", Name: "Algebra", InstructorID: "teacher-1", CreatedAt: baseTime}
	lessonL = Lesson{ID: "lesson-l", ClassID: "class-c", Title: "Linear equations", CreatedAt: baseTime}
	assignA = Assignment{ID: "assign-a", LessonID: "lesson-l", Title: "Worksheet 1", CreatedAt: baseTime}

	enrollment = Enrollment{ID: "enr-1", ClassID: "class-c", StudentID: "student-1", CreatedAt: baseTime}
)

func strptr(s string) *string { return &s }

func TestBuildStudentFeed_NoEnrollments(t *testing.T) {
	feed := BuildStudentFeed(nil, []Class{classC}, []Lesson{lessonL}, []Assignment{assignA}, nil, nil)
	require.Empty(t, feed)
}

func TestBuildStudentFeed_NotStartedWithoutSubmission(t *testing.T) {
	feed := BuildStudentFeed([]Enrollment{enrollment}, []Class{classC}, []Lesson{lessonL}, []Assignment{assignA}, nil, nil)
	require.Len(t, feed, 1)

	item := feed[0]
	require.Equal(t, SyntheticNotificationID("assign-a"), item.ID)
	require.Equal(t, StatusNotStarted, item.Status)
	require.True(t, item.Synthetic)
	require.Equal(t, "assign-a", item.AssignmentID)
	require.Equal(t, "lesson-l", item.LessonID)
	require.Equal(t, "class-c", item.ClassID)
	require.Equal(t, "Algebra", item.ClassName)
}

func TestBuildStudentFeed_SyntheticIDStableAcrossRecomputes(t *testing.T) {
	first := BuildStudentFeed([]Enrollment{enrollment}, []Class{classC}, []Lesson{lessonL}, []Assignment{assignA}, nil, nil)
	second := BuildStudentFeed([]Enrollment{enrollment}, []Class{classC}, []Lesson{lessonL}, []Assignment{assignA}, nil, nil)
	require.Equal(t, first[0].ID, second[0].ID)
}

func TestBuildStudentFeed_NotStartedNeverSuppressed(t *testing.T) {
	viewed := NewViewedSet()
	viewed.Add(SyntheticNotificationID("assign-a"))

	feed := BuildStudentFeed([]Enrollment{enrollment}, []Class{classC}, []Lesson{lessonL}, []Assignment{assignA}, nil, viewed)
	require.Len(t, feed, 1)
	require.Equal(t, StatusNotStarted, feed[0].Status)
}

func TestBuildStudentFeed_SubmissionStates(t *testing.T) {
	cases := []struct {
		name     string
		sub      Submission
		want     int
		status   string
		feedback string
	}{
		{
			name: "not started submission surfaces under its real id",
			sub:  Submission{ID: "sub-1", AssignmentID: "assign-a", StudentID: "student-1", Status: StatusNotStarted},
			want: 1, status: StatusNotStarted,
		},
		{
			name: "pending review is the student's own outbox, not a notification",
			sub:  Submission{ID: "sub-1", AssignmentID: "assign-a", StudentID: "student-1", Status: StatusPendingReview},
			want: 0,
		},
		{
			name: "completed without feedback carries nothing actionable",
			sub:  Submission{ID: "sub-1", AssignmentID: "assign-a", StudentID: "student-1", Status: StatusCompleted},
			want: 0,
		},
		{
			name: "completed with feedback surfaces",
			sub:  Submission{ID: "sub-1", AssignmentID: "assign-a", StudentID: "student-1", Status: StatusCompleted, Feedback: strptr("Good work")},
			want: 1, status: StatusCompleted, feedback: "Good work",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			feed := BuildStudentFeed([]Enrollment{enrollment}, []Class{classC}, []Lesson{lessonL}, []Assignment{assignA}, []Submission{tc.sub}, nil)
			require.Len(t, feed, tc.want)
			if tc.want == 1 {
				require.Equal(t, "sub-1", feed[0].ID)
				require.Equal(t, tc.status, feed[0].Status)
				require.Equal(t, tc.feedback, feed[0].Feedback)
				require.False(t, feed[0].Synthetic)
			}
		})
	}
}

func TestBuildStudentFeed_ViewedSuppressesCompletedOnly(t *testing.T) {
	sub := Submission{ID: "sub-1", AssignmentID: "assign-a", StudentID: "student-1", Status: StatusCompleted, Feedback: strptr("Nice")}
	viewed := NewViewedSet()
	viewed.Add("sub-1")

	feed := BuildStudentFeed([]Enrollment{enrollment}, []Class{classC}, []Lesson{lessonL}, []Assignment{assignA}, []Submission{sub}, viewed)
	require.Empty(t, feed)
}

func TestBuildStudentFeed_ExcludesUnenrolledClasses(t *testing.T) {
	otherLesson := Lesson{ID: "lesson-x", ClassID: "class-x", Title: "Other", CreatedAt: baseTime}
	otherAssign := Assignment{ID: "assign-x", LessonID: "lesson-x", Title: "Hidden", CreatedAt: baseTime}

	feed := BuildStudentFeed([]Enrollment{enrollment}, []Class{classC},
		[]Lesson{lessonL, otherLesson}, []Assignment{assignA, otherAssign}, nil, nil)
	require.Len(t, feed, 1)
	require.Equal(t, "assign-a", feed[0].AssignmentID)
}

func TestBuildStudentFeed_OrderedNewestFirst(t *testing.T) {
	older := Assignment{ID: "assign-old", LessonID: "lesson-l", Title: "Old", CreatedAt: baseTime.Add(-48 * time.Hour)}
	newer := Assignment{ID: "assign-new", LessonID: "lesson-l", Title: "New", CreatedAt: baseTime.Add(24 * time.Hour)}

	feed := BuildStudentFeed([]Enrollment{enrollment}, []Class{classC}, []Lesson{lessonL},
		[]Assignment{older, assignA, newer}, nil, nil)
	require.Len(t, feed, 3)
	require.Equal(t, "assign-new", feed[0].AssignmentID)
	require.Equal(t, "assign-a", feed[1].AssignmentID)
	require.Equal(t, "assign-old", feed[2].AssignmentID)
}

func TestBuildTeacherQueue_PendingReviewOnly(t *testing.T) {
	subs := []Submission{
		{ID: "sub-1", AssignmentID: "assign-a", StudentID: "student-1", Status: StatusPendingReview, UpdatedAt: baseTime},
		{ID: "sub-2", AssignmentID: "assign-a", StudentID: "student-2", Status: StatusCompleted, UpdatedAt: baseTime},
		{ID: "sub-3", AssignmentID: "assign-a", StudentID: "student-3", Status: StatusPendingReview, UpdatedAt: baseTime.Add(time.Hour)},
	}

	queue := BuildTeacherQueue([]Class{classC}, []Lesson{lessonL}, []Assignment{assignA}, subs)
	require.Len(t, queue, 2)
	// Newest first.
	require.Equal(t, "sub-3", queue[0].ID)
	require.Equal(t, "sub-1", queue[1].ID)
	require.Equal(t, "student-3", queue[0].StudentID)
	require.Equal(t, StatusPendingReview, queue[0].Status)
}

func TestBuildTeacherQueue_NoClasses(t *testing.T) {
	queue := BuildTeacherQueue(nil, []Lesson{lessonL}, []Assignment{assignA},
		[]Submission{{ID: "sub-1", AssignmentID: "assign-a", Status: StatusPendingReview}})
	require.Empty(t, queue)
}
