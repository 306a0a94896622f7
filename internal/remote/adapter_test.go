package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/slate/internal/note"
)

type stubBackend struct {
	term        *Term
	termErr     error
	gradeReqs   []SubmitGradesRequest
	gradeErr    error
	noteReqs    []CreateStudentNoteRequest
	failStudent string // CreateStudentNote fails for this student id
}

func (s *stubBackend) SubmitGrades(ctx context.Context, req SubmitGradesRequest) error {
	s.gradeReqs = append(s.gradeReqs, req)
	return s.gradeErr
}

func (s *stubBackend) CreateStudentNote(ctx context.Context, req CreateStudentNoteRequest) error {
	if req.StudentID == s.failStudent {
		return errors.New("student not enrolled")
	}
	s.noteReqs = append(s.noteReqs, req)
	return nil
}

func (s *stubBackend) CurrentTerm(ctx context.Context, schoolYearID string) (*Term, error) {
	if s.termErr != nil {
		return nil, s.termErr
	}
	return s.term, nil
}

func newStub() *stubBackend {
	return &stubBackend{term: &Term{ID: "term-2025-1"}}
}

func gradeNote() *note.NoteWithDetails {
	return &note.NoteWithDetails{
		Note: note.Note{
			ID:           "n1",
			TeacherID:    "t1",
			SchoolID:     "s1",
			ClassID:      "c1",
			SubjectID:    "math",
			SchoolYearID: "sy1",
			Type:         note.TypeTests,
			Title:        "Unit 3 test",
		},
		Details: []note.Detail{
			{ID: "d1", StudentID: "stu-a", Value: "12"},
			{ID: "d2", StudentID: "stu-b", Value: "15"},
			{ID: "d3", StudentID: "stu-c", Value: "9"},
		},
	}
}

func behaviorNote() *note.NoteWithDetails {
	return &note.NoteWithDetails{
		Note: note.Note{
			ID:        "n2",
			TeacherID: "t1",
			SchoolID:  "s1",
			ClassID:   "c1",
			Type:      note.TypeBehavior,
			Title:     "Disrupted class",
		},
		Details: []note.Detail{
			{ID: "d1", StudentID: "stu-a", Value: "Talked through the test"},
			{ID: "d2", StudentID: "stu-b", Value: "Left early"},
		},
	}
}

func TestPublish_GradeNoteSubmitsOneBatch(t *testing.T) {
	s := newStub()
	a := NewAdapter(s, s, s)

	outcome := a.Publish(context.Background(), gradeNote())
	require.True(t, outcome.Success, outcome.Error)

	require.Len(t, s.gradeReqs, 1, "one note is one batched submission")
	req := s.gradeReqs[0]
	assert.Equal(t, "t1", req.TeacherID)
	assert.Equal(t, "term-2025-1", req.TermID, "term resolved from the remote, not stored locally")
	assert.Equal(t, "test", req.GradeType)
	assert.Equal(t, StatusDraft, req.Status)
	require.Len(t, req.Grades, 3)
	assert.Equal(t, []StudentGrade{
		{StudentID: "stu-a", Grade: 12},
		{StudentID: "stu-b", Grade: 15},
		{StudentID: "stu-c", Grade: 9},
	}, req.Grades)
	assert.Empty(t, s.noteReqs)
}

func TestPublish_SubmittedStatus(t *testing.T) {
	s := newStub()
	a := NewAdapter(s, s, s, WithStatus(StatusSubmitted))

	outcome := a.Publish(context.Background(), gradeNote())
	require.True(t, outcome.Success)
	assert.Equal(t, StatusSubmitted, s.gradeReqs[0].Status)
}

func TestPublish_GradeKindPerType(t *testing.T) {
	tests := []struct {
		typ  note.Type
		want string
	}{
		{note.TypeTests, "test"},
		{note.TypeQuizzes, "quiz"},
		{note.TypeLevelTests, "exam"},
		{note.TypeHomework, "homework"},
		{note.TypeParticipation, "participation"},
		{note.TypeProject, "project"},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			s := newStub()
			a := NewAdapter(s, s, s)
			n := gradeNote()
			n.Type = tt.typ

			outcome := a.Publish(context.Background(), n)
			require.True(t, outcome.Success)
			assert.Equal(t, tt.want, s.gradeReqs[0].GradeType)
		})
	}
}

func TestPublish_NonNumericGrade(t *testing.T) {
	s := newStub()
	a := NewAdapter(s, s, s)
	n := gradeNote()
	n.Details[1].Value = "absent"

	outcome := a.Publish(context.Background(), n)
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "stu-b")
	assert.Empty(t, s.gradeReqs, "nothing is submitted when a grade cannot parse")
}

func TestPublish_TermResolutionFailure(t *testing.T) {
	s := newStub()
	s.termErr = errors.New("no current term for school year sy1")
	a := NewAdapter(s, s, s)

	outcome := a.Publish(context.Background(), gradeNote())
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "no current term")
	assert.Empty(t, s.gradeReqs)
}

func TestPublish_RemoteRejectionSurfacedVerbatim(t *testing.T) {
	s := newStub()
	s.gradeErr = errors.New("grading window closed for term-2025-1")
	a := NewAdapter(s, s, s)

	outcome := a.Publish(context.Background(), gradeNote())
	assert.False(t, outcome.Success)
	assert.Equal(t, "grading window closed for term-2025-1", outcome.Error)
}

func TestPublish_BehaviorNoteFansOut(t *testing.T) {
	s := newStub()
	a := NewAdapter(s, s, s)

	outcome := a.Publish(context.Background(), behaviorNote())
	require.True(t, outcome.Success, outcome.Error)

	require.Len(t, s.noteReqs, 2, "one create call per student")
	assert.Empty(t, s.gradeReqs)

	first := s.noteReqs[0]
	assert.Equal(t, "stu-a", first.StudentID)
	assert.Equal(t, "behavior", first.Type)
	assert.Equal(t, "medium", first.Priority)
	assert.Equal(t, "Disrupted class", first.Title)
	assert.Equal(t, "Talked through the test", first.Content)
	assert.Equal(t, "d1", first.ClientRequestID, "detail id doubles as the dedupe key")
}

func TestPublish_GeneralNoteType(t *testing.T) {
	s := newStub()
	a := NewAdapter(s, s, s)
	n := behaviorNote()
	n.Type = note.TypeGeneral

	outcome := a.Publish(context.Background(), n)
	require.True(t, outcome.Success)
	assert.Equal(t, "general", s.noteReqs[0].Type)
}

func TestPublish_FanOutPartialFailure(t *testing.T) {
	s := newStub()
	s.failStudent = "stu-b"
	a := NewAdapter(s, s, s)

	outcome := a.Publish(context.Background(), behaviorNote())
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "stu-b")

	// stu-a's creation already happened and is not compensated; retrying the
	// whole note reissues both calls (at-least-once).
	require.Len(t, s.noteReqs, 1)
	assert.Equal(t, "stu-a", s.noteReqs[0].StudentID)

	outcome = a.Publish(context.Background(), behaviorNote())
	assert.False(t, outcome.Success)
	assert.Len(t, s.noteReqs, 2, "retry reissues the already-succeeded student too")
}

func TestPublish_SkipsDeletedDetails(t *testing.T) {
	s := newStub()
	a := NewAdapter(s, s, s)
	n := gradeNote()
	n.Details[2].Deleted = true

	outcome := a.Publish(context.Background(), n)
	require.True(t, outcome.Success)
	assert.Len(t, s.gradeReqs[0].Grades, 2)
}
