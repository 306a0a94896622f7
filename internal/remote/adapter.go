// Package remote is the reference publish adapter: it translates a local
// note with details into calls against the authoritative backend. The
// backend itself is a black box reached only through the three collaborator
// interfaces below.
package remote

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/roach88/slate/internal/note"
	"github.com/roach88/slate/internal/orchestrator"
)

// Term is the remote's current academic term for a school year.
type Term struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// StudentGrade is one (student, grade) pair in a submission.
type StudentGrade struct {
	StudentID string  `json:"studentId"`
	Grade     float64 `json:"grade"`
}

// SubmitGradesRequest is the remote "submit grades" operation input.
type SubmitGradesRequest struct {
	TeacherID    string         `json:"teacherId"`
	SchoolID     string         `json:"schoolId"`
	SchoolYearID string         `json:"schoolYearId"`
	ClassID      string         `json:"classId"`
	SubjectID    string         `json:"subjectId"`
	TermID       string         `json:"termId"`
	GradeType    string         `json:"gradeType"`
	Status       string         `json:"status"` // draft | submitted
	Grades       []StudentGrade `json:"grades"`
}

// CreateStudentNoteRequest is the remote "create student note" input.
// ClientRequestID is a client-generated id an idempotent remote can use to
// dedupe the fan-out under retry; a remote that ignores it will see
// duplicate rows, which at-least-once delivery accepts.
type CreateStudentNoteRequest struct {
	ClientRequestID string `json:"clientRequestId"`
	StudentID       string `json:"studentId"`
	ClassID         string `json:"classId"`
	TeacherID       string `json:"teacherId"`
	Title           string `json:"title"`
	Content         string `json:"content"`
	Type            string `json:"type"`     // behavior | academic | attendance | general
	Priority        string `json:"priority"` // low | medium | high | urgent
	IsPrivate       bool   `json:"isPrivate"`
}

// GradeSubmitter issues one batched grade submission.
type GradeSubmitter interface {
	SubmitGrades(ctx context.Context, req SubmitGradesRequest) error
}

// NoteCreator creates one student note. No batch endpoint is assumed.
type NoteCreator interface {
	CreateStudentNote(ctx context.Context, req CreateStudentNoteRequest) error
}

// TermResolver resolves the current academic term for a school year.
type TermResolver interface {
	CurrentTerm(ctx context.Context, schoolYearID string) (*Term, error)
}

// StatusDraft and StatusSubmitted are the grade submission statuses.
const (
	StatusDraft     = "draft"
	StatusSubmitted = "submitted"
)

// Adapter turns a NoteWithDetails into backend calls. Grade-bearing notes
// become one submit-grades call; behavior/general/other notes fan out as
// one create-note call per student, which is not atomic: per-student calls
// that succeeded before a failure are not compensated.
type Adapter struct {
	grades GradeSubmitter
	notes  NoteCreator
	terms  TermResolver
	status string
	log    zerolog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithStatus sets the grade submission status (draft or submitted).
// Defaults to draft.
func WithStatus(status string) Option {
	return func(a *Adapter) { a.status = status }
}

// WithLogger sets the adapter logger. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// NewAdapter creates the reference adapter over the three collaborators.
func NewAdapter(grades GradeSubmitter, notes NoteCreator, terms TermResolver, opts ...Option) *Adapter {
	a := &Adapter{
		grades: grades,
		notes:  notes,
		terms:  terms,
		status: StatusDraft,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Publish implements orchestrator.RemotePublishHandler. Any remote failure
// is surfaced verbatim in the outcome's error string.
func (a *Adapter) Publish(ctx context.Context, nwd *note.NoteWithDetails) orchestrator.PublishOutcome {
	if nwd.Type.IsGradeBearing() {
		return a.publishGrades(ctx, nwd)
	}
	return a.publishStudentNotes(ctx, nwd)
}

func (a *Adapter) publishGrades(ctx context.Context, nwd *note.NoteWithDetails) orchestrator.PublishOutcome {
	term, err := a.terms.CurrentTerm(ctx, nwd.SchoolYearID)
	if err != nil {
		return failure(fmt.Sprintf("resolve current term: %v", err))
	}

	grades := make([]StudentGrade, 0, len(nwd.Details))
	for _, d := range nwd.Details {
		if d.Deleted {
			continue
		}
		value, err := strconv.ParseFloat(d.Value, 64)
		if err != nil {
			return failure(fmt.Sprintf("grade for student %s is not numeric: %q", d.StudentID, d.Value))
		}
		grades = append(grades, StudentGrade{StudentID: d.StudentID, Grade: value})
	}

	req := SubmitGradesRequest{
		TeacherID:    nwd.TeacherID,
		SchoolID:     nwd.SchoolID,
		SchoolYearID: nwd.SchoolYearID,
		ClassID:      nwd.ClassID,
		SubjectID:    nwd.SubjectID,
		TermID:       term.ID,
		GradeType:    note.GradeKind(string(nwd.Type)),
		Status:       a.status,
		Grades:       grades,
	}
	if err := a.grades.SubmitGrades(ctx, req); err != nil {
		return failure(err.Error())
	}

	a.log.Debug().Str("note", nwd.ID).Int("grades", len(grades)).Msg("grades submitted")
	return orchestrator.PublishOutcome{Success: true}
}

func (a *Adapter) publishStudentNotes(ctx context.Context, nwd *note.NoteWithDetails) orchestrator.PublishOutcome {
	noteType := "general"
	if nwd.Type == note.TypeBehavior {
		noteType = "behavior"
	}

	for _, d := range nwd.Details {
		if d.Deleted {
			continue
		}
		req := CreateStudentNoteRequest{
			ClientRequestID: d.ID,
			StudentID:       d.StudentID,
			ClassID:         nwd.ClassID,
			TeacherID:       nwd.TeacherID,
			Title:           nwd.Title,
			Content:         d.Value,
			Type:            noteType,
			Priority:        "medium",
			IsPrivate:       false,
		}
		if err := a.notes.CreateStudentNote(ctx, req); err != nil {
			// Earlier per-student creations are not rolled back.
			return failure(fmt.Sprintf("create note for student %s: %v", d.StudentID, err))
		}
	}

	a.log.Debug().Str("note", nwd.ID).Int("students", len(nwd.Details)).Msg("student notes created")
	return orchestrator.PublishOutcome{Success: true}
}

func failure(msg string) orchestrator.PublishOutcome {
	return orchestrator.PublishOutcome{Success: false, Error: msg}
}
