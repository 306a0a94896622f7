// Package note defines the domain model for locally recorded gradebook
// entries and behavior notes: the Note/Detail records, the note type
// taxonomy with its legacy aliases, and the per-note sync state machine.
package note

import "time"

// Type classifies what a Note carries: a batch of grades for one kind of
// assessment, or a batch of behavioral/general observations.
type Type string

const (
	TypeTests         Type = "tests"
	TypeQuizzes       Type = "quizzes"
	TypeLevelTests    Type = "level_tests"
	TypeHomework      Type = "homework"
	TypeParticipation Type = "participation"
	TypeProject       Type = "project"
	TypeBehavior      Type = "behavior"
	TypeGeneral       Type = "general"
	TypeOther         Type = "other"
)

// legacyAliases maps note types from older local schemas onto the current
// taxonomy. Devices in the field may still carry rows written with these.
// Each alias keeps a distinct type so its remote grade kind survives the
// round trip through storage.
var legacyAliases = map[string]Type{
	"CLASS_TEST":       TypeTests,
	"WRITING_QUESTION": TypeQuizzes,
	"EXAM":             TypeLevelTests,
	"HOMEWORK":         TypeHomework,
	"PARTICIPATION":    TypeParticipation,
	"PROJECT":          TypeProject,
}

// ParseType normalizes a raw type string, resolving legacy aliases.
// Unrecognized values are returned as-is; callers validate separately.
func ParseType(raw string) Type {
	if t, ok := legacyAliases[raw]; ok {
		return t
	}
	return Type(raw)
}

// IsGradeBearing reports whether notes of this type submit grades to the
// remote backend. Behavior, general and other notes fan out as per-student
// note creations instead.
func (t Type) IsGradeBearing() bool {
	switch t {
	case TypeBehavior, TypeGeneral, TypeOther:
		return false
	}
	return true
}

// GradeKind maps the local type onto the remote grade type vocabulary.
// Unrecognized types default to "test".
func GradeKind(raw string) string {
	switch t := ParseType(raw); t {
	case TypeTests:
		return "test"
	case TypeQuizzes:
		return "quiz"
	case TypeLevelTests:
		return "exam"
	case TypeHomework, TypeParticipation, TypeProject:
		return string(t)
	}
	return "test"
}

// SyncState is the per-note sync lifecycle. It replaces the
// isDirty/isPublished/isDeleted boolean trio so that illegal combinations
// (deleted yet dirty, published yet dirty) cannot be represented.
type SyncState string

const (
	// StateClean: locally stored and in agreement with the remote backend.
	StateClean SyncState = "clean"
	// StateDirty: mutated locally, not yet confirmed by the remote.
	StateDirty SyncState = "dirty"
	// StatePublished: confirmed accepted by the remote backend.
	StatePublished SyncState = "published"
	// StateDeleted: soft tombstone. Never removed from the local store so
	// the deletion itself can still be synced.
	StateDeleted SyncState = "deleted"
)

// Valid reports whether s is one of the four defined states.
func (s SyncState) Valid() bool {
	switch s {
	case StateClean, StateDirty, StatePublished, StateDeleted:
		return true
	}
	return false
}

// IsDirty reports whether the note has local changes awaiting the remote.
func (s SyncState) IsDirty() bool { return s == StateDirty }

// IsPublished reports whether the remote has confirmed acceptance.
func (s SyncState) IsPublished() bool { return s == StatePublished }

// IsDeleted reports whether the note is a tombstone.
func (s SyncState) IsDeleted() bool { return s == StateDeleted }

// Note is one gradebook entry or behavior-note batch, owned exclusively by
// the teacher who created it on this device.
type Note struct {
	ID           string
	TeacherID    string
	SchoolID     string
	ClassID      string
	SubjectID    string // optional; empty when the note is not subject-bound
	SchoolYearID string // optional
	TermID       string // optional
	Type         Type
	Title        string
	Description  string
	State        SyncState
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastSyncAt   *time.Time
}

// Detail is one student's value within a Note. Many per Note.
type Detail struct {
	ID        string
	NoteID    string
	StudentID string
	Value     string
	GradedAt  *time.Time
	Deleted   bool
}

// NoteWithDetails is the unit handed to the remote publish handler:
// a note together with its non-deleted details.
type NoteWithDetails struct {
	Note
	Details []Detail
}

// NaturalKey identifies the at-most-one non-deleted note a teacher may hold
// for a given class/subject/term/type combination.
type NaturalKey struct {
	TeacherID string
	ClassID   string
	SubjectID string
	TermID    string
	Type      Type
}

// Key returns the note's natural key.
func (n *Note) Key() NaturalKey {
	return NaturalKey{
		TeacherID: n.TeacherID,
		ClassID:   n.ClassID,
		SubjectID: n.SubjectID,
		TermID:    n.TermID,
		Type:      n.Type,
	}
}
