package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/slate/internal/note"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const noteColumns = `id, teacher_id, school_id, class_id, subject_id, school_year_id, term_id,
	type, title, description, state, created_at, updated_at, last_sync_at`

// ListOptions filters note listings.
type ListOptions struct {
	// IncludeUnpublished includes notes still awaiting remote confirmation.
	IncludeUnpublished bool
	// ClassID restricts GetNotesByTeacher to one class.
	ClassID string
}

// UnpublishedFilter scopes the in-progress-draft queries a UI uses to warn
// about an existing draft for the same class.
type UnpublishedFilter struct {
	TeacherID string
	SchoolID  string
	ClassID   string
	SubjectID string // optional
}

// GetNoteByID loads a note with its non-deleted details.
// Returns (nil, nil) when the note does not exist or is tombstoned.
func (r *Repo) GetNoteByID(ctx context.Context, noteID string) (*note.NoteWithDetails, error) {
	db, err := r.mgr.Handle()
	if err != nil {
		return nil, err
	}
	nwd, err := loadNoteTx(ctx, db, noteID)
	if errors.Is(err, ErrNoteNotFound) {
		return nil, nil
	}
	return nwd, err
}

// FindNote returns the single non-deleted note for a natural key, or nil.
// The partial unique index guarantees at most one match.
func (r *Repo) FindNote(ctx context.Context, key note.NaturalKey) (*note.NoteWithDetails, error) {
	db, err := r.mgr.Handle()
	if err != nil {
		return nil, err
	}
	var id string
	err = db.QueryRowContext(ctx, `
		SELECT id FROM notes
		WHERE teacher_id = ? AND class_id = ? AND subject_id = ? AND term_id = ? AND type = ?
		  AND state != ?
	`, key.TeacherID, key.ClassID, key.SubjectID, key.TermID, string(key.Type),
		string(note.StateDeleted)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find note: %w", err)
	}
	return r.GetNoteByID(ctx, id)
}

// GetNotesByClass lists non-deleted notes for a class, newest first.
// Unpublished notes are excluded unless opts.IncludeUnpublished is set.
func (r *Repo) GetNotesByClass(ctx context.Context, classID string, opts ListOptions) ([]note.Note, error) {
	db, err := r.mgr.Handle()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + noteColumns + ` FROM notes WHERE class_id = ? AND state != ?`
	args := []any{classID, string(note.StateDeleted)}
	if !opts.IncludeUnpublished {
		query += ` AND state = ?`
		args = append(args, string(note.StatePublished))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("notes by class: %w", err)
	}
	return scanNotes(rows)
}

// GetNotesByTeacher lists non-deleted notes for a teacher, newest first,
// optionally restricted to one class.
func (r *Repo) GetNotesByTeacher(ctx context.Context, teacherID string, opts ListOptions) ([]note.Note, error) {
	db, err := r.mgr.Handle()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + noteColumns + ` FROM notes WHERE teacher_id = ? AND state != ?`
	args := []any{teacherID, string(note.StateDeleted)}
	if opts.ClassID != "" {
		query += ` AND class_id = ?`
		args = append(args, opts.ClassID)
	}
	if !opts.IncludeUnpublished {
		query += ` AND state = ?`
		args = append(args, string(note.StatePublished))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("notes by teacher: %w", err)
	}
	return scanNotes(rows)
}

// GetUnpublishedNotes returns every dirty, non-deleted note with its
// details, newest first. This is the orchestrator's publish worklist.
func (r *Repo) GetUnpublishedNotes(ctx context.Context) ([]note.NoteWithDetails, error) {
	db, err := r.mgr.Handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE state = ? ORDER BY created_at DESC`,
		string(note.StateDirty))
	if err != nil {
		return nil, fmt.Errorf("unpublished notes: %w", err)
	}
	notes, err := scanNotes(rows)
	if err != nil {
		return nil, err
	}

	out := make([]note.NoteWithDetails, 0, len(notes))
	for _, n := range notes {
		details, err := loadDetails(ctx, db, n.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, note.NoteWithDetails{Note: n, Details: details})
	}
	return out, nil
}

// FindUnpublishedNote returns the most recently edited not-yet-published
// note matching the filter, or nil. Used to warn a teacher that a draft for
// the same class/subject is already in progress.
func (r *Repo) FindUnpublishedNote(ctx context.Context, f UnpublishedFilter) (*note.NoteWithDetails, error) {
	db, err := r.mgr.Handle()
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id FROM notes
		WHERE class_id = ? AND school_id = ? AND teacher_id = ?
		  AND state IN (?, ?)`
	args := []any{f.ClassID, f.SchoolID, f.TeacherID,
		string(note.StateClean), string(note.StateDirty)}
	if f.SubjectID != "" {
		query += ` AND subject_id = ?`
		args = append(args, f.SubjectID)
	}
	query += ` ORDER BY updated_at DESC LIMIT 1`

	var id string
	err = db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find unpublished note: %w", err)
	}
	return r.GetNoteByID(ctx, id)
}

// CountUnpublishedNotes counts not-yet-published notes matching the filter.
func (r *Repo) CountUnpublishedNotes(ctx context.Context, f UnpublishedFilter) (int, error) {
	db, err := r.mgr.Handle()
	if err != nil {
		return 0, err
	}
	var count int
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notes
		WHERE class_id = ? AND school_id = ? AND teacher_id = ?
		  AND state IN (?, ?)
	`, f.ClassID, f.SchoolID, f.TeacherID,
		string(note.StateClean), string(note.StateDirty)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unpublished notes: %w", err)
	}
	return count, nil
}

// GetDetailsByNote returns a note's non-deleted details.
func (r *Repo) GetDetailsByNote(ctx context.Context, noteID string) ([]note.Detail, error) {
	db, err := r.mgr.Handle()
	if err != nil {
		return nil, err
	}
	return loadDetails(ctx, db, noteID)
}

// loadNoteTx loads a live note with details through any querier, so the
// write paths can snapshot the net state inside their own transaction.
func loadNoteTx(ctx context.Context, q querier, noteID string) (*note.NoteWithDetails, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE id = ? AND state != ?`,
		noteID, string(note.StateDeleted))

	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load note: %w", err)
	}

	details, err := loadDetails(ctx, q, noteID)
	if err != nil {
		return nil, err
	}
	return &note.NoteWithDetails{Note: n, Details: details}, nil
}

func loadDetails(ctx context.Context, q querier, noteID string) ([]note.Detail, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, note_id, student_id, value, graded_at, is_deleted
		FROM note_details WHERE note_id = ? AND is_deleted = 0
		ORDER BY student_id
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("load details: %w", err)
	}
	defer rows.Close()

	var details []note.Detail
	for rows.Next() {
		var (
			d        note.Detail
			gradedAt sql.NullInt64
			deleted  int
		)
		if err := rows.Scan(&d.ID, &d.NoteID, &d.StudentID, &d.Value, &gradedAt, &deleted); err != nil {
			return nil, fmt.Errorf("scan detail: %w", err)
		}
		if gradedAt.Valid {
			t := time.UnixMilli(gradedAt.Int64)
			d.GradedAt = &t
		}
		d.Deleted = deleted != 0
		details = append(details, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate details: %w", err)
	}
	return details, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (note.Note, error) {
	var (
		n          note.Note
		typ, state string
		createdAt  int64
		updatedAt  int64
		lastSyncAt sql.NullInt64
	)
	err := row.Scan(
		&n.ID, &n.TeacherID, &n.SchoolID, &n.ClassID, &n.SubjectID, &n.SchoolYearID, &n.TermID,
		&typ, &n.Title, &n.Description, &state, &createdAt, &updatedAt, &lastSyncAt,
	)
	if err != nil {
		return n, err
	}
	n.Type = note.Type(typ)
	n.State = note.SyncState(state)
	n.CreatedAt = time.UnixMilli(createdAt)
	n.UpdatedAt = time.UnixMilli(updatedAt)
	if lastSyncAt.Valid {
		t := time.UnixMilli(lastSyncAt.Int64)
		n.LastSyncAt = &t
	}
	return n, nil
}

func scanNotes(rows *sql.Rows) ([]note.Note, error) {
	defer rows.Close()

	var notes []note.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return notes, nil
}
