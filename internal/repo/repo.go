// Package repo implements the domain repository over the local store.
//
// Contract: every mutating call runs as one transaction that writes the
// note rows, moves the note to the dirty state, and appends exactly one
// sync queue item capturing the operation's net effect. No committed
// mutation exists without its delivery task and no task without its
// mutation.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/slate/internal/localdb"
	"github.com/roach88/slate/internal/note"
	"github.com/roach88/slate/internal/syncqueue"
)

// ErrNoteNotFound is returned when a mutation references a note that does
// not exist or has been tombstoned.
var ErrNoteNotFound = errors.New("repo: note not found")

// ValidationError reports malformed input, rejected before any row or queue
// item is written.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("repo: invalid input: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CreateNoteInput describes a new note. Type accepts the current taxonomy
// and the legacy aliases.
type CreateNoteInput struct {
	ID           string        `validate:"omitempty,uuid"`
	TeacherID    string        `validate:"required"`
	SchoolID     string        `validate:"required"`
	ClassID      string        `validate:"required"`
	SubjectID    string        `validate:"-"`
	SchoolYearID string        `validate:"-"`
	TermID       string        `validate:"-"`
	Type         string        `validate:"required"`
	Title        string        `validate:"required"`
	Description  string        `validate:"-"`
	Details      []DetailInput `validate:"omitempty,dive"`
}

// DetailInput is one student's value within a note.
type DetailInput struct {
	StudentID string `validate:"required"`
	Value     string `validate:"required"`
}

// UpdateNoteInput carries partial note updates. Nil fields are untouched.
type UpdateNoteInput struct {
	Title       *string       `validate:"omitempty,min=1"`
	Description *string       `validate:"-"`
	Details     []DetailInput `validate:"omitempty,dive"`
}

// Repo is the domain repository. All storage access goes through the
// injected manager; the queue shares the same handle so writes and enqueues
// commit together.
type Repo struct {
	mgr      *localdb.Manager
	queue    *syncqueue.Queue
	validate *validator.Validate
	now      func() time.Time
	log      zerolog.Logger
}

// Option configures a Repo.
type Option func(*Repo)

// WithNow overrides the clock, for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(r *Repo) { r.now = now }
}

// WithLogger sets the repository logger. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Repo) { r.log = log }
}

// New creates a Repo over the shared manager and queue.
func New(mgr *localdb.Manager, queue *syncqueue.Queue, opts ...Option) *Repo {
	r := &Repo{
		mgr:      mgr,
		queue:    queue,
		validate: validator.New(),
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateNote stores a new note with its details and enqueues its delivery.
//
// Creation is idempotent by natural key: if a non-deleted note already
// exists for (teacher, class, subject, term, type), it is updated in place
// and an update task is enqueued instead of duplicating the note.
func (r *Repo) CreateNote(ctx context.Context, in CreateNoteInput) (*note.NoteWithDetails, error) {
	if err := r.validate.Struct(in); err != nil {
		return nil, &ValidationError{Err: err}
	}
	typ := note.ParseType(in.Type)
	if !validType(typ) {
		return nil, &ValidationError{Err: fmt.Errorf("unknown note type %q", in.Type)}
	}

	db, err := r.mgr.Handle()
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create note: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := r.now()
	title := norm.NFC.String(in.Title)

	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM notes
		WHERE teacher_id = ? AND class_id = ? AND subject_id = ? AND term_id = ? AND type = ?
		  AND state != ?
	`, in.TeacherID, in.ClassID, in.SubjectID, in.TermID, string(typ), string(note.StateDeleted)).Scan(&existingID)

	op := syncqueue.OpCreate
	noteID := in.ID
	switch {
	case err == nil:
		// Second create on the same natural key updates in place.
		op = syncqueue.OpUpdate
		noteID = existingID
		if _, err := tx.ExecContext(ctx, `
			UPDATE notes SET title = ?, description = ?, school_year_id = ?, state = ?, updated_at = ?
			WHERE id = ?
		`, title, in.Description, in.SchoolYearID, string(note.StateDirty), now.UnixMilli(), noteID); err != nil {
			return nil, fmt.Errorf("create note: update existing: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		if noteID == "" {
			noteID = syncqueue.NewID()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notes (id, teacher_id, school_id, class_id, subject_id, school_year_id, term_id,
				type, title, description, state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, noteID, in.TeacherID, in.SchoolID, in.ClassID, in.SubjectID, in.SchoolYearID, in.TermID,
			string(typ), title, in.Description, string(note.StateDirty), now.UnixMilli(), now.UnixMilli(),
		); err != nil {
			return nil, fmt.Errorf("create note: insert: %w", err)
		}
	default:
		return nil, fmt.Errorf("create note: find by natural key: %w", err)
	}

	for _, d := range in.Details {
		if err := upsertDetailTx(ctx, tx, noteID, d, now); err != nil {
			return nil, fmt.Errorf("create note: %w", err)
		}
	}

	nwd, err := loadNoteTx(ctx, tx, noteID)
	if err != nil {
		return nil, fmt.Errorf("create note: %w", err)
	}

	if err := r.enqueueSnapshot(ctx, tx, op, nwd); err != nil {
		return nil, fmt.Errorf("create note: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create note: commit: %w", err)
	}

	r.log.Debug().Str("note", noteID).Str("op", string(op)).Msg("note saved locally")
	return nwd, nil
}

// UpdateNote applies partial updates and upserts any supplied details,
// enqueueing one update task for the note's net state.
func (r *Repo) UpdateNote(ctx context.Context, noteID string, in UpdateNoteInput) (*note.NoteWithDetails, error) {
	if err := r.validate.Struct(in); err != nil {
		return nil, &ValidationError{Err: err}
	}

	db, err := r.mgr.Handle()
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update note: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := r.now()
	if err := requireLiveNote(ctx, tx, noteID); err != nil {
		return nil, err
	}

	if in.Title != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE notes SET title = ? WHERE id = ?`,
			norm.NFC.String(*in.Title), noteID); err != nil {
			return nil, fmt.Errorf("update note: title: %w", err)
		}
	}
	if in.Description != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE notes SET description = ? WHERE id = ?`,
			*in.Description, noteID); err != nil {
			return nil, fmt.Errorf("update note: description: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE notes SET state = ?, updated_at = ? WHERE id = ?`,
		string(note.StateDirty), now.UnixMilli(), noteID); err != nil {
		return nil, fmt.Errorf("update note: mark dirty: %w", err)
	}

	for _, d := range in.Details {
		if err := upsertDetailTx(ctx, tx, noteID, d, now); err != nil {
			return nil, fmt.Errorf("update note: %w", err)
		}
	}

	nwd, err := loadNoteTx(ctx, tx, noteID)
	if err != nil {
		return nil, fmt.Errorf("update note: %w", err)
	}

	if err := r.enqueueSnapshot(ctx, tx, syncqueue.OpUpdate, nwd); err != nil {
		return nil, fmt.Errorf("update note: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update note: commit: %w", err)
	}
	return nwd, nil
}

// UpsertDetail records one student's value, creating or updating the detail
// row, and enqueues one update task for the parent note.
func (r *Repo) UpsertDetail(ctx context.Context, noteID string, d DetailInput) error {
	if err := r.validate.Struct(d); err != nil {
		return &ValidationError{Err: err}
	}

	db, err := r.mgr.Handle()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert detail: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := r.now()
	if err := requireLiveNote(ctx, tx, noteID); err != nil {
		return err
	}

	if err := upsertDetailTx(ctx, tx, noteID, d, now); err != nil {
		return fmt.Errorf("upsert detail: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE notes SET state = ?, updated_at = ? WHERE id = ?`,
		string(note.StateDirty), now.UnixMilli(), noteID); err != nil {
		return fmt.Errorf("upsert detail: mark dirty: %w", err)
	}

	nwd, err := loadNoteTx(ctx, tx, noteID)
	if err != nil {
		return fmt.Errorf("upsert detail: %w", err)
	}

	if err := r.enqueueSnapshot(ctx, tx, syncqueue.OpUpdate, nwd); err != nil {
		return fmt.Errorf("upsert detail: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert detail: commit: %w", err)
	}
	return nil
}

// DeleteNote soft-deletes a note and its details. The note stays as a
// tombstone so the deletion can sync. Pending queue history for the note is
// collapsed into the single delete task: the remote must never receive data
// that should never have existed there.
func (r *Repo) DeleteNote(ctx context.Context, noteID string) error {
	db, err := r.mgr.Handle()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete note: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := r.now()
	if err := requireLiveNote(ctx, tx, noteID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE notes SET state = ?, updated_at = ? WHERE id = ?`,
		string(note.StateDeleted), now.UnixMilli(), noteID); err != nil {
		return fmt.Errorf("delete note: tombstone: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE note_details SET is_deleted = 1 WHERE note_id = ?`,
		noteID); err != nil {
		return fmt.Errorf("delete note: details: %w", err)
	}

	collapsed, err := r.queue.CollapsePending(ctx, tx, noteID)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	if collapsed > 0 {
		r.log.Debug().Str("note", noteID).Int("collapsed", collapsed).Msg("collapsed pending queue history")
	}

	payload, err := json.Marshal(map[string]string{"id": noteID})
	if err != nil {
		return fmt.Errorf("delete note: payload: %w", err)
	}
	if err := r.queue.Enqueue(ctx, tx, syncqueue.Item{
		EntityType: syncqueue.EntityNote,
		EntityID:   noteID,
		Op:         syncqueue.OpDelete,
		Payload:    payload,
	}); err != nil {
		return fmt.Errorf("delete note: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete note: commit: %w", err)
	}
	return nil
}

// MarkPublished records remote acceptance: the note leaves the dirty state
// and is stamped with its sync time. No queue item is appended; this is the
// confirmation path, not a new mutation. Called by the orchestrator only.
func (r *Repo) MarkPublished(ctx context.Context, noteID string) error {
	db, err := r.mgr.Handle()
	if err != nil {
		return err
	}
	now := r.now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		UPDATE notes SET state = ?, last_sync_at = ?, updated_at = ? WHERE id = ? AND state != ?
	`, string(note.StatePublished), now, now, noteID, string(note.StateDeleted))
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNoteNotFound
	}
	return nil
}

// PurgeNotes hard-deletes notes, their details, and their queue history.
// Only valid after the remote has confirmed the notes (ClearAfterPublish).
func (r *Repo) PurgeNotes(ctx context.Context, noteIDs []string) error {
	if len(noteIDs) == 0 {
		return nil
	}
	db, err := r.mgr.Handle()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("purge notes: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, id := range noteIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM note_details WHERE note_id = ?`, id); err != nil {
			return fmt.Errorf("purge notes: details %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id); err != nil {
			return fmt.Errorf("purge notes: note %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE entity_id = ?`, id); err != nil {
			return fmt.Errorf("purge notes: queue %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("purge notes: commit: %w", err)
	}
	return nil
}

// enqueueSnapshot appends exactly one queue item carrying the note's full
// current state inside the caller's transaction.
func (r *Repo) enqueueSnapshot(ctx context.Context, tx *sql.Tx, op syncqueue.Op, nwd *note.NoteWithDetails) error {
	payload, err := json.Marshal(snapshotFrom(nwd))
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return r.queue.Enqueue(ctx, tx, syncqueue.Item{
		EntityType: syncqueue.EntityNote,
		EntityID:   nwd.ID,
		Op:         op,
		Payload:    payload,
	})
}

func validType(t note.Type) bool {
	switch t {
	case note.TypeTests, note.TypeQuizzes, note.TypeLevelTests,
		note.TypeHomework, note.TypeParticipation, note.TypeProject,
		note.TypeBehavior, note.TypeGeneral, note.TypeOther:
		return true
	}
	return false
}

func requireLiveNote(ctx context.Context, tx *sql.Tx, noteID string) error {
	var state string
	err := tx.QueryRowContext(ctx, `SELECT state FROM notes WHERE id = ?`, noteID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoteNotFound
	}
	if err != nil {
		return fmt.Errorf("load note state: %w", err)
	}
	if note.SyncState(state).IsDeleted() {
		return ErrNoteNotFound
	}
	return nil
}

func upsertDetailTx(ctx context.Context, tx *sql.Tx, noteID string, d DetailInput, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO note_details (id, note_id, student_id, value, graded_at, is_deleted)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(note_id, student_id) DO UPDATE SET
			value = excluded.value,
			graded_at = excluded.graded_at,
			is_deleted = 0
	`, syncqueue.NewID(), noteID, d.StudentID, d.Value, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert detail %s: %w", d.StudentID, err)
	}
	return nil
}
