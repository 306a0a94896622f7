// Package syncqueue is the durable, per-entity-ordered log of pending local
// mutations awaiting remote application. It lives in the same database as the
// domain rows so a repository write and its delivery task commit atomically.
package syncqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roach88/slate/internal/localdb"
)

// Op is the mutation a queue item delivers.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Status is the delivery state of a queue item.
type Status string

const (
	// StatusPending: awaiting delivery.
	StatusPending Status = "pending"
	// StatusInFlight: claimed by the single-threaded consumer.
	StatusInFlight Status = "in_flight"
	// StatusFailed: attempts cap exceeded; parked until manually requeued.
	StatusFailed Status = "failed"
	// StatusDone: delivered. Never reprocessed.
	StatusDone Status = "done"
)

// EntityNote is the entity type recorded for note mutations.
const EntityNote = "notes"

// DefaultMaxAttempts matches the original client: three tries before parking.
const DefaultMaxAttempts = 3

// Item is one append-only log entry. It records the operation's net effect
// as an immutable payload snapshot; it is not a live reference and may
// outlive the entity it describes.
type Item struct {
	ID          string
	EntityType  string
	EntityID    string
	Op          Op
	Payload     []byte
	Attempts    int
	LastError   string
	Status      Status
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Execer is the subset of database/sql needed by Enqueue and CollapsePending,
// satisfied by both *sql.DB and *sql.Tx so callers can commit a queue append
// atomically with their own writes.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Queryer mirrors Execer for reads inside a caller-owned transaction.
type Queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queue provides the durable log operations over the shared database handle.
type Queue struct {
	mgr         *localdb.Manager
	maxAttempts int
	now         func() time.Time
	log         zerolog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxAttempts sets the retry cap before an item is parked as failed.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithNow overrides the clock, for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the queue's logger. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// New creates a Queue over the manager's database.
func New(mgr *localdb.Manager, opts ...Option) *Queue {
	q := &Queue{
		mgr:         mgr,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// NewID returns a time-sortable UUIDv7 queue item id. Dequeue order is
// id order, so ids double as the per-entity FIFO position.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Enqueue appends item with status pending and zero attempts. The Execer is
// typically the repository's open transaction so the domain write and the
// delivery task commit together.
func (q *Queue) Enqueue(ctx context.Context, ex Execer, item Item) error {
	if item.ID == "" {
		item.ID = NewID()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO sync_queue (id, entity_type, entity_id, op, payload, attempts, status, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`,
		item.ID,
		item.EntityType,
		item.EntityID,
		string(item.Op),
		string(item.Payload),
		string(StatusPending),
		q.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// DequeueBatch claims up to n of the oldest pending items and flips them to
// in_flight in one transaction. Single-flight is guaranteed by the status
// transition rather than locking; the consumer is single-threaded.
//
// Per-entity FIFO: an item is skipped while an older item for the same
// entity is still in_flight or parked as failed, so a retried or un-parked
// item is always delivered before anything queued after it.
func (q *Queue) DequeueBatch(ctx context.Context, n int) ([]Item, error) {
	db, err := q.mgr.Handle()
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("dequeue: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, op, payload, attempts, COALESCE(last_error, ''), status, created_at, processed_at
		FROM sync_queue q
		WHERE status = ?
		  AND NOT EXISTS (
			SELECT 1 FROM sync_queue blk
			WHERE blk.entity_id = q.entity_id
			  AND blk.id < q.id
			  AND blk.status IN (?, ?)
		  )
		ORDER BY id
		LIMIT ?
	`, string(StatusPending), string(StatusInFlight), string(StatusFailed), n)
	if err != nil {
		return nil, fmt.Errorf("dequeue: select: %w", err)
	}

	items, err := scanItems(rows)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	for i := range items {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET status = ? WHERE id = ?`,
			string(StatusInFlight), items[i].ID,
		); err != nil {
			return nil, fmt.Errorf("dequeue: claim %s: %w", items[i].ID, err)
		}
		items[i].Status = StatusInFlight
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dequeue: commit: %w", err)
	}

	return items, nil
}

// MarkDone transitions an item to its terminal done status.
func (q *Queue) MarkDone(ctx context.Context, id string) error {
	db, err := q.mgr.Handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, processed_at = ? WHERE id = ?
	`, string(StatusDone), q.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return nil
}

// MarkFailed records a delivery failure. The item returns to pending for
// retry unless its attempt count reaches the cap, at which point it is
// parked as failed and excluded from automatic draining.
func (q *Queue) MarkFailed(ctx context.Context, id, errMsg string) error {
	db, err := q.mgr.Handle()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark failed: begin tx: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRowContext(ctx,
		`SELECT attempts FROM sync_queue WHERE id = ?`, id,
	).Scan(&attempts); err != nil {
		return fmt.Errorf("mark failed: load attempts: %w", err)
	}

	attempts++
	status := StatusPending
	var processedAt any // stays NULL while the item will be retried
	if attempts >= q.maxAttempts {
		status = StatusFailed
		processedAt = q.now().UnixMilli()
		q.log.Warn().Str("item", id).Int("attempts", attempts).Msg("sync item parked after retry cap")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, attempts = ?, last_error = ?, processed_at = ? WHERE id = ?
	`, string(status), attempts, errMsg, processedAt, id); err != nil {
		return fmt.Errorf("mark failed: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark failed: commit: %w", err)
	}
	return nil
}

// Release returns claimed in_flight items to pending without counting an
// attempt. Used when a drain stops early on connectivity loss.
func (q *Queue) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	db, err := q.mgr.Handle()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := db.ExecContext(ctx, `
			UPDATE sync_queue SET status = ? WHERE id = ? AND status = ?
		`, string(StatusPending), id, string(StatusInFlight)); err != nil {
			return fmt.Errorf("release %s: %w", id, err)
		}
	}
	return nil
}

// RecoverInFlight returns every in_flight item to pending without counting
// an attempt, and reports how many were recovered. The consumer is
// single-threaded, so when no drain pass is running an in_flight row can
// only be the leftover of a crash or an aborted pass; callers invoke this at
// the start of a guarded pass, before claiming a new batch.
func (q *Queue) RecoverInFlight(ctx context.Context) (int, error) {
	db, err := q.mgr.Handle()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ? WHERE status = ?
	`, string(StatusPending), string(StatusInFlight))
	if err != nil {
		return 0, fmt.Errorf("recover in flight: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover in flight: rows affected: %w", err)
	}
	if n > 0 {
		q.log.Warn().Int64("recovered", n).Msg("requeued items left in flight by an interrupted pass")
	}
	return int(n), nil
}

// RequeueFailed un-parks failed items back to pending with a fresh attempt
// budget. Returns the number of items requeued.
func (q *Queue) RequeueFailed(ctx context.Context) (int, error) {
	db, err := q.mgr.Handle()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, attempts = 0 WHERE status = ?
	`, string(StatusPending), string(StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("requeue failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue failed: rows affected: %w", err)
	}
	return int(n), nil
}

// CompleteForEntity marks every non-terminal item for an entity done.
// Used after a user-initiated publish confirmed the entity's full state,
// which supersedes whatever the queued items would have delivered.
func (q *Queue) CompleteForEntity(ctx context.Context, entityID string) error {
	db, err := q.mgr.Handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, processed_at = ?
		WHERE entity_id = ? AND status IN (?, ?, ?)
	`, string(StatusDone), q.now().UnixMilli(), entityID,
		string(StatusPending), string(StatusInFlight), string(StatusFailed))
	if err != nil {
		return fmt.Errorf("complete for entity: %w", err)
	}
	return nil
}

// CollapsePending removes all still-pending items for an entity inside the
// caller's transaction. The repository uses this when a note is deleted
// before its create ever synced: the pending history collapses into the
// single delete task the caller enqueues next.
func (q *Queue) CollapsePending(ctx context.Context, ex Execer, entityID string) (int, error) {
	res, err := ex.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE entity_id = ? AND status = ?
	`, entityID, string(StatusPending))
	if err != nil {
		return 0, fmt.Errorf("collapse pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("collapse pending: rows affected: %w", err)
	}
	return int(n), nil
}

// Cleanup purges done items whose processed_at is older than retention.
// Scheduled work; never run inline with a drain pass.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	db, err := q.mgr.Handle()
	if err != nil {
		return 0, err
	}
	cutoff := q.now().Add(-retention).UnixMilli()
	res, err := db.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE status = ? AND processed_at IS NOT NULL AND processed_at < ?
	`, string(StatusDone), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup: rows affected: %w", err)
	}
	if n > 0 {
		q.log.Debug().Int64("purged", n).Msg("sync queue cleanup")
	}
	return int(n), nil
}

// PendingCount returns the number of pending items.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	db, err := q.mgr.Handle()
	if err != nil {
		return 0, err
	}
	var count int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE status = ?`, string(StatusPending),
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return count, nil
}

// FailedCount returns the number of parked items.
func (q *Queue) FailedCount(ctx context.Context) (int, error) {
	db, err := q.mgr.Handle()
	if err != nil {
		return 0, err
	}
	var count int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE status = ?`, string(StatusFailed),
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed count: %w", err)
	}
	return count, nil
}

// ItemsForEntity returns every item recorded for an entity in id order.
// Diagnostic read used by the CLI and tests.
func (q *Queue) ItemsForEntity(ctx context.Context, entityID string) ([]Item, error) {
	db, err := q.mgr.Handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, op, payload, attempts, COALESCE(last_error, ''), status, created_at, processed_at
		FROM sync_queue WHERE entity_id = ? ORDER BY id
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("items for entity: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, fmt.Errorf("items for entity: %w", err)
	}
	return items, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			item        Item
			op, status  string
			payload     string
			createdAt   int64
			processedAt sql.NullInt64
		)
		if err := rows.Scan(
			&item.ID, &item.EntityType, &item.EntityID, &op, &payload,
			&item.Attempts, &item.LastError, &status, &createdAt, &processedAt,
		); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		item.Op = Op(op)
		item.Status = Status(status)
		item.Payload = []byte(payload)
		item.CreatedAt = time.UnixMilli(createdAt)
		if processedAt.Valid {
			t := time.UnixMilli(processedAt.Int64)
			item.ProcessedAt = &t
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}
