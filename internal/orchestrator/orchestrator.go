// Package orchestrator drains the durable sync queue against a pluggable
// remote publish handler.
//
// The engine is single-writer: at most one drain pass runs at a time,
// enforced by a guard flag rather than locking, and items are processed
// strictly sequentially so per-entity commit order is preserved on the
// remote. Delivery is at-least-once; the injected handler must tolerate
// seeing the same note more than once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/slate/internal/note"
	"github.com/roach88/slate/internal/repo"
	"github.com/roach88/slate/internal/syncqueue"
)

// ErrSyncInProgress is returned when a drain or publish pass is requested
// while another is running.
var ErrSyncInProgress = errors.New("orchestrator: sync already in progress")

// PublishOutcome is the handler's verdict for one note. Error carries the
// remote's message verbatim when Success is false.
type PublishOutcome struct {
	Success bool
	Error   string
}

// RemotePublishHandler pushes one note with its details to the remote
// backend. It is the sole extension point for any transport and is
// responsible for its own network timeouts: it must always return an
// outcome rather than hang.
type RemotePublishHandler func(ctx context.Context, n *note.NoteWithDetails) PublishOutcome

// ItemError pairs a note id with the error that kept it from syncing.
type ItemError struct {
	NoteID string `json:"note_id"`
	Error  string `json:"error"`
}

// Result reports one drain or publish pass. Partial failure is expected
// steady-state behavior, so outcomes are values, never thrown errors.
type Result struct {
	// Deferred is set when the pass was skipped because the device is
	// offline. Not an error; no retry counts are touched.
	Deferred bool        `json:"deferred,omitempty"`
	Success  bool        `json:"success"`
	Synced   []string    `json:"synced,omitempty"`
	Failed   []string    `json:"failed,omitempty"`
	Errors   []ItemError `json:"errors,omitempty"`
}

// Progress is the publish position a UI can render.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// DefaultBatchSize bounds how many queue items one drain pass claims.
const DefaultBatchSize = 50

// DefaultRetention is how long done queue items are kept for diagnostics.
const DefaultRetention = 24 * time.Hour

// DefaultCleanupInterval is how often the scheduled cleanup runs.
const DefaultCleanupInterval = time.Hour

// Orchestrator coordinates queue draining, user-initiated publishing,
// connectivity, and queue cleanup. The remote handler is injected at
// construction so there is no window between registration and draining.
type Orchestrator struct {
	repo    *repo.Repo
	queue   *syncqueue.Queue
	handler RemotePublishHandler

	batchSize       int
	retention       time.Duration
	cleanupInterval time.Duration
	connectivity    func() bool
	log             zerolog.Logger

	online   atomic.Bool
	draining atomic.Bool

	mu         sync.Mutex
	progress   Progress
	lastResult *Result
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBatchSize bounds items claimed per drain pass.
func WithBatchSize(n int) Option {
	return func(o *Orchestrator) { o.batchSize = n }
}

// WithRetention sets how long done queue items are kept.
func WithRetention(d time.Duration) Option {
	return func(o *Orchestrator) { o.retention = d }
}

// WithCleanupInterval sets the scheduled cleanup cadence.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.cleanupInterval = d }
}

// WithConnectivity supplies an external connectivity probe consulted before
// each item. When set it overrides the SetOnline flag.
func WithConnectivity(probe func() bool) Option {
	return func(o *Orchestrator) { o.connectivity = probe }
}

// WithLogger sets the orchestrator logger. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// New creates an Orchestrator. The handler is a constructor-time strategy;
// passing nil panics, since a queue drain without a transport is a
// programming error, not a runtime condition.
func New(r *repo.Repo, q *syncqueue.Queue, handler RemotePublishHandler, opts ...Option) *Orchestrator {
	if handler == nil {
		panic("orchestrator: nil RemotePublishHandler")
	}
	o := &Orchestrator{
		repo:            r,
		queue:           q,
		handler:         handler,
		batchSize:       DefaultBatchSize,
		retention:       DefaultRetention,
		cleanupInterval: DefaultCleanupInterval,
		log:             zerolog.Nop(),
	}
	o.online.Store(true)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessSyncQueue runs one guarded drain pass.
//
// Offline, it returns a neutral deferred result without touching the queue.
// Otherwise it claims a batch and processes each item sequentially: load
// the referenced note, invoke the handler, and apply the outcome to both
// the note and the queue item. A connectivity loss mid-drain finishes the
// current item, releases the rest of the claimed batch back to pending, and
// stops cleanly; an in-flight remote call is never abandoned.
func (o *Orchestrator) ProcessSyncQueue(ctx context.Context) (Result, error) {
	if !o.draining.CompareAndSwap(false, true) {
		return Result{}, ErrSyncInProgress
	}
	defer o.draining.Store(false)

	if !o.isOnline() {
		res := Result{Deferred: true, Success: true}
		o.storeResult(res)
		return res, nil
	}

	// The guard flag means no other pass is running, so any in_flight item
	// was stranded by a crash or an aborted pass. Requeue before claiming a
	// fresh batch or those items would never be redelivered.
	if _, err := o.queue.RecoverInFlight(ctx); err != nil {
		return Result{}, fmt.Errorf("process sync queue: %w", err)
	}

	items, err := o.queue.DequeueBatch(ctx, o.batchSize)
	if err != nil {
		return Result{}, fmt.Errorf("process sync queue: %w", err)
	}

	res := Result{Success: true}
	o.setProgress(0, len(items))

	for i, item := range items {
		if !o.isOnline() {
			remaining := make([]string, 0, len(items)-i)
			for _, rest := range items[i:] {
				remaining = append(remaining, rest.ID)
			}
			if err := o.queue.Release(ctx, remaining); err != nil {
				o.log.Error().Err(err).Msg("release claimed items")
			}
			o.log.Info().Int("released", len(remaining)).Msg("drain stopped: connectivity lost")
			break
		}

		if err := o.processItem(ctx, item, &res); err != nil {
			return res, fmt.Errorf("process sync queue: item %s: %w", item.ID, err)
		}
		o.setProgress(i+1, len(items))
	}

	res.Success = len(res.Failed) == 0
	o.storeResult(res)
	return res, nil
}

// processItem delivers one queue item and applies the outcome. Storage
// errors abort the pass; remote rejections only mark the item for retry.
func (o *Orchestrator) processItem(ctx context.Context, item syncqueue.Item, res *Result) error {
	switch item.Op {
	case syncqueue.OpDelete:
		// The reference backend has no remote delete; the tombstone is
		// settled locally. A richer handler can act on the payload before
		// this point by watching the queue directly.
		if err := o.queue.MarkDone(ctx, item.ID); err != nil {
			return err
		}
		res.Synced = append(res.Synced, item.EntityID)
		return nil

	case syncqueue.OpCreate, syncqueue.OpUpdate:
		nwd, err := o.repo.GetNoteByID(ctx, item.EntityID)
		if err != nil {
			return err
		}
		if nwd == nil {
			// Note deleted locally after this item was queued; a delete
			// item follows it. Nothing to publish.
			if err := o.queue.MarkDone(ctx, item.ID); err != nil {
				return err
			}
			res.Synced = append(res.Synced, item.EntityID)
			return nil
		}

		outcome := o.handler(ctx, nwd)
		if !outcome.Success {
			o.log.Warn().Str("note", item.EntityID).Str("error", outcome.Error).Msg("remote rejected note")
			if err := o.queue.MarkFailed(ctx, item.ID, outcome.Error); err != nil {
				return err
			}
			res.Failed = append(res.Failed, item.EntityID)
			res.Errors = append(res.Errors, ItemError{NoteID: item.EntityID, Error: outcome.Error})
			return nil
		}

		if err := o.repo.MarkPublished(ctx, item.EntityID); err != nil && !errors.Is(err, repo.ErrNoteNotFound) {
			return err
		}
		if err := o.queue.MarkDone(ctx, item.ID); err != nil {
			return err
		}
		res.Synced = append(res.Synced, item.EntityID)
		return nil

	default:
		// Unknown op from a newer schema: park it rather than loop forever.
		return o.queue.MarkFailed(ctx, item.ID, fmt.Sprintf("unknown op %q", item.Op))
	}
}

func (o *Orchestrator) isOnline() bool {
	if o.connectivity != nil {
		return o.connectivity()
	}
	return o.online.Load()
}

func (o *Orchestrator) storeResult(res Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastResult = &res
}

func (o *Orchestrator) setProgress(done, total int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = Progress{Done: done, Total: total}
}
