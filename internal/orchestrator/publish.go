package orchestrator

import (
	"context"
	"fmt"

	"github.com/roach88/slate/internal/note"
)

// PublishOptions scopes a user-initiated publish.
type PublishOptions struct {
	// NoteIDs restricts the pass to specific notes. Empty means every
	// unpublished note.
	NoteIDs []string
	// ClassID restricts the pass to one class.
	ClassID string
	// OnProgress is invoked after each note with (done, total).
	OnProgress func(done, total int)
	// ClearAfterPublish hard-deletes successfully published notes and
	// their queue history. Off by default: local tombstone semantics make
	// silent hard deletion surprising.
	ClearAfterPublish bool
}

// PublishNotes pushes currently unpublished notes through the handler and
// returns a per-note result set, so a UI can show which of N notes
// succeeded without inspecting queue internals.
//
// A successful publish supersedes the note's queued items: they are marked
// done so the next drain does not deliver the same state again.
func (o *Orchestrator) PublishNotes(ctx context.Context, opts PublishOptions) (Result, error) {
	if !o.draining.CompareAndSwap(false, true) {
		return Result{}, ErrSyncInProgress
	}
	defer o.draining.Store(false)

	if !o.isOnline() {
		res := Result{Deferred: true, Success: true}
		o.storeResult(res)
		return res, nil
	}

	all, err := o.repo.GetUnpublishedNotes(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("publish notes: %w", err)
	}
	targets := filterNotes(all, opts)

	res := Result{Success: true}
	total := len(targets)
	o.setProgress(0, total)

	for i := range targets {
		nwd := &targets[i]
		if opts.OnProgress != nil {
			opts.OnProgress(i+1, total)
		}

		outcome := o.handler(ctx, nwd)
		if !outcome.Success {
			res.Failed = append(res.Failed, nwd.ID)
			res.Errors = append(res.Errors, ItemError{NoteID: nwd.ID, Error: outcome.Error})
			o.setProgress(i+1, total)
			continue
		}

		if err := o.repo.MarkPublished(ctx, nwd.ID); err != nil {
			return res, fmt.Errorf("publish notes: mark published %s: %w", nwd.ID, err)
		}
		if err := o.queue.CompleteForEntity(ctx, nwd.ID); err != nil {
			return res, fmt.Errorf("publish notes: complete queue %s: %w", nwd.ID, err)
		}
		res.Synced = append(res.Synced, nwd.ID)
		o.setProgress(i+1, total)
	}

	if opts.ClearAfterPublish && len(res.Synced) > 0 {
		if err := o.repo.PurgeNotes(ctx, res.Synced); err != nil {
			return res, fmt.Errorf("publish notes: clear after publish: %w", err)
		}
	}

	res.Success = len(res.Failed) == 0
	o.storeResult(res)
	return res, nil
}

func filterNotes(all []note.NoteWithDetails, opts PublishOptions) []note.NoteWithDetails {
	if len(opts.NoteIDs) == 0 && opts.ClassID == "" {
		return all
	}
	wanted := make(map[string]bool, len(opts.NoteIDs))
	for _, id := range opts.NoteIDs {
		wanted[id] = true
	}
	var out []note.NoteWithDetails
	for _, n := range all {
		if len(opts.NoteIDs) > 0 && !wanted[n.ID] {
			continue
		}
		if opts.ClassID != "" && n.ClassID != opts.ClassID {
			continue
		}
		out = append(out, n)
	}
	return out
}
