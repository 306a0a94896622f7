package orchestrator

import (
	"context"
	"errors"
)

// Status is the presentation-facing surface: enough for a caller to render
// a busy state and a "N items failed to sync" banner.
type Status struct {
	PendingCount int      `json:"pending_count"`
	FailedCount  int      `json:"failed_count"`
	IsOnline     bool     `json:"is_online"`
	IsPublishing bool     `json:"is_publishing"`
	Progress     Progress `json:"progress"`
	LastResult   *Result  `json:"last_result,omitempty"`
}

// Status reports the current sync state. Read-only.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	pending, err := o.queue.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	failed, err := o.queue.FailedCount(ctx)
	if err != nil {
		return Status{}, err
	}

	o.mu.Lock()
	progress := o.progress
	last := o.lastResult
	o.mu.Unlock()

	return Status{
		PendingCount: pending,
		FailedCount:  failed,
		IsOnline:     o.isOnline(),
		IsPublishing: o.draining.Load(),
		Progress:     progress,
		LastResult:   last,
	}, nil
}

// SetOnline flips the connectivity signal. A transition to online triggers
// an automatic guarded drain; a transition to offline lets a running drain
// stop cleanly after its current item. Ignored when an external
// connectivity probe was injected.
func (o *Orchestrator) SetOnline(ctx context.Context, online bool) {
	if o.connectivity != nil {
		return
	}
	was := o.online.Swap(online)
	if online && !was {
		o.log.Info().Msg("connectivity restored: draining sync queue")
		go func() {
			if _, err := o.ProcessSyncQueue(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
				o.log.Error().Err(err).Msg("automatic drain failed")
			}
		}()
	}
}
