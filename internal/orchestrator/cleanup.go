package orchestrator

import (
	"context"
	"time"
)

// CleanupSyncQueue purges done queue items older than the configured
// retention. Scheduled work; never run inline with a drain pass.
func (o *Orchestrator) CleanupSyncQueue(ctx context.Context) (int, error) {
	return o.queue.Cleanup(ctx, o.retention)
}

// StartCleanup launches the owned cleanup loop. It runs until ctx is
// cancelled: started once at process bootstrap, cancelled at teardown, so
// no free-running timer outlives its owner across re-initialization.
func (o *Orchestrator) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(o.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := o.CleanupSyncQueue(ctx); err != nil {
					o.log.Error().Err(err).Msg("scheduled queue cleanup failed")
				} else if n > 0 {
					o.log.Debug().Int("purged", n).Msg("scheduled queue cleanup")
				}
			}
		}
	}()
}
