package finalize

import (
	"context"
	"time"
)

// RunIdleSweeper finalizes sessions with no activity for idleTimeout, checking
// every interval until ctx is done. Stale connections are swept on the same tick
// when sweeper is non-nil.
func (f *Finalizer) RunIdleSweeper(ctx context.Context, idleTimeout, interval time.Duration, sweeper Sweeper) {
	if idleTimeout <= 0 || interval <= 0 {
		f.log.Info().Msg("Idle sweeper disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	f.log.Info().
		Dur("timeout", idleTimeout).
		Dur("checkInterval", interval).
		Msg("Idle sweeper started")

	for {
		select {
		case <-ctx.Done():
			f.log.Info().Msg("Idle sweeper stopping")
			return
		case <-ticker.C:
			f.sweepIdle(ctx, idleTimeout)
			if sweeper != nil {
				sweeper.Sweep()
			}
		}
	}
}

// sweepIdle finalizes every session idle for longer than timeout.
func (f *Finalizer) sweepIdle(ctx context.Context, timeout time.Duration) int {
	idle := f.opts.Table.Idle(timeout)
	if len(idle) == 0 {
		return 0
	}
	f.log.Info().Int("idleCount", len(idle)).Msg("Finalizing idle sessions")

	n := 0
	for _, id := range idle {
		if _, err := f.Finalize(ctx, id, TriggerIdle); err != nil {
			// Ended by its client between Idle and Finalize.
			f.log.Debug().Err(err).Str("meetingId", id).Msg("Idle session already finalized")
			continue
		}
		n++
	}
	return n
}
