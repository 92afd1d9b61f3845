package checkpoint

import (
	"context"
	"time"
)

// DefaultInterval is the periodic checkpoint cadence.
const DefaultInterval = 300 * time.Second

// StateSource supplies live batch state to the auto-checkpoint monitor.
// The scheduler implements it. Snapshot must be a read-only view; the
// monitor never mutates live state.
type StateSource interface {
	// BatchActive reports whether the batch still has queued or running
	// work.
	BatchActive(batchID string) bool

	// Snapshot captures the batch's current processing state.
	Snapshot(batchID string) Checkpoint
}

// AutoMonitor periodically checkpoints a batch while it has active work.
// It returns when the batch goes idle or ctx is cancelled. A single
// checkpoint-write failure is logged and does not stop the monitor; batch
// availability is prioritized over checkpoint durability.
//
// Run it in a goroutine and cancel ctx to stop it cooperatively; the owner
// should wait for it to return before treating cleanup as complete.
func (s *Store) AutoMonitor(ctx context.Context, batchID string, src StateSource, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Debug("auto-checkpoint monitor started", "batch_id", batchID, "interval", interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("auto-checkpoint monitor stopped", "batch_id", batchID, "reason", "context_cancelled")
			return
		case <-ticker.C:
			if !src.BatchActive(batchID) {
				s.logger.Debug("auto-checkpoint monitor stopped", "batch_id", batchID, "reason", "batch_idle")
				return
			}

			cp := src.Snapshot(batchID)
			cp.Status = StatusInProgress
			if _, err := s.Create(cp); err != nil {
				s.logger.Error("periodic checkpoint failed", "batch_id", batchID, "error", err)
			}
		}
	}
}
