package scheduler

import (
	"time"

	"github.com/zero-day-ai/docpipe/checkpoint"
)

// BatchActive reports whether the batch still has queued, backing-off, or
// running jobs. Implements checkpoint.StateSource.
func (s *Scheduler) BatchActive(batchID string) bool {
	return !s.batchIdle(batchID)
}

// Snapshot captures the batch's current processing state as a checkpoint.
// The snapshot is a read-only copy; live scheduler state is never shared.
// Implements checkpoint.StateSource.
func (s *Scheduler) Snapshot(batchID string) checkpoint.Checkpoint {
	s.mu.Lock()

	ids := s.batches[batchID]
	cp := checkpoint.Checkpoint{
		BatchID:   batchID,
		Timestamp: time.Now(),
		ProcessingState: checkpoint.ProcessingState{
			DependencyGraph: make(map[string][]string, len(ids)),
			Results:         make(map[string]checkpoint.ResultRecord),
		},
	}

	for _, id := range ids {
		if deps := s.depGraph[id]; len(deps) > 0 {
			cp.ProcessingState.DependencyGraph[id] = append([]string(nil), deps...)
		}

		switch {
		case contains(s.completed, id):
			cp.CompletedDocuments = append(cp.CompletedDocuments, id)
		case contains(s.failed, id):
			cp.FailedDocuments = append(cp.FailedDocuments, id)
		default:
			cp.PendingDocuments = append(cp.PendingDocuments, id)
		}

		if jr, ok := s.results[id]; ok {
			rec := checkpoint.ResultRecord{
				DocumentID:  id,
				EntityCount: jr.Result.EntityCount,
				ChunkCount:  jr.Result.ChunkCount,
				RetryCount:  jr.RetryCount,
			}
			if jr.Err != nil {
				rec.Error = jr.Err.Error()
				cp.ErrorLog = append(cp.ErrorLog, jr.Err.Error())
			}
			cp.ProcessingState.Results[id] = rec
		}
	}

	for _, j := range s.queue.Jobs() {
		if s.jobBatch[j.DocumentID] != batchID {
			continue
		}
		copied := *j
		cp.ProcessingState.QueuedJobs = append(cp.ProcessingState.QueuedJobs, &copied)
	}

	activeWorkers := 0
	for id := range s.active {
		if s.jobBatch[id] == batchID {
			activeWorkers++
		}
	}
	s.mu.Unlock()

	// Resource sampling happens outside the lock; a failed sample leaves
	// a zero resource state rather than blocking the snapshot.
	cp.ResourceState.ActiveWorkers = activeWorkers
	if snap, err := s.resources.Snapshot(); err == nil {
		cp.ResourceState.AvailableMemoryMB = snap.AvailableMemoryMB
		cp.ResourceState.CPUPercent = snap.CPUPercent
	}

	return cp
}

func contains(set map[string]struct{}, id string) bool {
	_, ok := set[id]
	return ok
}
