package checkpoint

import (
	"fmt"
	"time"

	"github.com/zero-day-ai/docpipe/job"
)

// Status is the lifecycle state recorded in a checkpoint.
type Status string

// Checkpoint statuses.
const (
	StatusCreated    Status = "created"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRecovered  Status = "recovered"
)

// ResultRecord is the per-document outcome snapshot carried in a checkpoint.
type ResultRecord struct {
	// DocumentID identifies the document.
	DocumentID string `json:"document_id"`

	// EntityCount is the number of entities extracted, 0 on failure.
	EntityCount int `json:"entity_count"`

	// ChunkCount is the number of chunks produced, 0 on failure.
	ChunkCount int `json:"chunk_count"`

	// RetryCount is how many retries the job consumed.
	RetryCount int `json:"retry_count"`

	// Error is the terminal failure message, empty on success.
	Error string `json:"error,omitempty"`
}

// ProcessingState is the scheduler-side snapshot inside a checkpoint.
type ProcessingState struct {
	// QueuedJobs are the jobs still waiting at snapshot time, in
	// scheduling order.
	QueuedJobs []*job.Job `json:"queued_jobs,omitempty"`

	// DependencyGraph maps each document to its declared dependencies.
	DependencyGraph map[string][]string `json:"dependency_graph,omitempty"`

	// Results holds per-document outcomes recorded so far.
	Results map[string]ResultRecord `json:"results,omitempty"`
}

// ResourceState is the host-resource snapshot inside a checkpoint.
type ResourceState struct {
	// AvailableMemoryMB is host memory available at snapshot time.
	AvailableMemoryMB int `json:"available_memory_mb"`

	// CPUPercent is host CPU usage at snapshot time.
	CPUPercent float64 `json:"cpu_percent"`

	// ActiveWorkers is the number of jobs running at snapshot time.
	ActiveWorkers int `json:"active_workers"`
}

// Checkpoint is one durable snapshot of a batch's processing state.
type Checkpoint struct {
	// BatchID identifies the batch this snapshot belongs to.
	BatchID string `json:"batch_id"`

	// CheckpointID uniquely identifies this snapshot. Assigned by the
	// Store on creation.
	CheckpointID string `json:"checkpoint_id"`

	// Timestamp is when the snapshot was taken.
	Timestamp time.Time `json:"timestamp"`

	// Status is the batch lifecycle state at snapshot time.
	Status Status `json:"status"`

	// CompletedDocuments lists document IDs processed successfully.
	CompletedDocuments []string `json:"completed_documents"`

	// FailedDocuments lists document IDs that failed terminally.
	FailedDocuments []string `json:"failed_documents"`

	// PendingDocuments lists document IDs still queued or running.
	PendingDocuments []string `json:"pending_documents"`

	// ProcessingState is the scheduler snapshot.
	ProcessingState ProcessingState `json:"processing_state"`

	// ResourceState is the host resource snapshot.
	ResourceState ResourceState `json:"resource_state"`

	// ErrorLog carries recent error messages for operator inspection.
	ErrorLog []string `json:"error_log,omitempty"`

	// Metadata is free-form caller-supplied context.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks checkpoint integrity: the three document lists must be
// pairwise disjoint and non-empty in aggregate. A checkpoint failing this
// check must not be used for recovery.
func (c *Checkpoint) Validate() error {
	if c.BatchID == "" {
		return fmt.Errorf("batch_id is required")
	}

	total := len(c.CompletedDocuments) + len(c.FailedDocuments) + len(c.PendingDocuments)
	if total == 0 {
		return fmt.Errorf("checkpoint tracks no documents")
	}

	seen := make(map[string]string, total)
	check := func(ids []string, state string) error {
		for _, id := range ids {
			if prev, dup := seen[id]; dup {
				return fmt.Errorf("document %s appears in both %s and %s", id, prev, state)
			}
			seen[id] = state
		}
		return nil
	}

	if err := check(c.CompletedDocuments, "completed"); err != nil {
		return err
	}
	if err := check(c.FailedDocuments, "failed"); err != nil {
		return err
	}
	return check(c.PendingDocuments, "pending")
}

// RecoveryState is the usable prior state reconstructed from a checkpoint.
type RecoveryState struct {
	// BatchID is the recovered batch.
	BatchID string

	// CheckpointID is the snapshot recovery came from.
	CheckpointID string

	// Completed is the set of successfully processed document IDs.
	Completed map[string]struct{}

	// Failed is the set of terminally failed document IDs; callers
	// typically resubmit these for retry.
	Failed map[string]struct{}

	// Pending lists document IDs that were still in flight.
	Pending []string

	// Results holds the per-document outcomes recorded at snapshot time.
	Results map[string]ResultRecord
}

// Info is a lightweight checkpoint listing for operator inspection.
type Info struct {
	// CheckpointID identifies the snapshot.
	CheckpointID string `json:"checkpoint_id"`

	// BatchID identifies the batch.
	BatchID string `json:"batch_id"`

	// Timestamp is when the snapshot was taken.
	Timestamp time.Time `json:"timestamp"`

	// Status is the recorded batch state.
	Status Status `json:"status"`

	// Completed, Failed, and Pending are document counts per state.
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`

	// FileSizeMB is the on-disk size of the checkpoint file.
	FileSizeMB float64 `json:"file_size_mb"`
}
