package job

import (
	"fmt"
	"strings"
	"time"
)

// Priority is the scheduling precedence of a document job.
// Lower values are served first.
type Priority int

// Priority levels, ordered by precedence.
const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4
)

// String returns the canonical lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a string (case-insensitive) to a Priority.
// An empty string defaults to PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return PriorityNormal, nil
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Complexity buckets a document by expected processing cost.
type Complexity int

// Complexity classes, cheapest first.
const (
	ComplexitySimple Complexity = iota + 1
	ComplexityModerate
	ComplexityComplex
	ComplexityIntensive
)

// String returns the canonical lowercase name of the complexity class.
func (c Complexity) String() string {
	switch c {
	case ComplexitySimple:
		return "simple"
	case ComplexityModerate:
		return "moderate"
	case ComplexityComplex:
		return "complex"
	case ComplexityIntensive:
		return "intensive"
	default:
		return fmt.Sprintf("complexity(%d)", int(c))
	}
}

// Document describes one input file submitted for processing.
type Document struct {
	// ID is the caller-assigned unique identifier for this document.
	ID string `json:"id"`

	// Path is the file path or source reference handed to the
	// document-processing pipeline.
	Path string `json:"path"`

	// SizeBytes is the document size, used to derive complexity and
	// resource estimates.
	SizeBytes int64 `json:"size_bytes"`

	// ContentType is a coarse type hint: "text", "pdf", "image", etc.
	ContentType string `json:"content_type,omitempty"`

	// Priority is the requested scheduling precedence.
	// Zero value defaults to PriorityNormal during classification.
	Priority Priority `json:"priority,omitempty"`

	// Dependencies lists document IDs that must complete before this
	// document may be admitted.
	Dependencies []string `json:"dependencies,omitempty"`
}

// IsValid checks that the document descriptor has the required fields.
func (d *Document) IsValid() error {
	if d.ID == "" {
		return fmt.Errorf("document id is required")
	}
	if d.Path == "" {
		return fmt.Errorf("document path is required")
	}
	if d.SizeBytes < 0 {
		return fmt.Errorf("size_bytes must be non-negative, got %d", d.SizeBytes)
	}
	for _, dep := range d.Dependencies {
		if dep == "" {
			return fmt.Errorf("dependency id must not be empty")
		}
		if dep == d.ID {
			return fmt.Errorf("document %s cannot depend on itself", d.ID)
		}
	}
	return nil
}

// DefaultMaxRetries is the retry budget assigned to new jobs.
const DefaultMaxRetries = 3

// Job is one schedulable unit of work derived from a Document.
type Job struct {
	// DocumentID identifies the document this job processes.
	DocumentID string `json:"document_id"`

	// Path is the source reference carried over from the document.
	Path string `json:"path"`

	// SizeBytes is the document size in bytes.
	SizeBytes int64 `json:"size_bytes"`

	// ContentType is the document's content type hint.
	ContentType string `json:"content_type,omitempty"`

	// Priority is the scheduling precedence.
	Priority Priority `json:"priority"`

	// Complexity is the derived cost class.
	Complexity Complexity `json:"complexity"`

	// Dependencies lists document IDs that must be completed before
	// this job becomes ready.
	Dependencies []string `json:"dependencies,omitempty"`

	// EstimatedTime is the heuristic processing-time estimate.
	EstimatedTime time.Duration `json:"estimated_time_ns"`

	// MemoryRequirementMB is the heuristic memory estimate used by
	// admission control.
	MemoryRequirementMB int `json:"memory_requirement_mb"`

	// RetryCount is the number of failed attempts so far.
	RetryCount int `json:"retry_count"`

	// MaxRetries caps the number of retries before terminal failure.
	MaxRetries int `json:"max_retries"`

	// CreatedAt is when the job entered the scheduler.
	CreatedAt time.Time `json:"created_at"`

	// EnqueuedAt is when the job last entered the queue. Used by the
	// scheduler's starvation guard.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Document returns the descriptor this job was derived from.
func (j *Job) Document() Document {
	return Document{
		ID:           j.DocumentID,
		Path:         j.Path,
		SizeBytes:    j.SizeBytes,
		ContentType:  j.ContentType,
		Priority:     j.Priority,
		Dependencies: j.Dependencies,
	}
}

// RetriesExhausted reports whether the job has used its full retry budget.
func (j *Job) RetriesExhausted() bool {
	return j.RetryCount >= j.MaxRetries
}

// Size thresholds for complexity classification.
const (
	simpleMaxBytes   = 100 * 1024
	moderateMaxBytes = 1024 * 1024
	complexMaxBytes  = 10 * 1024 * 1024
)

// Classify derives a Job from a document descriptor. Complexity, estimated
// processing time, and memory requirement come from the document size;
// PDF and image content types inflate the estimates because their
// extraction stages cost more than plain text.
func Classify(doc Document, now time.Time) *Job {
	var (
		complexity Complexity
		estimated  time.Duration
		memoryMB   float64
	)

	switch {
	case doc.SizeBytes < simpleMaxBytes:
		complexity, estimated, memoryMB = ComplexitySimple, 5*time.Second, 50
	case doc.SizeBytes < moderateMaxBytes:
		complexity, estimated, memoryMB = ComplexityModerate, 15*time.Second, 200
	case doc.SizeBytes < complexMaxBytes:
		complexity, estimated, memoryMB = ComplexityComplex, 60*time.Second, 500
	default:
		complexity, estimated, memoryMB = ComplexityIntensive, 300*time.Second, 1000
	}

	switch strings.ToLower(doc.ContentType) {
	case "pdf", "application/pdf":
		estimated = time.Duration(float64(estimated) * 1.5)
		memoryMB *= 1.2
	case "image", "image/png", "image/jpeg", "image/tiff":
		estimated = time.Duration(float64(estimated) * 2.0)
		memoryMB *= 1.5
	}

	priority := doc.Priority
	if priority == 0 {
		priority = PriorityNormal
	}

	deps := make([]string, len(doc.Dependencies))
	copy(deps, doc.Dependencies)

	return &Job{
		DocumentID:          doc.ID,
		Path:                doc.Path,
		SizeBytes:           doc.SizeBytes,
		ContentType:         doc.ContentType,
		Priority:            priority,
		Complexity:          complexity,
		Dependencies:        deps,
		EstimatedTime:       estimated,
		MemoryRequirementMB: int(memoryMB),
		MaxRetries:          DefaultMaxRetries,
		CreatedAt:           now,
		EnqueuedAt:          now,
	}
}
