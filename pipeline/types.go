package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zero-day-ai/docpipe/job"
)

// FailureKind categorizes a pipeline failure for retry decisions.
type FailureKind string

const (
	// FailureTransient marks failures worth retrying: network errors,
	// worker crashes, resource contention.
	FailureTransient FailureKind = "transient"

	// FailureFatal marks failures that will not succeed on retry:
	// unreadable input, unsupported format.
	FailureFatal FailureKind = "fatal"

	// FailureTimeout marks a processing deadline overrun.
	FailureTimeout FailureKind = "timeout"
)

// Result is the successful outcome of processing one document.
type Result struct {
	// DocumentID identifies the processed document.
	DocumentID string `json:"document_id"`

	// TextLength is the number of extracted text bytes.
	TextLength int `json:"text_length"`

	// ChunkCount is the number of text chunks produced.
	ChunkCount int `json:"chunk_count"`

	// EntityCount is the number of entities extracted.
	EntityCount int `json:"entity_count"`

	// Duration is the wall-clock processing time reported by the pipeline.
	Duration time.Duration `json:"duration_ns"`
}

// Error is a structured pipeline failure for one document.
type Error struct {
	// DocumentID identifies the failed document.
	DocumentID string

	// Kind categorizes the failure for retry decisions.
	Kind FailureKind

	// Stage names the pipeline stage that failed: "load", "chunk",
	// "extract", or "dispatch".
	Stage string

	// Message is the human-readable failure description from the pipeline.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("pipeline: document %s failed at %s (%s): %s", e.DocumentID, e.Stage, e.Kind, e.Message)
}

// Retryable reports whether the failure is worth retrying.
func (e *Error) Retryable() bool {
	return e.Kind != FailureFatal
}

// KindOf returns the failure kind of err, or FailureTransient when err is
// not a pipeline Error. Unknown failures are treated as transient so the
// retry budget, not a classification gap, decides their fate.
func KindOf(err error) FailureKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return FailureTransient
}

// Processor is the external document-processing pipeline.
//
// Process runs the full load -> chunk -> extract sequence for one document.
// buf is a working buffer borrowed from the memory pool, sized to at least
// the document's byte size; the processor must not retain it after
// returning. Implementations must honor ctx cancellation.
type Processor interface {
	Process(ctx context.Context, doc job.Document, buf []byte) (Result, error)
}

// Func adapts an ordinary function to the Processor interface.
type Func func(ctx context.Context, doc job.Document, buf []byte) (Result, error)

// Process calls f.
func (f Func) Process(ctx context.Context, doc job.Document, buf []byte) (Result, error) {
	return f(ctx, doc, buf)
}
