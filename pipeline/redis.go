package pipeline

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/zero-day-ai/docpipe/job"
)

// DefaultQueueKey is the Redis list external pipeline workers pop from.
const DefaultQueueKey = "docpipe:work"

// resultChannelPrefix prefixes the per-request pub/sub result channels.
const resultChannelPrefix = "docpipe:results:"

// WorkItem is one document dispatched to an external pipeline worker.
type WorkItem struct {
	// RequestID correlates the published result with this dispatch.
	RequestID string `json:"request_id"`

	// DocumentID is the caller-assigned document identifier.
	DocumentID string `json:"document_id"`

	// Path is the document's source reference.
	Path string `json:"path"`

	// ContentType is the document's content type hint.
	ContentType string `json:"content_type,omitempty"`

	// SizeBytes is the document size.
	SizeBytes int64 `json:"size_bytes"`

	// SubmittedAt is the Unix timestamp in milliseconds when the item
	// was dispatched.
	SubmittedAt int64 `json:"submitted_at"`
}

// IsValid checks that the work item has all required fields.
func (w *WorkItem) IsValid() error {
	if w.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if w.DocumentID == "" {
		return fmt.Errorf("document_id is required")
	}
	if w.Path == "" {
		return fmt.Errorf("path is required")
	}
	if w.SubmittedAt <= 0 {
		return fmt.Errorf("submitted_at must be positive, got %d", w.SubmittedAt)
	}
	return nil
}

// WorkResult is the wire form of a worker's outcome for one work item.
type WorkResult struct {
	// RequestID correlates this result with the original work item.
	RequestID string `json:"request_id"`

	// TextLength is the number of extracted text bytes.
	TextLength int `json:"text_length"`

	// ChunkCount is the number of text chunks produced.
	ChunkCount int `json:"chunk_count"`

	// EntityCount is the number of entities extracted.
	EntityCount int `json:"entity_count"`

	// Error is the failure message. Empty on success.
	Error string `json:"error,omitempty"`

	// ErrorKind categorizes the failure. Empty on success.
	ErrorKind string `json:"error_kind,omitempty"`

	// Stage names the failed stage. Empty on success.
	Stage string `json:"stage,omitempty"`

	// StartedAt is the Unix timestamp in milliseconds when processing began.
	StartedAt int64 `json:"started_at"`

	// CompletedAt is the Unix timestamp in milliseconds when processing ended.
	CompletedAt int64 `json:"completed_at"`
}

// RedisOptions configures the Redis connection for RedisProcessor.
type RedisOptions struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379")
	URL string

	// QueueKey is the list key work items are pushed to.
	// Defaults to DefaultQueueKey.
	QueueKey string

	// TLS configuration for secure connections
	TLS *tls.Config

	// ConnectTimeout is the maximum time to wait for connection establishment
	ConnectTimeout time.Duration

	// WriteTimeout is the maximum time to wait for write operations
	WriteTimeout time.Duration
}

// RedisProcessor dispatches documents to external pipeline workers over a
// Redis list queue and collects their results from per-request pub/sub
// channels. It implements Processor.
type RedisProcessor struct {
	client   *redis.Client
	queueKey string
}

// NewRedisProcessor creates a RedisProcessor and verifies connectivity.
func NewRedisProcessor(opts RedisOptions) (*RedisProcessor, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.QueueKey == "" {
		opts.QueueKey = DefaultQueueKey
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	redisOpts.TLSConfig = opts.TLS
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisProcessor{client: client, queueKey: opts.QueueKey}, nil
}

// Process dispatches the document as a work item and blocks until a worker
// publishes the matching result or ctx is cancelled. The working buffer is
// unused by this transport; external workers read the document themselves.
func (p *RedisProcessor) Process(ctx context.Context, doc job.Document, _ []byte) (Result, error) {
	requestID := uuid.New().String()

	// Subscribe before pushing so the result cannot slip past us.
	pubsub := p.client.Subscribe(ctx, resultChannelPrefix+requestID)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return Result{}, &Error{
			DocumentID: doc.ID,
			Kind:       FailureTransient,
			Stage:      "dispatch",
			Message:    fmt.Sprintf("failed to subscribe for results: %v", err),
		}
	}

	item := WorkItem{
		RequestID:   requestID,
		DocumentID:  doc.ID,
		Path:        doc.Path,
		ContentType: doc.ContentType,
		SizeBytes:   doc.SizeBytes,
		SubmittedAt: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(item)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal work item: %w", err)
	}

	if err := p.client.LPush(ctx, p.queueKey, data).Err(); err != nil {
		return Result{}, &Error{
			DocumentID: doc.ID,
			Kind:       FailureTransient,
			Stage:      "dispatch",
			Message:    fmt.Sprintf("failed to push work item: %v", err),
		}
	}

	ch := pubsub.Channel()
	select {
	case <-ctx.Done():
		return Result{}, &Error{
			DocumentID: doc.ID,
			Kind:       FailureTimeout,
			Stage:      "dispatch",
			Message:    ctx.Err().Error(),
		}
	case msg, ok := <-ch:
		if !ok {
			return Result{}, &Error{
				DocumentID: doc.ID,
				Kind:       FailureTransient,
				Stage:      "dispatch",
				Message:    "result subscription closed",
			}
		}

		var wr WorkResult
		if err := json.Unmarshal([]byte(msg.Payload), &wr); err != nil {
			return Result{}, &Error{
				DocumentID: doc.ID,
				Kind:       FailureTransient,
				Stage:      "dispatch",
				Message:    fmt.Sprintf("failed to unmarshal result: %v", err),
			}
		}

		return p.toResult(doc.ID, wr)
	}
}

// toResult converts a wire result into a Result or a structured Error.
func (p *RedisProcessor) toResult(documentID string, wr WorkResult) (Result, error) {
	if wr.Error != "" {
		kind := FailureKind(wr.ErrorKind)
		switch kind {
		case FailureTransient, FailureFatal, FailureTimeout:
		default:
			kind = FailureTransient
		}
		stage := wr.Stage
		if stage == "" {
			stage = "extract"
		}
		return Result{}, &Error{
			DocumentID: documentID,
			Kind:       kind,
			Stage:      stage,
			Message:    wr.Error,
		}
	}

	return Result{
		DocumentID:  documentID,
		TextLength:  wr.TextLength,
		ChunkCount:  wr.ChunkCount,
		EntityCount: wr.EntityCount,
		Duration:    time.Duration(wr.CompletedAt-wr.StartedAt) * time.Millisecond,
	}, nil
}

// Close closes the Redis connection.
func (p *RedisProcessor) Close() error {
	return p.client.Close()
}
