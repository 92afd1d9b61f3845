package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zero-day-ai/docpipe/job"
	"github.com/zero-day-ai/docpipe/mempool"
	"github.com/zero-day-ai/docpipe/pipeline"
)

// ErrMemoryWaitTimeout is returned when memory headroom does not appear
// within the configured wait timeout.
var ErrMemoryWaitTimeout = errors.New("stream: timed out waiting for memory headroom")

// minBufferBytes is the smallest working buffer handed to the pipeline.
const minBufferBytes = 64 * 1024

// Headroom thresholds: process heap must stay under processUsageMax of the
// limit, and the system must keep at least systemReserveMin of it available.
const (
	processUsageMax  = 0.8
	systemReserveMin = 0.2
)

// SystemMemory reports system-available memory. resource.Monitor satisfies it.
type SystemMemory interface {
	AvailableMemoryMB() (int, error)
}

// Options configures a Manager.
type Options struct {
	// MemoryLimitMB is the streaming memory ceiling. Defaults to 1024.
	MemoryLimitMB int

	// ChunkSize is how many documents are processed between GC passes.
	// Defaults to 5.
	ChunkSize int

	// WaitTimeout bounds the headroom wait before a chunk.
	// Defaults to 30s.
	WaitTimeout time.Duration

	// PollInterval is the headroom re-check interval while waiting.
	// Defaults to 500ms.
	PollInterval time.Duration

	// Progress, when set, is called after every processed document with
	// the number processed so far and the batch total.
	Progress func(processed, total int)

	// Logger is the structured logger for streaming operations.
	// When nil, a discard logger is used.
	Logger *slog.Logger
}

// Record is the per-document outcome yielded by StreamBatch.
type Record struct {
	// DocumentID identifies the document.
	DocumentID string

	// Result holds the pipeline outcome. Zero when Err is set.
	Result pipeline.Result

	// Err is the processing failure, nil on success.
	Err error

	// Duration is the wall-clock time spent on this document.
	Duration time.Duration
}

// Failed reports whether the document's processing failed.
func (r Record) Failed() bool {
	return r.Err != nil
}

// Metrics is cumulative streaming telemetry.
type Metrics struct {
	// DocumentsProcessed counts documents handed to the pipeline.
	DocumentsProcessed int `json:"documents_processed"`

	// PeakMemoryMB is the highest heap usage observed after processed
	// documents and chunk GC passes.
	PeakMemoryMB float64 `json:"peak_memory_mb"`

	// TotalProcessingTime is the summed per-document wall-clock time.
	TotalProcessingTime time.Duration `json:"total_processing_time_ns"`

	// GCPasses counts forced garbage-collection passes.
	GCPasses int `json:"gc_passes"`
}

// Manager streams document batches through the pipeline in chunks,
// borrowing working buffers from the pool and holding overall usage under
// the memory limit. Safe for concurrent use.
type Manager struct {
	pool      *mempool.Pool
	processor pipeline.Processor
	sysmem    SystemMemory
	logger    *slog.Logger
	tracer    trace.Tracer

	limitMB      int
	chunkSize    int
	waitTimeout  time.Duration
	pollInterval time.Duration
	progress     func(processed, total int)

	mu      sync.Mutex
	metrics Metrics
}

// NewManager creates a Manager. pool, processor, and sysmem are required.
func NewManager(pool *mempool.Pool, processor pipeline.Processor, sysmem SystemMemory, opts Options) (*Manager, error) {
	if pool == nil {
		return nil, fmt.Errorf("memory pool is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if sysmem == nil {
		return nil, fmt.Errorf("system memory source is required")
	}

	if opts.MemoryLimitMB <= 0 {
		opts.MemoryLimitMB = 1024
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 5
	}
	if opts.WaitTimeout == 0 {
		opts.WaitTimeout = 30 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Manager{
		pool:         pool,
		processor:    processor,
		sysmem:       sysmem,
		logger:       logger,
		tracer:       otel.Tracer("docpipe/stream"),
		limitMB:      opts.MemoryLimitMB,
		chunkSize:    opts.ChunkSize,
		waitTimeout:  opts.WaitTimeout,
		pollInterval: opts.PollInterval,
		progress:     opts.Progress,
	}, nil
}

// StreamBatch processes docs in chunks, yielding one Record per document in
// input order. A per-document failure is reported through its Record; only
// batch-level conditions (headroom timeout, context cancellation, a non-nil
// yield return) stop the stream.
func (m *Manager) StreamBatch(ctx context.Context, docs []job.Document, yield func(Record) error) error {
	total := len(docs)
	processed := 0

	for start := 0; start < total; start += m.chunkSize {
		end := min(start+m.chunkSize, total)
		chunk := docs[start:end]

		chunkCtx, span := m.tracer.Start(ctx, "stream.chunk",
			trace.WithAttributes(
				attribute.Int("chunk.start", start),
				attribute.Int("chunk.size", len(chunk)),
			))

		if err := m.waitForHeadroom(chunkCtx); err != nil {
			span.End()
			return err
		}

		for _, doc := range chunk {
			rec := m.processOne(chunkCtx, doc)
			processed++

			m.mu.Lock()
			m.metrics.DocumentsProcessed++
			m.metrics.TotalProcessingTime += rec.Duration
			m.mu.Unlock()

			if m.progress != nil {
				m.progress(processed, total)
			}

			if err := yield(rec); err != nil {
				span.End()
				return err
			}
		}

		m.collectGarbage()
		span.End()
	}

	return nil
}

// Run waits for memory headroom and processes a single document. It is the
// per-job entry point used by the scheduler's dispatch path.
func (m *Manager) Run(ctx context.Context, doc job.Document) (pipeline.Result, error) {
	if err := m.waitForHeadroom(ctx); err != nil {
		return pipeline.Result{}, err
	}

	rec := m.processOne(ctx, doc)
	procMB := heapInUseMB()

	m.mu.Lock()
	m.metrics.DocumentsProcessed++
	m.metrics.TotalProcessingTime += rec.Duration
	if procMB > m.metrics.PeakMemoryMB {
		m.metrics.PeakMemoryMB = procMB
	}
	m.mu.Unlock()

	return rec.Result, rec.Err
}

// processOne borrows a working buffer, invokes the pipeline, and returns
// the buffer no matter how processing ends.
func (m *Manager) processOne(ctx context.Context, doc job.Document) Record {
	size := int64(minBufferBytes)
	if doc.SizeBytes > size {
		size = doc.SizeBytes
	}

	start := time.Now()

	buf, err := m.pool.Get(int(size))
	if err != nil {
		m.logger.Warn("buffer acquisition failed",
			"document_id", doc.ID,
			"size", size,
			"error", err,
		)
		return Record{
			DocumentID: doc.ID,
			Err: &pipeline.Error{
				DocumentID: doc.ID,
				Kind:       pipeline.FailureFatal,
				Stage:      "buffer",
				Message:    err.Error(),
			},
			Duration: time.Since(start),
		}
	}
	defer m.pool.Put(buf)

	res, err := m.processor.Process(ctx, doc, buf)
	elapsed := time.Since(start)

	if err != nil {
		m.logger.Info("document processing failed",
			"document_id", doc.ID,
			"duration", elapsed,
			"error", err,
		)
		return Record{DocumentID: doc.ID, Err: err, Duration: elapsed}
	}

	res.DocumentID = doc.ID
	return Record{DocumentID: doc.ID, Result: res, Duration: elapsed}
}

// waitForHeadroom blocks until memory headroom is available, freeing memory
// proactively between polls. Fails with ErrMemoryWaitTimeout after the
// configured wait, or earlier on context cancellation.
func (m *Manager) waitForHeadroom(ctx context.Context) error {
	deadline := time.Now().Add(m.waitTimeout)

	for {
		ok, err := m.hasHeadroom()
		if err != nil {
			return fmt.Errorf("headroom check failed: %w", err)
		}
		if ok {
			return nil
		}

		m.FreeMemory()

		if !time.Now().Before(deadline) {
			procMB := heapInUseMB()
			return fmt.Errorf("%w: process %.0fMB of %dMB limit after %s",
				ErrMemoryWaitTimeout, procMB, m.limitMB, m.waitTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

// hasHeadroom applies the two-sided headroom rule: process heap below 80%
// of the limit and system-available memory above 20% of it.
func (m *Manager) hasHeadroom() (bool, error) {
	procMB := heapInUseMB()
	availMB, err := m.sysmem.AvailableMemoryMB()
	if err != nil {
		return false, err
	}

	limit := float64(m.limitMB)
	return procMB < limit*processUsageMax && float64(availMB) > limit*systemReserveMin, nil
}

// FreeMemory evicts idle pool buffers and forces a GC pass, returning freed
// heap pages to the OS.
func (m *Manager) FreeMemory() {
	m.pool.Cleanup()
	runtime.GC()
	debug.FreeOSMemory()

	m.mu.Lock()
	m.metrics.GCPasses++
	m.mu.Unlock()
}

// collectGarbage runs the post-chunk GC pass and records peak heap usage.
func (m *Manager) collectGarbage() {
	runtime.GC()

	procMB := heapInUseMB()

	m.mu.Lock()
	m.metrics.GCPasses++
	if procMB > m.metrics.PeakMemoryMB {
		m.metrics.PeakMemoryMB = procMB
	}
	m.mu.Unlock()
}

// Metrics returns a copy of the cumulative streaming metrics.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// heapInUseMB samples the process's in-use heap.
func heapInUseMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapInuse) / (1024 * 1024)
}
