package docpipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zero-day-ai/docpipe/checkpoint"
	"github.com/zero-day-ai/docpipe/config"
	"github.com/zero-day-ai/docpipe/job"
	"github.com/zero-day-ai/docpipe/mempool"
	"github.com/zero-day-ai/docpipe/pipeline"
	"github.com/zero-day-ai/docpipe/resource"
	"github.com/zero-day-ai/docpipe/scheduler"
	"github.com/zero-day-ai/docpipe/stream"
)

// BatchSummary is the aggregate outcome of one processed batch.
type BatchSummary struct {
	// BatchID identifies the scheduler batch that was processed.
	BatchID string `json:"batch_id"`

	// CheckpointID is the final checkpoint written for the batch, empty
	// if the write failed.
	CheckpointID string `json:"checkpoint_id,omitempty"`

	// ResumedFrom is the checkpoint recovery started from, empty for a
	// fresh batch.
	ResumedFrom string `json:"resumed_from,omitempty"`

	// TotalDocuments is the number of documents submitted this run.
	TotalDocuments int `json:"total_documents"`

	// Successful and Failed count terminal outcomes this run.
	Successful int `json:"successful"`
	Failed     int `json:"failed"`

	// Skipped counts documents dropped from a resumed batch because a
	// checkpoint already recorded them as completed.
	Skipped int `json:"skipped,omitempty"`

	// Duration is the wall-clock batch processing time.
	Duration time.Duration `json:"duration_ns"`

	// Results maps document IDs to their terminal outcomes.
	Results map[string]*scheduler.JobResult `json:"results"`

	// SchedulerStats, MemoryStats, and StreamMetrics expose component
	// telemetry gathered at batch completion.
	SchedulerStats scheduler.Stats `json:"scheduler_stats"`
	MemoryStats    mempool.Stats   `json:"memory_stats"`
	StreamMetrics  stream.Metrics  `json:"stream_metrics"`
}

// Engine orchestrates multi-document batch processing: it classifies and
// schedules documents, streams them through the pipeline under memory
// limits, and checkpoints progress for crash recovery.
//
// An Engine owns its component graph. Scheduler state accumulates across
// batches, so a resumed batch must run on a fresh Engine pointed at the same
// checkpoint directory.
type Engine struct {
	logger *slog.Logger
	tracer trace.Tracer

	monitor   *resource.Monitor
	pool      *mempool.Pool
	manager   *stream.Manager
	sched     *scheduler.Scheduler
	store     *checkpoint.Store
	processor pipeline.Processor

	checkpointInterval time.Duration
	checkpointMaxAge   time.Duration
}

// NewEngine creates an Engine with the provided options.
//
// Example:
//
//	engine, err := docpipe.NewEngine(
//	    docpipe.WithConfig(cfg),
//	    docpipe.WithLogger(logger),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
func NewEngine(opts ...EngineOption) (*Engine, error) {
	c := &engineConfig{}
	for _, opt := range opts {
		opt(c)
	}

	cfg := c.cfg
	if cfg == nil {
		cfg = &config.Config{}
	}

	logger := c.logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	tracer := c.tracer
	if tracer == nil {
		tracer = otel.Tracer("docpipe/engine")
	}

	processor := c.processor
	if processor == nil {
		if cfg.Redis == nil || cfg.Redis.URL == "" {
			return nil, NewValidationError("NewEngine", ErrNoProcessor)
		}
		rp, err := pipeline.NewRedisProcessor(pipeline.RedisOptions{
			URL:      cfg.Redis.URL,
			QueueKey: cfg.Redis.GetQueueKey(),
		})
		if err != nil {
			return nil, NewInternalError("NewEngine", err)
		}
		processor = rp
	}

	monitor := resource.NewMonitor(resource.MonitorOptions{
		CacheTTL: cfg.Resource.GetCacheTTL(),
		Sampler:  c.sampler,
	})

	pool, err := mempool.New(mempool.Options{
		MaxSizeBytes: int64(cfg.GetMemoryLimitMB()) * 1024 * 1024,
		Logger:       logger,
	})
	if err != nil {
		return nil, NewInternalError("NewEngine", err)
	}

	manager, err := stream.NewManager(pool, processor, monitor, stream.Options{
		MemoryLimitMB: cfg.GetMemoryLimitMB(),
		ChunkSize:     cfg.GetChunkSize(),
		Progress:      c.progress,
		Logger:        logger,
	})
	if err != nil {
		return nil, NewInternalError("NewEngine", err)
	}

	sched, err := scheduler.New(monitor, manager, scheduler.Options{
		MaxWorkers:       cfg.GetWorkers(),
		CPUThreshold:     cfg.Resource.GetCPUThreshold(),
		BackoffBase:      cfg.Retry.GetBackoffBase(),
		MaxBackoff:       cfg.Retry.GetMaxBackoff(),
		MaxAdmissionWait: cfg.Retry.GetMaxAdmissionWait(),
		Logger:           logger,
	})
	if err != nil {
		return nil, NewInternalError("NewEngine", err)
	}

	checkpointDir := c.checkpointDir
	if checkpointDir == "" {
		checkpointDir = cfg.Checkpoint.GetDir()
	}
	store, err := checkpoint.NewStore(checkpointDir, checkpoint.StoreOptions{
		MaxPerBatch: cfg.Checkpoint.GetMaxPerBatch(),
		Logger:      logger,
	})
	if err != nil {
		return nil, NewCheckpointError("NewEngine", err)
	}

	return &Engine{
		logger:             logger,
		tracer:             tracer,
		monitor:            monitor,
		pool:               pool,
		manager:            manager,
		sched:              sched,
		store:              store,
		processor:          processor,
		checkpointInterval: cfg.Checkpoint.GetInterval(),
		checkpointMaxAge:   cfg.Checkpoint.GetMaxAge(),
	}, nil
}

// ProcessDocuments runs a fresh batch through the full pipeline: priority
// scheduling, dependency ordering, memory-limited streaming, retries, and
// periodic checkpointing. It blocks until every document reaches a terminal
// state or ctx ends.
//
// On early termination the partial summary is returned together with the
// error; an emergency checkpoint preserves progress for a later resume.
func (e *Engine) ProcessDocuments(ctx context.Context, docs []job.Document) (*BatchSummary, error) {
	const op = "Engine.ProcessDocuments"

	ctx, span := e.tracer.Start(ctx, "engine.process_documents",
		trace.WithAttributes(attribute.Int("batch.documents", len(docs))))
	defer span.End()

	if len(docs) == 0 {
		return nil, NewValidationError(op, ErrNoDocuments)
	}

	batchID, err := e.sched.AddDocumentBatch(docs)
	if err != nil {
		return nil, NewSchedulingError(op, err)
	}
	span.SetAttributes(attribute.String("batch.id", batchID))

	return e.run(ctx, op, batchID)
}

// ResumeBatch continues a previously checkpointed batch on a fresh Engine.
// Documents the latest valid checkpoint records as completed are skipped;
// failed and pending documents are resubmitted. docs must be the original
// batch's document set.
func (e *Engine) ResumeBatch(ctx context.Context, batchID string, docs []job.Document) (*BatchSummary, error) {
	const op = "Engine.ResumeBatch"

	ctx, span := e.tracer.Start(ctx, "engine.resume_batch",
		trace.WithAttributes(attribute.String("batch.resumed_id", batchID)))
	defer span.End()

	if len(docs) == 0 {
		return nil, NewValidationError(op, ErrNoDocuments)
	}

	latest, err := e.store.Latest(batchID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, NewCheckpointError(op, fmt.Errorf("%w: %s", ErrNoCheckpoint, batchID))
		}
		return nil, NewCheckpointError(op, err)
	}

	state, err := e.store.Recover(latest.CheckpointID)
	if err != nil {
		return nil, NewCheckpointError(op, err)
	}

	completed := make([]string, 0, len(state.Completed))
	for id := range state.Completed {
		completed = append(completed, id)
	}
	e.sched.MarkCompleted(completed...)

	remaining := make([]job.Document, 0, len(docs))
	for _, doc := range docs {
		if _, done := state.Completed[doc.ID]; done {
			continue
		}
		remaining = append(remaining, doc)
	}

	e.logger.Info("resuming batch from checkpoint",
		"batch_id", batchID,
		"checkpoint_id", state.CheckpointID,
		"completed", len(completed),
		"remaining", len(remaining),
	)

	if len(remaining) == 0 {
		return &BatchSummary{
			BatchID:     batchID,
			ResumedFrom: state.CheckpointID,
			Skipped:     len(docs),
			Results:     make(map[string]*scheduler.JobResult),
		}, nil
	}

	newBatchID, err := e.sched.AddDocumentBatch(remaining)
	if err != nil {
		return nil, NewSchedulingError(op, err)
	}

	summary, err := e.run(ctx, op, newBatchID)
	if summary != nil {
		summary.ResumedFrom = state.CheckpointID
		summary.Skipped = len(docs) - len(remaining)
	}
	return summary, err
}

// run drives one scheduler batch with the background checkpoint monitor
// alive for its duration, then writes the final checkpoint.
func (e *Engine) run(ctx context.Context, op, batchID string) (*BatchSummary, error) {
	monCtx, cancel := context.WithCancel(ctx)
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		e.store.AutoMonitor(monCtx, batchID, e.sched, e.checkpointInterval)
	}()

	res, perr := e.sched.ProcessBatch(ctx, batchID)

	cancel()
	<-monDone

	cpID := e.finalCheckpoint(batchID, perr)

	summary := &BatchSummary{
		BatchID:        batchID,
		CheckpointID:   cpID,
		TotalDocuments: res.TotalDocuments,
		Successful:     res.Successful,
		Failed:         res.Failed,
		Duration:       res.Duration,
		Results:        res.Results,
		SchedulerStats: e.sched.Stats(),
		MemoryStats:    e.pool.Stats(),
		StreamMetrics:  e.manager.Metrics(),
	}

	if perr != nil {
		kind := KindScheduling
		if errors.Is(perr, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return summary, &EngineError{Op: op, Kind: kind, Err: perr}
	}

	e.logger.Info("batch processing complete",
		"batch_id", batchID,
		"successful", summary.Successful,
		"failed", summary.Failed,
		"duration", summary.Duration,
		"peak_memory_mb", summary.StreamMetrics.PeakMemoryMB,
	)
	return summary, nil
}

// finalCheckpoint persists the batch's terminal state. A write failure is
// logged, not returned: the processing outcome stands on its own.
func (e *Engine) finalCheckpoint(batchID string, perr error) string {
	cp := e.sched.Snapshot(batchID)
	if perr != nil {
		cp.Status = checkpoint.StatusFailed
	} else {
		cp.Status = checkpoint.StatusCompleted
	}

	cpID, err := e.store.Create(cp)
	if err != nil {
		e.logger.Warn("final checkpoint write failed", "batch_id", batchID, "error", err)
		return ""
	}
	return cpID
}

// ListCheckpoints returns checkpoint metadata for a batch, newest first.
// An empty batchID lists checkpoints for all batches.
func (e *Engine) ListCheckpoints(batchID string) ([]checkpoint.Info, error) {
	infos, err := e.store.List(batchID)
	if err != nil {
		return nil, NewCheckpointError("Engine.ListCheckpoints", err)
	}
	return infos, nil
}

// CleanupCheckpoints removes checkpoints older than the configured retention
// age and returns how many were deleted.
func (e *Engine) CleanupCheckpoints() (int, error) {
	removed, err := e.store.CleanupOlderThan(e.checkpointMaxAge)
	if err != nil {
		return removed, NewCheckpointError("Engine.CleanupCheckpoints", err)
	}
	return removed, nil
}

// Stats returns current scheduler statistics.
func (e *Engine) Stats() scheduler.Stats {
	return e.sched.Stats()
}

// MemoryStats returns current memory pool statistics.
func (e *Engine) MemoryStats() mempool.Stats {
	return e.pool.Stats()
}

// Close releases engine resources, closing the pipeline transport if it
// holds connections.
func (e *Engine) Close() error {
	if closer, ok := e.processor.(io.Closer); ok {
		CloseWithLog(closer, e.logger, "pipeline processor")
	}
	return nil
}
