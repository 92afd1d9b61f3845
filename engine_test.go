package docpipe

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/docpipe/checkpoint"
	"github.com/zero-day-ai/docpipe/config"
	"github.com/zero-day-ai/docpipe/job"
	"github.com/zero-day-ai/docpipe/pipeline"
)

// staticSampler reports a healthy host so admission control never defers.
type staticSampler struct{}

func (staticSampler) VirtualMemory() (*mem.VirtualMemoryStat, error) {
	return &mem.VirtualMemoryStat{
		Total:       16 << 30,
		Available:   12 << 30,
		UsedPercent: 25,
	}, nil
}

func (staticSampler) CPUPercent(time.Duration) (float64, error) {
	return 20, nil
}

// scriptedProcessor succeeds by default and fails scripted documents.
type scriptedProcessor struct {
	mu       sync.Mutex
	attempts map[string]int
	fail     map[string]error
}

func (p *scriptedProcessor) Process(ctx context.Context, doc job.Document, buf []byte) (pipeline.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attempts == nil {
		p.attempts = make(map[string]int)
	}
	p.attempts[doc.ID]++
	if err := p.fail[doc.ID]; err != nil {
		return pipeline.Result{}, err
	}
	return pipeline.Result{TextLength: len(buf), ChunkCount: 3, EntityCount: 5}, nil
}

func (p *scriptedProcessor) attemptCount(docID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[docID]
}

func newTestEngine(t *testing.T, proc pipeline.Processor, checkpointDir string) *Engine {
	t.Helper()

	cfg := &config.Config{
		Workers: 2,
		Retry: &config.RetryConfig{
			BackoffBase: "1ms",
			MaxBackoff:  "5ms",
		},
		Checkpoint: &config.CheckpointConfig{
			Dir:      checkpointDir,
			Interval: "10ms",
		},
	}

	e, err := NewEngine(
		WithConfig(cfg),
		WithProcessor(proc),
		WithResourceSampler(staticSampler{}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func engineDocs() []job.Document {
	return []job.Document{
		{ID: "doc1", Path: "/data/doc1.txt", SizeBytes: 50 * 1024, Priority: job.PriorityCritical},
		{ID: "doc2", Path: "/data/doc2.txt", SizeBytes: 80 * 1024, Priority: job.PriorityNormal, Dependencies: []string{"doc1"}},
		{ID: "doc3", Path: "/data/doc3.pdf", SizeBytes: 2 * 1024 * 1024, ContentType: "pdf", Priority: job.PriorityLow},
		{ID: "doc4", Path: "/data/doc4.txt", SizeBytes: 20 * 1024, Priority: job.PriorityHigh},
	}
}

func TestNewEngineRequiresProcessor(t *testing.T) {
	_, err := NewEngine()
	require.ErrorIs(t, err, ErrNoProcessor)
}

func TestProcessDocumentsEmptyBatch(t *testing.T) {
	e := newTestEngine(t, &scriptedProcessor{}, t.TempDir())

	_, err := e.ProcessDocuments(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoDocuments)

	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, KindValidation, ee.Kind)
}

func TestProcessDocumentsEndToEnd(t *testing.T) {
	proc := &scriptedProcessor{}
	dir := t.TempDir()
	e := newTestEngine(t, proc, dir)

	summary, err := e.ProcessDocuments(context.Background(), engineDocs())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.TotalDocuments)
	assert.Equal(t, 4, summary.Successful)
	assert.Equal(t, 0, summary.Failed)
	assert.NotEmpty(t, summary.BatchID)
	assert.NotEmpty(t, summary.CheckpointID)
	require.Len(t, summary.Results, 4)

	for _, id := range []string{"doc1", "doc2", "doc3", "doc4"} {
		jr := summary.Results[id]
		require.NotNil(t, jr, id)
		assert.True(t, jr.Success(), id)
		assert.Equal(t, 5, jr.Result.EntityCount, id)
		assert.Equal(t, 1, proc.attemptCount(id), id)
	}

	assert.Equal(t, 4, summary.SchedulerStats.Successful)
	assert.Equal(t, 4, summary.StreamMetrics.DocumentsProcessed)
	assert.Greater(t, summary.MemoryStats.AllocationCount, int64(0))
	assert.Equal(t, 0, summary.MemoryStats.InUseBuffers)

	// The final checkpoint records the batch as completed.
	infos, err := e.ListCheckpoints(summary.BatchID)
	require.NoError(t, err)
	require.NotEmpty(t, infos)
	assert.Equal(t, checkpoint.StatusCompleted, infos[0].Status)
	assert.Equal(t, 4, infos[0].Completed)
}

func TestProcessDocumentsRecordsFailures(t *testing.T) {
	fatal := &pipeline.Error{DocumentID: "bad", Kind: pipeline.FailureFatal, Stage: "load", Message: "unsupported format"}
	proc := &scriptedProcessor{fail: map[string]error{"bad": fatal}}
	e := newTestEngine(t, proc, t.TempDir())

	summary, err := e.ProcessDocuments(context.Background(), []job.Document{
		{ID: "ok", Path: "/data/ok.txt", SizeBytes: 1024},
		{ID: "bad", Path: "/data/bad.bin", SizeBytes: 1024},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, proc.attemptCount("bad"))

	infos, err := e.ListCheckpoints(summary.BatchID)
	require.NoError(t, err)
	require.NotEmpty(t, infos)
	assert.Equal(t, 1, infos[0].Failed)
}

func TestResumeBatchSkipsCompletedDocuments(t *testing.T) {
	dir := t.TempDir()
	docs := []job.Document{
		{ID: "ok", Path: "/data/ok.txt", SizeBytes: 1024},
		{ID: "flaky", Path: "/data/flaky.txt", SizeBytes: 1024},
	}

	// First run: "flaky" fails terminally, "ok" completes.
	fatal := &pipeline.Error{DocumentID: "flaky", Kind: pipeline.FailureFatal, Stage: "extract", Message: "worker gone"}
	firstProc := &scriptedProcessor{fail: map[string]error{"flaky": fatal}}
	first := newTestEngine(t, firstProc, dir)

	summary, err := first.ProcessDocuments(context.Background(), docs)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.NoError(t, first.Close())

	// Fresh engine, same checkpoint directory: only "flaky" is redone.
	secondProc := &scriptedProcessor{}
	second := newTestEngine(t, secondProc, dir)

	resumed, err := second.ResumeBatch(context.Background(), summary.BatchID, docs)
	require.NoError(t, err)

	assert.Equal(t, summary.CheckpointID, resumed.ResumedFrom)
	assert.Equal(t, 1, resumed.Skipped)
	assert.Equal(t, 1, resumed.TotalDocuments)
	assert.Equal(t, 1, resumed.Successful)
	assert.Equal(t, 0, secondProc.attemptCount("ok"))
	assert.Equal(t, 1, secondProc.attemptCount("flaky"))
}

func TestResumeBatchWithoutCheckpoint(t *testing.T) {
	e := newTestEngine(t, &scriptedProcessor{}, t.TempDir())

	_, err := e.ResumeBatch(context.Background(), "never-seen", engineDocs())
	require.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestCleanupCheckpoints(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, &scriptedProcessor{}, dir)

	_, err := e.ProcessDocuments(context.Background(), []job.Document{
		{ID: "d1", Path: "/data/d1.txt", SizeBytes: 1024},
	})
	require.NoError(t, err)

	// Retention default is days; a fresh checkpoint survives.
	removed, err := e.CleanupCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}
