package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/docpipe/job"
	"github.com/zero-day-ai/docpipe/mempool"
	"github.com/zero-day-ai/docpipe/pipeline"
)

// fakeSystemMemory reports a fixed available-memory value.
type fakeSystemMemory struct {
	availableMB int
	err         error
}

func (f *fakeSystemMemory) AvailableMemoryMB() (int, error) {
	return f.availableMB, f.err
}

func okProcessor(entities int) pipeline.Processor {
	return pipeline.Func(func(_ context.Context, doc job.Document, buf []byte) (pipeline.Result, error) {
		return pipeline.Result{
			DocumentID:  doc.ID,
			TextLength:  len(buf),
			ChunkCount:  3,
			EntityCount: entities,
		}, nil
	})
}

func newTestManager(t *testing.T, proc pipeline.Processor, opts Options) (*Manager, *mempool.Pool) {
	t.Helper()

	pool, err := mempool.New(mempool.Options{MaxSizeBytes: 64 * 1024 * 1024})
	require.NoError(t, err)

	if opts.MemoryLimitMB == 0 {
		opts.MemoryLimitMB = 8192
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}

	m, err := NewManager(pool, proc, &fakeSystemMemory{availableMB: 8192}, opts)
	require.NoError(t, err)
	return m, pool
}

func makeDocs(n int) []job.Document {
	docs := make([]job.Document, 0, n)
	for i := 0; i < n; i++ {
		docs = append(docs, job.Document{
			ID:        fmt.Sprintf("d%d", i),
			Path:      fmt.Sprintf("/docs/d%d.txt", i),
			SizeBytes: 1024,
		})
	}
	return docs
}

func TestStreamBatch(t *testing.T) {
	t.Run("yields records in input order", func(t *testing.T) {
		m, _ := newTestManager(t, okProcessor(5), Options{ChunkSize: 3})

		var ids []string
		err := m.StreamBatch(context.Background(), makeDocs(7), func(rec Record) error {
			require.False(t, rec.Failed())
			ids = append(ids, rec.DocumentID)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"d0", "d1", "d2", "d3", "d4", "d5", "d6"}, ids)
	})

	t.Run("per-document failure does not abort batch", func(t *testing.T) {
		proc := pipeline.Func(func(_ context.Context, doc job.Document, _ []byte) (pipeline.Result, error) {
			if doc.ID == "d1" {
				return pipeline.Result{}, &pipeline.Error{
					DocumentID: doc.ID,
					Kind:       pipeline.FailureTransient,
					Stage:      "extract",
					Message:    "worker crashed",
				}
			}
			return pipeline.Result{DocumentID: doc.ID, EntityCount: 1}, nil
		})
		m, _ := newTestManager(t, proc, Options{ChunkSize: 2})

		failures := 0
		successes := 0
		err := m.StreamBatch(context.Background(), makeDocs(4), func(rec Record) error {
			if rec.Failed() {
				failures++
			} else {
				successes++
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, failures)
		assert.Equal(t, 3, successes)
	})

	t.Run("yield error stops the stream", func(t *testing.T) {
		m, _ := newTestManager(t, okProcessor(1), Options{ChunkSize: 2})

		seen := 0
		err := m.StreamBatch(context.Background(), makeDocs(6), func(Record) error {
			seen++
			if seen == 2 {
				return fmt.Errorf("stop")
			}
			return nil
		})
		require.Error(t, err)
		assert.Equal(t, 2, seen)
	})

	t.Run("buffers always returned to pool", func(t *testing.T) {
		proc := pipeline.Func(func(_ context.Context, doc job.Document, _ []byte) (pipeline.Result, error) {
			if doc.ID == "d0" {
				return pipeline.Result{}, fmt.Errorf("boom")
			}
			return pipeline.Result{DocumentID: doc.ID}, nil
		})
		m, pool := newTestManager(t, proc, Options{ChunkSize: 2})

		err := m.StreamBatch(context.Background(), makeDocs(4), func(Record) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, 0, pool.Stats().InUseBuffers)
	})

	t.Run("progress callback fires per document", func(t *testing.T) {
		var updates []int
		m, _ := newTestManager(t, okProcessor(1), Options{
			ChunkSize: 2,
			Progress:  func(processed, total int) { updates = append(updates, processed) },
		})

		err := m.StreamBatch(context.Background(), makeDocs(3), func(Record) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3}, updates)
	})
}

func TestStreamBatchMetrics(t *testing.T) {
	m, _ := newTestManager(t, okProcessor(2), Options{ChunkSize: 2})

	err := m.StreamBatch(context.Background(), makeDocs(5), func(Record) error { return nil })
	require.NoError(t, err)

	metrics := m.Metrics()
	assert.Equal(t, 5, metrics.DocumentsProcessed)
	// One forced GC pass per chunk: ceil(5/2) = 3.
	assert.Equal(t, 3, metrics.GCPasses)
	assert.Greater(t, metrics.PeakMemoryMB, 0.0)
}

func TestStreamBatchMemoryCeiling(t *testing.T) {
	// A batch far larger than one chunk: peak heap sampled at chunk
	// boundaries must stay within the configured limit.
	const limitMB = 4096

	m, _ := newTestManager(t, okProcessor(1), Options{ChunkSize: 5, MemoryLimitMB: limitMB})

	err := m.StreamBatch(context.Background(), makeDocs(40), func(Record) error { return nil })
	require.NoError(t, err)

	metrics := m.Metrics()
	assert.LessOrEqual(t, metrics.PeakMemoryMB, float64(limitMB)*1.05)
}

func TestWaitForHeadroomTimeout(t *testing.T) {
	pool, err := mempool.New(mempool.Options{MaxSizeBytes: 64 * 1024 * 1024})
	require.NoError(t, err)

	// System reports almost no available memory, so headroom never appears.
	m, err := NewManager(pool, okProcessor(1), &fakeSystemMemory{availableMB: 1}, Options{
		MemoryLimitMB: 1024,
		WaitTimeout:   20 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
	})
	require.NoError(t, err)

	err = m.StreamBatch(context.Background(), makeDocs(2), func(Record) error { return nil })
	require.ErrorIs(t, err, ErrMemoryWaitTimeout)

	// Waiting must have attempted to free memory.
	assert.Greater(t, m.Metrics().GCPasses, 0)
}

func TestRunSingleDocument(t *testing.T) {
	m, _ := newTestManager(t, okProcessor(9), Options{})

	res, err := m.Run(context.Background(), job.Document{ID: "solo", Path: "/docs/solo.txt", SizeBytes: 100})
	require.NoError(t, err)
	assert.Equal(t, "solo", res.DocumentID)
	assert.Equal(t, 9, res.EntityCount)

	metrics := m.Metrics()
	assert.Equal(t, 1, metrics.DocumentsProcessed)
	assert.Greater(t, metrics.PeakMemoryMB, 0.0)
}

func TestBufferAcquisitionFailureIsFatal(t *testing.T) {
	pool, err := mempool.New(mempool.Options{MaxSizeBytes: 128 * 1024})
	require.NoError(t, err)

	m, err := NewManager(pool, okProcessor(1), &fakeSystemMemory{availableMB: 8192}, Options{
		MemoryLimitMB: 8192,
		PollInterval:  time.Millisecond,
	})
	require.NoError(t, err)

	// Document larger than the whole pool budget.
	doc := job.Document{ID: "big", Path: "/docs/big.bin", SizeBytes: 10 * 1024 * 1024}

	var rec Record
	err = m.StreamBatch(context.Background(), []job.Document{doc}, func(r Record) error {
		rec = r
		return nil
	})
	require.NoError(t, err)
	require.True(t, rec.Failed())

	var pe *pipeline.Error
	require.ErrorAs(t, rec.Err, &pe)
	assert.Equal(t, pipeline.FailureFatal, pe.Kind)
	assert.Equal(t, "buffer", pe.Stage)
}
