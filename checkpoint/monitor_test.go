package checkpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a StateSource whose activity can be toggled.
type fakeSource struct {
	mu     sync.Mutex
	active bool
	calls  int
}

func (f *fakeSource) BatchActive(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeSource) Snapshot(batchID string) Checkpoint {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return Checkpoint{
		BatchID:          batchID,
		PendingDocuments: []string{"d1"},
	}
}

func (f *fakeSource) setActive(v bool) {
	f.mu.Lock()
	f.active = v
	f.mu.Unlock()
}

func (f *fakeSource) snapshots() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestAutoMonitorCreatesPeriodicCheckpoints(t *testing.T) {
	s := newTestStore(t, StoreOptions{})
	src := &fakeSource{active: true}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.AutoMonitor(ctx, "b1", src, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return src.snapshots() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	infos, err := s.List("b1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(infos), 2)
	assert.Equal(t, StatusInProgress, infos[0].Status)
}

func TestAutoMonitorStopsWhenBatchIdle(t *testing.T) {
	s := newTestStore(t, StoreOptions{})
	src := &fakeSource{active: false}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.AutoMonitor(context.Background(), "b1", src, 5*time.Millisecond)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop for idle batch")
	}

	// Idle batch: no checkpoint was taken.
	infos, err := s.List("b1")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestAutoMonitorCancellation(t *testing.T) {
	s := newTestStore(t, StoreOptions{})
	src := &fakeSource{active: true}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.AutoMonitor(ctx, "b1", src, time.Hour)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not honor cancellation")
	}
}
