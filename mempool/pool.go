package mempool

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"sync"
)

// ErrOutOfMemory is returned when a buffer request cannot be satisfied
// within the pool's byte budget.
var ErrOutOfMemory = errors.New("mempool: byte budget exceeded")

// minClassBytes is the smallest free-list size class. Smaller buffers are
// binned into it.
const minClassBytes = 4 * 1024

// maxIdlePerClass is how many idle buffers a size class keeps after cleanup.
const maxIdlePerClass = 2

// Options configures a Pool.
type Options struct {
	// MaxSizeBytes is the pool's total byte budget. Required.
	MaxSizeBytes int64

	// Logger is the structured logger for pool warnings.
	// When nil, a discard logger is used.
	Logger *slog.Logger
}

// Pool is a bounded allocator of reusable byte buffers.
type Pool struct {
	maxBytes int64
	logger   *slog.Logger

	mu        sync.Mutex
	allocated int64
	free      map[int][][]byte // size class -> idle buffers
	inUse     map[*byte]int    // buffer identity -> size class

	allocationCount int64
	reuseCount      int64
}

// New creates a Pool with the given options.
func New(opts Options) (*Pool, error) {
	if opts.MaxSizeBytes <= 0 {
		return nil, fmt.Errorf("max size must be positive, got %d", opts.MaxSizeBytes)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pool{
		maxBytes: opts.MaxSizeBytes,
		logger:   logger,
		free:     make(map[int][][]byte),
		inUse:    make(map[*byte]int),
	}, nil
}

// roundUp returns the power-of-two free-list class for a buffer size.
// Classes only bucket idle buffers for reuse lookup; budget accounting is
// always in exact bytes.
func roundUp(size int) int {
	if size <= minClassBytes {
		return minClassBytes
	}
	return 1 << bits.Len64(uint64(size-1))
}

// Get returns a buffer of exactly size bytes, reusing an idle buffer of the
// matching size class when one is large enough. Returns ErrOutOfMemory when
// the request alone exceeds the budget, or when allocating would exceed it
// even after evicting idle buffers.
func (p *Pool) Get(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", size)
	}
	if int64(size) > p.maxBytes {
		return nil, fmt.Errorf("%w: requested %d bytes, budget %d", ErrOutOfMemory, size, p.maxBytes)
	}

	class := roundUp(size)

	p.mu.Lock()
	defer p.mu.Unlock()

	if idle := p.free[class]; len(idle) > 0 {
		for i := len(idle) - 1; i >= 0; i-- {
			buf := idle[i]
			if cap(buf) < size {
				continue
			}
			p.free[class] = append(idle[:i], idle[i+1:]...)
			p.inUse[&buf[0]] = class
			p.reuseCount++
			return buf[:size], nil
		}
	}

	if p.allocated+int64(size) > p.maxBytes {
		p.cleanupLocked()
	}
	if p.allocated+int64(size) > p.maxBytes {
		return nil, fmt.Errorf("%w: requested %d bytes, allocated %d of %d",
			ErrOutOfMemory, size, p.allocated, p.maxBytes)
	}

	buf := make([]byte, size)
	p.allocated += int64(size)
	p.allocationCount++
	p.inUse[&buf[0]] = class
	return buf, nil
}

// Put returns a buffer to the pool. Buffers not issued by this pool are
// ignored with a warning. The buffer's contents are zeroed before it joins
// the free list.
func (p *Pool) Put(buf []byte) {
	if len(buf) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := &buf[0]
	class, ok := p.inUse[key]
	if !ok {
		p.logger.Warn("returned buffer was not issued by this pool", "len", len(buf))
		return
	}
	delete(p.inUse, key)

	// Zero the full capacity so a reused buffer cannot leak prior
	// document content past a shorter request length.
	full := buf[:cap(buf)]
	clear(full)

	p.free[class] = append(p.free[class], full)
}

// Cleanup evicts idle buffers beyond maxIdlePerClass per size class and
// returns the number of bytes released back to the budget.
func (p *Pool) Cleanup() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cleanupLocked()
}

func (p *Pool) cleanupLocked() int64 {
	var released int64
	for class, idle := range p.free {
		if len(idle) <= maxIdlePerClass {
			continue
		}
		for _, buf := range idle[maxIdlePerClass:] {
			released += int64(cap(buf))
		}
		p.free[class] = idle[:maxIdlePerClass]
	}
	p.allocated -= released
	return released
}

// Stats describes pool usage at a point in time.
type Stats struct {
	// MaxSizeMB is the configured budget.
	MaxSizeMB float64 `json:"max_size_mb"`

	// AllocatedMB is the budget currently consumed by live buffers.
	AllocatedMB float64 `json:"allocated_mb"`

	// InUseBuffers is the number of buffers currently checked out.
	InUseBuffers int `json:"in_use_buffers"`

	// FreeBuffers is the number of idle buffers across all size classes.
	FreeBuffers int `json:"free_buffers"`

	// AllocationCount is the total number of fresh allocations served.
	AllocationCount int64 `json:"allocation_count"`

	// ReuseCount is the number of requests served from the free list.
	ReuseCount int64 `json:"reuse_count"`

	// ReuseRate is ReuseCount over total requests, 0..1.
	ReuseRate float64 `json:"reuse_rate"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	freeCount := 0
	for _, idle := range p.free {
		freeCount += len(idle)
	}

	total := p.allocationCount + p.reuseCount
	rate := 0.0
	if total > 0 {
		rate = float64(p.reuseCount) / float64(total)
	}

	const mb = 1024 * 1024
	return Stats{
		MaxSizeMB:       float64(p.maxBytes) / mb,
		AllocatedMB:     float64(p.allocated) / mb,
		InUseBuffers:    len(p.inUse),
		FreeBuffers:     freeCount,
		AllocationCount: p.allocationCount,
		ReuseCount:      p.reuseCount,
		ReuseRate:       rate,
	}
}

// AllocatedBytes returns the budget currently consumed by live buffers.
func (p *Pool) AllocatedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}
