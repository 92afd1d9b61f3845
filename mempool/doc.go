// Package mempool provides a reusable byte-buffer allocator bounded by a
// configurable byte budget.
//
// Idle buffers are bucketed by power-of-two size classes to raise the
// reuse-hit probability across a high-volume batch, while budget accounting
// charges the exact bytes of each buffer. The pool tracks every buffer it
// issues; allocated bytes never exceed the budget, and requests that cannot
// be satisfied even after evicting idle buffers fail with ErrOutOfMemory.
//
// Returned buffers are zeroed before entering the free list so a reused
// buffer can never leak one document's content into the next.
//
// All operations are safe for concurrent use.
package mempool
