// Package stream processes document batches in fixed-size chunks under a
// memory ceiling.
//
// Before each chunk the manager waits for memory headroom: process heap
// usage must be below 80% of the configured limit and system-available
// memory above 20% of it. While waiting it proactively frees memory (pool
// cleanup plus forced GC); if headroom does not appear within the wait
// timeout the batch fails with ErrMemoryWaitTimeout. After each chunk it
// forces a garbage-collection pass and records peak heap usage.
//
// Each document borrows a buffer from the memory pool for the duration of
// its pipeline call and returns it unconditionally. One document's failure
// produces an error record and never aborts the batch; the chunking and
// headroom loop exists so an oversized batch cannot exhaust host memory.
//
// Results are yielded lazily through a caller-supplied function. A fresh
// StreamBatch call reprocesses from the start; resumability belongs to the
// checkpoint package, not here.
package stream
