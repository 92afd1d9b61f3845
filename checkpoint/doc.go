// Package checkpoint persists batch processing state to durable storage so
// a long-running batch can resume after a crash.
//
// A Store writes JSON snapshots into a directory using a temp-file write
// followed by an atomic rename: a crash between write and rename leaves the
// previous checkpoint intact, so at least one valid checkpoint always
// survives. Checkpoints beyond a per-batch retention count are rotated out,
// and checkpoints older than a retention window can be purged independently.
//
// Recovery validates a checkpoint before trusting it: the completed, failed,
// and pending document lists must be pairwise disjoint and non-empty in
// aggregate. Invalid checkpoints are rejected with ErrInvalidCheckpoint;
// recovery never silently proceeds on corrupt data.
//
// Checkpoints are best-effort durability, not transactional consistency
// with the live scheduler: a snapshot may trail in-flight jobs by a few
// hundred milliseconds. Recovery only needs "resume roughly where we left
// off", not exactly-once semantics.
package checkpoint
