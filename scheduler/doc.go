// Package scheduler admits document jobs in priority order under worker and
// resource caps, honoring declared dependencies.
//
// A batch enters through AddDocumentBatch, which classifies every document
// (complexity, time and memory estimates), validates the dependency graph,
// and rejects cycles up front. ProcessBatch then drives the batch to
// completion: it repeatedly computes the ready set (queued jobs whose
// dependencies are all completed), admits as many as the worker cap and the
// resource monitor allow, highest priority first, and dispatches them
// through the configured Runner.
//
// Failed jobs retry with exponential backoff until their retry budget is
// exhausted; a terminally failed job cascade-fails every queued job that
// depends on it, directly or transitively, so dependents never wait on a
// dependency that can no longer complete. A ready job denied resources is
// deferred, not failed; after MaxAdmissionWait it bypasses the resource
// check so sustained CRITICAL load cannot starve it forever.
//
// All live state (queue, dependency graph, completed and failed sets) is
// guarded by one coarse mutex. Concurrent batches sharing a Scheduler
// serialize admission through that lock and compete for the same worker
// budget.
package scheduler
