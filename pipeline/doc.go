// Package pipeline defines the boundary to the external document-processing
// pipeline: the black-box collaborator that loads a document, chunks its
// text, and extracts entities.
//
// The core never sees pipeline internals. A Processor takes a document
// descriptor plus a working buffer and returns either a Result (chunk and
// entity counts, timing) or an error. Processing errors carry a FailureKind
// so the scheduler can distinguish transient failures (eligible for retry)
// from fatal ones.
//
// Two implementations are provided:
//
//   - Func adapts an ordinary function, for in-process pipelines and tests.
//   - RedisProcessor dispatches work items over a Redis list queue and
//     collects results from a per-request pub/sub channel, for pipelines
//     running as external workers.
package pipeline
