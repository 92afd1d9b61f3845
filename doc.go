// Package docpipe provides resource-aware batch processing of documents for
// GraphRAG knowledge-graph construction.
//
// The engine takes a batch of document descriptors and drives each one
// through an external extraction pipeline while respecting host resource
// limits, document priorities, and declared dependencies. Progress is
// checkpointed durably so an interrupted batch can resume where it left off.
//
// # Core Concepts
//
// The module is organized around several key concepts:
//
//   - Documents: Input descriptors (path, size, content type, priority,
//     dependencies) submitted as a batch
//   - Jobs: Classified schedulable units with complexity, time, and memory
//     estimates derived from the document
//   - Scheduler: Priority- and dependency-aware admission control under
//     worker and host resource caps
//   - Streaming: Chunked processing with pooled working buffers under a
//     configurable memory ceiling
//   - Checkpoints: Durable JSON snapshots of batch state for crash recovery
//
// # Architecture
//
// The Engine composes the component packages:
//
//   - resource: cached host CPU and memory sampling (gopsutil)
//   - mempool: bounded, reusable working-buffer allocation
//   - stream: memory-limited chunked streaming through the pipeline
//   - job / scheduler: classification, priority queue, retries, cascades
//   - checkpoint: snapshot persistence, rotation, and recovery
//   - pipeline: the processor boundary, including a Redis-backed transport
//
// # Getting Started
//
// Create an engine and process a batch:
//
//	import "github.com/zero-day-ai/docpipe"
//
//	engine, err := docpipe.NewEngine(
//		docpipe.WithConfig(cfg),
//		docpipe.WithLogger(logger),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	summary, err := engine.ProcessDocuments(ctx, docs)
//
// # Recovery
//
// After a crash, resume the batch on a fresh engine pointed at the same
// checkpoint directory:
//
//	summary, err := engine.ResumeBatch(ctx, batchID, docs)
//
// Documents the latest checkpoint records as completed are skipped; failed
// and pending documents are resubmitted.
package docpipe
