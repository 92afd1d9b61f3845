// Package job defines the schedulable unit of document processing work.
//
// A Document describes an input file submitted by a caller. Classify derives
// a Job from it: a coarse complexity class plus processing-time and memory
// estimates based on the document's size and content type. Jobs carry retry
// state and declared dependencies on other documents.
//
// The package also provides Queue, a priority queue over Jobs ordered by an
// explicit key: ascending priority value (CRITICAL before LOW), ties broken
// by shorter estimated processing time.
//
// # Priority and Complexity
//
// Priorities follow scheduling precedence: CRITICAL (1) is served before
// HIGH (2), NORMAL (3), and LOW (4). Complexity classes bucket documents by
// size: SIMPLE (<100KB), MODERATE (<1MB), COMPLEX (<10MB), INTENSIVE (the
// rest). PDF and image content types inflate the time and memory estimates
// because their extraction stages are heavier than plain text.
//
// # Thread Safety
//
// Queue is not safe for concurrent use; callers serialize access behind
// their own lock. Job values are plain data and may be copied freely.
package job
