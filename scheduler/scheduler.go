package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zero-day-ai/docpipe/job"
	"github.com/zero-day-ai/docpipe/pipeline"
	"github.com/zero-day-ai/docpipe/resource"
)

// Common errors returned by scheduler operations.
var (
	// ErrEmptyBatch is returned when a batch contains no documents.
	ErrEmptyBatch = errors.New("scheduler: batch contains no documents")

	// ErrUnknownBatch is returned for operations on a batch ID the
	// scheduler has never seen.
	ErrUnknownBatch = errors.New("scheduler: unknown batch")

	// ErrDuplicateDocument is returned when a batch reuses a document ID.
	ErrDuplicateDocument = errors.New("scheduler: duplicate document id")

	// ErrUnknownDependency is returned when a document depends on an ID
	// the scheduler does not know.
	ErrUnknownDependency = errors.New("scheduler: unknown dependency")

	// ErrDependencyCycle is returned when a batch's dependency graph
	// contains a cycle. Cycles are rejected at submission time; admitted
	// work can always make progress.
	ErrDependencyCycle = errors.New("scheduler: dependency cycle detected")

	// ErrDependencyFailed marks a job failed because a dependency failed
	// terminally.
	ErrDependencyFailed = errors.New("scheduler: dependency failed terminally")
)

// ResourceChecker is the admission-control view of the resource monitor.
// resource.Monitor satisfies it.
type ResourceChecker interface {
	// HasSufficientResources reports whether a job needing requiredMB
	// can start while keeping CPU under cpuThreshold.
	HasSufficientResources(requiredMB int, cpuThreshold float64) (bool, error)

	// Snapshot returns current host resource usage.
	Snapshot() (resource.Snapshot, error)
}

// Runner executes one admitted job. stream.Manager satisfies it.
type Runner interface {
	Run(ctx context.Context, doc job.Document) (pipeline.Result, error)
}

// Options configures a Scheduler.
type Options struct {
	// MaxWorkers caps concurrently running jobs. Defaults to 4.
	MaxWorkers int

	// CPUThreshold is the CPU usage ceiling for admission.
	// Defaults to resource.DefaultCPUThreshold.
	CPUThreshold float64

	// BackoffBase scales the exponential retry backoff: a job on its
	// n-th retry waits BackoffBase * 2^n. Defaults to 1s.
	BackoffBase time.Duration

	// MaxBackoff caps a single retry delay. Defaults to 60s.
	MaxBackoff time.Duration

	// MaxAdmissionWait is the starvation guard: a ready job queued
	// longer than this bypasses the resource check. Defaults to 5m.
	MaxAdmissionWait time.Duration

	// PollInterval is the scheduling loop tick. Defaults to 50ms.
	PollInterval time.Duration

	// Logger is the structured logger for scheduling decisions.
	// When nil, a discard logger is used.
	Logger *slog.Logger
}

// JobResult is the terminal outcome of one job.
type JobResult struct {
	// DocumentID identifies the document.
	DocumentID string `json:"document_id"`

	// Result holds the pipeline outcome. Zero when Err is set.
	Result pipeline.Result `json:"result"`

	// Err is the terminal failure, nil on success.
	Err error `json:"-"`

	// RetryCount is how many retries the job consumed.
	RetryCount int `json:"retry_count"`

	// Duration is the wall-clock time of the final attempt.
	Duration time.Duration `json:"duration_ns"`

	// CompletedAt is when the job reached a terminal state.
	CompletedAt time.Time `json:"completed_at"`
}

// Success reports whether the job completed without a terminal error.
func (r *JobResult) Success() bool {
	return r.Err == nil
}

// BatchResult aggregates one batch's terminal state.
type BatchResult struct {
	// BatchID identifies the batch.
	BatchID string `json:"batch_id"`

	// TotalDocuments is the number of jobs submitted in the batch.
	TotalDocuments int `json:"total_documents"`

	// Successful and Failed count terminal outcomes.
	Successful int `json:"successful"`
	Failed     int `json:"failed"`

	// Duration is the wall-clock batch processing time.
	Duration time.Duration `json:"duration_ns"`

	// Results maps document IDs to their terminal outcomes.
	Results map[string]*JobResult `json:"results"`
}

// Stats is a point-in-time view of scheduler activity.
type Stats struct {
	TotalJobs         int           `json:"total_jobs"`
	Successful        int           `json:"successful"`
	Failed            int           `json:"failed"`
	Retried           int           `json:"retried"`
	SuccessRate       float64       `json:"success_rate"`
	FailureRate       float64       `json:"failure_rate"`
	AvgProcessingTime time.Duration `json:"avg_processing_time_ns"`
	ActiveJobs        int           `json:"active_jobs"`
	QueuedJobs        int           `json:"queued_jobs"`
}

// Scheduler owns the live job queue, dependency graph, and terminal sets
// for every batch it has admitted. Safe for concurrent use.
type Scheduler struct {
	resources ResourceChecker
	runner    Runner
	logger    *slog.Logger

	maxWorkers       int
	cpuThreshold     float64
	backoffBase      time.Duration
	maxBackoff       time.Duration
	maxAdmissionWait time.Duration
	pollInterval     time.Duration

	mu         sync.Mutex
	queue      *job.Queue
	jobBatch   map[string]string            // document -> batch
	depGraph   map[string][]string          // document -> dependencies
	dependents map[string][]string          // document -> dependents
	completed  map[string]struct{}
	failed     map[string]struct{}
	active     map[string]*job.Job
	retrying   map[string]*job.Job          // in backoff, not yet requeued
	results    map[string]*JobResult
	batches    map[string][]string          // batch -> documents

	statTotal     int
	statSuccess   int
	statFailed    int
	statRetried   int
	statProcTotal time.Duration
}

// New creates a Scheduler. resources and runner are required.
func New(resources ResourceChecker, runner Runner, opts Options) (*Scheduler, error) {
	if resources == nil {
		return nil, fmt.Errorf("resource checker is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}

	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	if opts.CPUThreshold == 0 {
		opts.CPUThreshold = resource.DefaultCPUThreshold
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Second
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 60 * time.Second
	}
	if opts.MaxAdmissionWait == 0 {
		opts.MaxAdmissionWait = 5 * time.Minute
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Scheduler{
		resources:        resources,
		runner:           runner,
		logger:           logger,
		maxWorkers:       opts.MaxWorkers,
		cpuThreshold:     opts.CPUThreshold,
		backoffBase:      opts.BackoffBase,
		maxBackoff:       opts.MaxBackoff,
		maxAdmissionWait: opts.MaxAdmissionWait,
		pollInterval:     opts.PollInterval,
		queue:            &job.Queue{},
		jobBatch:         make(map[string]string),
		depGraph:         make(map[string][]string),
		dependents:       make(map[string][]string),
		completed:        make(map[string]struct{}),
		failed:           make(map[string]struct{}),
		active:           make(map[string]*job.Job),
		retrying:         make(map[string]*job.Job),
		results:          make(map[string]*JobResult),
		batches:          make(map[string][]string),
	}, nil
}

// AddDocumentBatch classifies and enqueues a batch of documents, registers
// their dependency graph, and returns the generated batch ID. The whole
// batch is rejected if any document is invalid, reuses a known ID, depends
// on an unknown document, or participates in a dependency cycle.
func (s *Scheduler) AddDocumentBatch(docs []job.Document) (string, error) {
	if len(docs) == 0 {
		return "", ErrEmptyBatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inBatch := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		if err := doc.IsValid(); err != nil {
			return "", fmt.Errorf("invalid document: %w", err)
		}
		if _, dup := inBatch[doc.ID]; dup {
			return "", fmt.Errorf("%w: %s", ErrDuplicateDocument, doc.ID)
		}
		if _, known := s.jobBatch[doc.ID]; known {
			return "", fmt.Errorf("%w: %s", ErrDuplicateDocument, doc.ID)
		}
		inBatch[doc.ID] = struct{}{}
	}

	for _, doc := range docs {
		for _, dep := range doc.Dependencies {
			if _, ok := inBatch[dep]; ok {
				continue
			}
			if _, known := s.jobBatch[dep]; known {
				continue
			}
			if _, done := s.completed[dep]; done {
				continue
			}
			return "", fmt.Errorf("%w: %s (required by %s)", ErrUnknownDependency, dep, doc.ID)
		}
	}

	if cycle := findCycle(docs, s.depGraph); cycle != "" {
		return "", fmt.Errorf("%w: involving %s", ErrDependencyCycle, cycle)
	}

	batchID := uuid.New().String()
	now := time.Now()
	ids := make([]string, 0, len(docs))

	for _, doc := range docs {
		j := job.Classify(doc, now)
		s.queue.Push(j)
		s.jobBatch[j.DocumentID] = batchID
		s.depGraph[j.DocumentID] = j.Dependencies
		for _, dep := range j.Dependencies {
			s.dependents[dep] = append(s.dependents[dep], j.DocumentID)
		}
		ids = append(ids, j.DocumentID)
		s.statTotal++

		s.logger.Debug("job enqueued",
			"batch_id", batchID,
			"document_id", j.DocumentID,
			"priority", j.Priority.String(),
			"complexity", j.Complexity.String(),
			"estimated_time", j.EstimatedTime,
			"memory_mb", j.MemoryRequirementMB,
		)
	}

	s.batches[batchID] = ids
	s.logger.Info("batch admitted", "batch_id", batchID, "documents", len(ids))

	return batchID, nil
}

// findCycle runs a depth-first search over the union of the existing
// dependency graph and the incoming batch. It returns a document on a
// cycle, or "" when the graph is acyclic.
func findCycle(docs []job.Document, existing map[string][]string) string {
	graph := make(map[string][]string, len(existing)+len(docs))
	for id, deps := range existing {
		graph[id] = deps
	}
	for _, doc := range docs {
		graph[doc.ID] = doc.Dependencies
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(graph))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = grey
		for _, dep := range graph[id] {
			switch color[dep] {
			case grey:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, doc := range docs {
		if color[doc.ID] == white {
			if hit := visit(doc.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// MarkCompleted seeds documents as already completed, without results.
// Used when resuming a batch from a checkpoint so dependencies on
// previously processed documents resolve.
func (s *Scheduler) MarkCompleted(docIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range docIDs {
		s.completed[id] = struct{}{}
	}
}

// dispatchOutcome carries one job's attempt result back to the loop.
type dispatchOutcome struct {
	job      *job.Job
	result   pipeline.Result
	err      error
	duration time.Duration
}

// ProcessBatch drives a batch until every job reaches a terminal state,
// the context is cancelled, or its deadline passes. On cancellation it
// stops admitting jobs and returns the partial BatchResult together with
// the context error; already-dispatched jobs run to completion in the
// background and still update scheduler state.
func (s *Scheduler) ProcessBatch(ctx context.Context, batchID string) (*BatchResult, error) {
	s.mu.Lock()
	_, known := s.batches[batchID]
	s.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBatch, batchID)
	}

	start := time.Now()
	outcomes := make(chan dispatchOutcome, s.maxWorkers)

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("batch processing stopped early", "batch_id", batchID, "reason", err)
			s.drainOutcomes(batchID, outcomes)
			return s.batchResult(batchID, start), fmt.Errorf("batch %s stopped: %w", batchID, err)
		}

		if err := s.admitReady(ctx, batchID, outcomes); err != nil {
			s.drainOutcomes(batchID, outcomes)
			return s.batchResult(batchID, start), err
		}

		if s.batchIdle(batchID) {
			res := s.batchResult(batchID, start)
			s.logger.Info("batch finished",
				"batch_id", batchID,
				"successful", res.Successful,
				"failed", res.Failed,
				"duration", res.Duration,
			)
			return res, nil
		}

		select {
		case out := <-outcomes:
			s.handleOutcome(batchID, out)
		case <-ctx.Done():
			s.logger.Warn("batch processing stopped early", "batch_id", batchID, "reason", ctx.Err())
			s.drainOutcomes(batchID, outcomes)
			return s.batchResult(batchID, start), fmt.Errorf("batch %s stopped: %w", batchID, ctx.Err())
		case <-time.After(s.pollInterval):
		}
	}
}

// drainOutcomes consumes the outcomes of jobs still dispatched when the
// processing loop exits early. Every dispatched job eventually sends one
// outcome; receiving them in the background keeps the active set and the
// terminal sets consistent after the batch returns.
func (s *Scheduler) drainOutcomes(batchID string, outcomes <-chan dispatchOutcome) {
	s.mu.Lock()
	inFlight := 0
	for id := range s.active {
		if s.jobBatch[id] == batchID {
			inFlight++
		}
	}
	s.mu.Unlock()

	if inFlight == 0 {
		return
	}
	go func() {
		for i := 0; i < inFlight; i++ {
			s.handleOutcome(batchID, <-outcomes)
		}
	}()
}

// admitReady admits as many ready jobs as the worker cap and resource
// monitor allow, highest priority first. A resource sampling error is
// fatal: admission must never assume "sufficient".
func (s *Scheduler) admitReady(ctx context.Context, batchID string, outcomes chan<- dispatchOutcome) error {
	for {
		s.mu.Lock()
		if len(s.active) >= s.maxWorkers {
			s.mu.Unlock()
			return nil
		}
		candidate := s.nextReadyLocked(batchID)
		s.mu.Unlock()

		if candidate == nil {
			return nil
		}

		// Starvation guard: a job waiting past MaxAdmissionWait is
		// admitted regardless of the resource check.
		if time.Since(candidate.EnqueuedAt) < s.maxAdmissionWait {
			ok, err := s.resources.HasSufficientResources(candidate.MemoryRequirementMB, s.cpuThreshold)
			if err != nil {
				return fmt.Errorf("resource check failed: %w", err)
			}
			if !ok {
				// Deferred, not failed: the job stays queued until
				// headroom appears.
				s.logger.Debug("job deferred for resources",
					"document_id", candidate.DocumentID,
					"memory_mb", candidate.MemoryRequirementMB,
				)
				return nil
			}
		}

		s.mu.Lock()
		if len(s.active) >= s.maxWorkers {
			s.mu.Unlock()
			return nil
		}
		j := s.queue.Remove(candidate.DocumentID)
		if j == nil {
			// Another loop admitted it between checks.
			s.mu.Unlock()
			continue
		}
		s.active[j.DocumentID] = j
		s.mu.Unlock()

		s.logger.Debug("job admitted",
			"document_id", j.DocumentID,
			"priority", j.Priority.String(),
			"retry_count", j.RetryCount,
		)

		go s.dispatch(ctx, j, outcomes)
	}
}

// nextReadyLocked returns the highest-precedence queued job of the batch
// whose dependencies are all completed, or nil.
func (s *Scheduler) nextReadyLocked(batchID string) *job.Job {
	for _, j := range s.queue.Jobs() {
		if s.jobBatch[j.DocumentID] != batchID {
			continue
		}
		if s.depsSatisfiedLocked(j) {
			return j
		}
	}
	return nil
}

// readyJobs returns every queued job of the batch whose dependencies are
// all completed, in scheduling order.
func (s *Scheduler) readyJobs(batchID string) []*job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*job.Job
	for _, j := range s.queue.Jobs() {
		if s.jobBatch[j.DocumentID] != batchID {
			continue
		}
		if s.depsSatisfiedLocked(j) {
			ready = append(ready, j)
		}
	}
	return ready
}

func (s *Scheduler) depsSatisfiedLocked(j *job.Job) bool {
	for _, dep := range j.Dependencies {
		if _, done := s.completed[dep]; !done {
			return false
		}
	}
	return true
}

// dispatch runs one job attempt and reports the outcome.
func (s *Scheduler) dispatch(ctx context.Context, j *job.Job, outcomes chan<- dispatchOutcome) {
	start := time.Now()
	res, err := s.runner.Run(ctx, j.Document())
	outcomes <- dispatchOutcome{job: j, result: res, err: err, duration: time.Since(start)}
}

// handleOutcome applies one attempt's result: success, retry with backoff,
// or terminal failure with dependent cascade.
func (s *Scheduler) handleOutcome(batchID string, out dispatchOutcome) {
	j := out.job

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, j.DocumentID)

	if out.err == nil {
		s.completed[j.DocumentID] = struct{}{}
		s.results[j.DocumentID] = &JobResult{
			DocumentID:  j.DocumentID,
			Result:      out.result,
			RetryCount:  j.RetryCount,
			Duration:    out.duration,
			CompletedAt: time.Now(),
		}
		s.statSuccess++
		s.statProcTotal += out.duration

		s.logger.Info("job completed",
			"document_id", j.DocumentID,
			"duration", out.duration,
			"entities", out.result.EntityCount,
		)
		return
	}

	retryable := pipeline.KindOf(out.err) != pipeline.FailureFatal
	if retryable && !j.RetriesExhausted() {
		j.RetryCount++
		s.statRetried++
		s.retrying[j.DocumentID] = j

		delay := s.backoffDelay(j.RetryCount)
		s.logger.Warn("job failed, scheduling retry",
			"document_id", j.DocumentID,
			"retry_count", j.RetryCount,
			"max_retries", j.MaxRetries,
			"backoff", delay,
			"error", out.err,
		)

		time.AfterFunc(delay, func() { s.requeue(j) })
		return
	}

	s.failTerminallyLocked(batchID, j, out.err, out.duration)
}

// backoffDelay is the exponential retry delay for the n-th retry, capped.
func (s *Scheduler) backoffDelay(retryCount int) time.Duration {
	delay := s.backoffBase << uint(retryCount)
	if delay > s.maxBackoff {
		delay = s.maxBackoff
	}
	return delay
}

// requeue returns a job from backoff to the queue, unless it was
// cascade-failed while waiting.
func (s *Scheduler) requeue(j *job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, waiting := s.retrying[j.DocumentID]; !waiting {
		return
	}
	delete(s.retrying, j.DocumentID)

	if _, terminal := s.failed[j.DocumentID]; terminal {
		return
	}

	j.EnqueuedAt = time.Now()
	s.queue.Push(j)
}

// failTerminallyLocked records a terminal failure and cascade-fails every
// queued or backing-off dependent, transitively. Running dependents cannot
// exist: a job is only admitted once its dependencies completed.
func (s *Scheduler) failTerminallyLocked(batchID string, j *job.Job, cause error, duration time.Duration) {
	s.failed[j.DocumentID] = struct{}{}
	s.results[j.DocumentID] = &JobResult{
		DocumentID:  j.DocumentID,
		Err:         cause,
		RetryCount:  j.RetryCount,
		Duration:    duration,
		CompletedAt: time.Now(),
	}
	s.statFailed++

	s.logger.Error("job failed terminally",
		"document_id", j.DocumentID,
		"retry_count", j.RetryCount,
		"error", cause,
	)

	s.cascadeFailLocked(j.DocumentID)
}

func (s *Scheduler) cascadeFailLocked(failedID string) {
	for _, depID := range s.dependents[failedID] {
		if _, done := s.completed[depID]; done {
			continue
		}
		if _, gone := s.failed[depID]; gone {
			continue
		}

		var dj *job.Job
		if q := s.queue.Remove(depID); q != nil {
			dj = q
		} else if r, ok := s.retrying[depID]; ok {
			delete(s.retrying, depID)
			dj = r
		} else {
			continue
		}

		cause := fmt.Errorf("%w: %s", ErrDependencyFailed, failedID)
		s.failed[depID] = struct{}{}
		s.results[depID] = &JobResult{
			DocumentID:  depID,
			Err:         cause,
			RetryCount:  dj.RetryCount,
			CompletedAt: time.Now(),
		}
		s.statFailed++

		s.logger.Warn("job cascade-failed", "document_id", depID, "failed_dependency", failedID)

		s.cascadeFailLocked(depID)
	}
}

// batchIdle reports whether the batch has no queued, backing-off, or
// running jobs left.
func (s *Scheduler) batchIdle(batchID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveJobsLocked(batchID) == 0
}

func (s *Scheduler) liveJobsLocked(batchID string) int {
	live := 0
	for _, j := range s.queue.Jobs() {
		if s.jobBatch[j.DocumentID] == batchID {
			live++
		}
	}
	for id := range s.retrying {
		if s.jobBatch[id] == batchID {
			live++
		}
	}
	for id := range s.active {
		if s.jobBatch[id] == batchID {
			live++
		}
	}
	return live
}

// batchResult assembles the batch's aggregate outcome so far.
func (s *Scheduler) batchResult(batchID string, start time.Time) *BatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.batches[batchID]
	res := &BatchResult{
		BatchID:        batchID,
		TotalDocuments: len(ids),
		Duration:       time.Since(start),
		Results:        make(map[string]*JobResult, len(ids)),
	}

	for _, id := range ids {
		jr, ok := s.results[id]
		if !ok {
			continue
		}
		res.Results[id] = jr
		if jr.Success() {
			res.Successful++
		} else {
			res.Failed++
		}
	}

	return res
}

// Result returns the terminal outcome for a document, or nil if it has
// not reached a terminal state.
func (s *Scheduler) Result(docID string) *JobResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[docID]
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	terminal := s.statSuccess + s.statFailed
	st := Stats{
		TotalJobs:  s.statTotal,
		Successful: s.statSuccess,
		Failed:     s.statFailed,
		Retried:    s.statRetried,
		ActiveJobs: len(s.active),
		QueuedJobs: s.queue.Len() + len(s.retrying),
	}
	if terminal > 0 {
		st.SuccessRate = float64(s.statSuccess) / float64(terminal)
		st.FailureRate = float64(s.statFailed) / float64(terminal)
	}
	if s.statSuccess > 0 {
		st.AvgProcessingTime = s.statProcTotal / time.Duration(s.statSuccess)
	}
	return st
}
