package job

import "container/heap"

// Less is the scheduling order: ascending priority value first
// (CRITICAL before LOW), then shorter estimated processing time.
// The ordering key is explicit rather than an operator on Job so the
// queue's contract is visible at the call site.
func Less(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.EstimatedTime < b.EstimatedTime
}

// Queue is a priority queue of jobs ordered by Less.
// The zero value is ready to use. Not safe for concurrent use.
type Queue struct {
	h jobHeap
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	return q.h.Len()
}

// Push adds a job to the queue.
func (q *Queue) Push(j *Job) {
	heap.Push(&q.h, j)
}

// Pop removes and returns the highest-precedence job, or nil if empty.
func (q *Queue) Pop() *Job {
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Job)
}

// Peek returns the highest-precedence job without removing it,
// or nil if the queue is empty.
func (q *Queue) Peek() *Job {
	if q.h.Len() == 0 {
		return nil
	}
	return q.h[0]
}

// Remove deletes the job for the given document ID and returns it,
// or nil if no such job is queued.
func (q *Queue) Remove(documentID string) *Job {
	for i, j := range q.h {
		if j.DocumentID == documentID {
			return heap.Remove(&q.h, i).(*Job)
		}
	}
	return nil
}

// Jobs returns the queued jobs in scheduling order. The queue is not
// modified; the returned slice is a fresh copy.
func (q *Queue) Jobs() []*Job {
	tmp := make(jobHeap, len(q.h))
	copy(tmp, q.h)

	out := make([]*Job, 0, len(tmp))
	for tmp.Len() > 0 {
		out = append(out, heap.Pop(&tmp).(*Job))
	}
	return out
}

// jobHeap implements heap.Interface over *Job using Less.
type jobHeap []*Job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return Less(h[i], h[j]) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*Job)) }

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
