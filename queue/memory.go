package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type scheduledJob struct {
	job AdvanceJob
	at  time.Time
}

// MemoryAdvanceQueue is an in-process AdvanceQueue. It records every
// enqueue so callers can assert on batching.
type MemoryAdvanceQueue struct {
	mu      sync.Mutex
	pending []scheduledJob

	Batches [][]AdvanceJob
	// Err, when set, fails every enqueue.
	Err error
}

func NewMemoryAdvanceQueue() *MemoryAdvanceQueue {
	return &MemoryAdvanceQueue{}
}

func (q *MemoryAdvanceQueue) Enqueue(ctx context.Context, job AdvanceJob) error {
	return q.EnqueueAt(ctx, job, time.Now())
}

func (q *MemoryAdvanceQueue) EnqueueAt(_ context.Context, job AdvanceJob, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.Err != nil {
		return q.Err
	}
	q.pending = append(q.pending, scheduledJob{job: job, at: at})
	q.Batches = append(q.Batches, []AdvanceJob{job})
	return nil
}

func (q *MemoryAdvanceQueue) EnqueueBatch(_ context.Context, jobs []AdvanceJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.Err != nil {
		return q.Err
	}
	now := time.Now()
	for _, job := range jobs {
		q.pending = append(q.pending, scheduledJob{job: job, at: now})
	}
	q.Batches = append(q.Batches, append([]AdvanceJob(nil), jobs...))
	return nil
}

func (q *MemoryAdvanceQueue) Dequeue(_ context.Context, now time.Time, limit int) ([]AdvanceJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sort.SliceStable(q.pending, func(i, j int) bool { return q.pending[i].at.Before(q.pending[j].at) })

	var out []AdvanceJob
	kept := q.pending[:0]
	for _, sj := range q.pending {
		if !sj.at.After(now) && (limit <= 0 || len(out) < limit) {
			out = append(out, sj.job)
			continue
		}
		kept = append(kept, sj)
	}
	q.pending = kept
	return out, nil
}

// Pending reports the jobs not yet dequeued with their due times.
func (q *MemoryAdvanceQueue) Pending() map[uint]time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[uint]time.Time, len(q.pending))
	for _, sj := range q.pending {
		out[sj.job.EnrollmentID] = sj.at
	}
	return out
}

// Total counts every job ever enqueued.
func (q *MemoryAdvanceQueue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, b := range q.Batches {
		n += len(b)
	}
	return n
}

// MemoryEmailQueue is an in-process EmailQueue.
type MemoryEmailQueue struct {
	mu   sync.Mutex
	jobs []EmailJob
	next int

	Err error
}

func NewMemoryEmailQueue() *MemoryEmailQueue {
	return &MemoryEmailQueue{}
}

func (q *MemoryEmailQueue) Enqueue(_ context.Context, job EmailJob) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.Err != nil {
		return "", q.Err
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	q.jobs = append(q.jobs, job)
	return job.ID, nil
}

func (q *MemoryEmailQueue) Dequeue(_ context.Context, _ time.Duration) (*EmailJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.next >= len(q.jobs) {
		return nil, ErrEmpty
	}
	job := q.jobs[q.next]
	q.next++
	return &job, nil
}

// Jobs returns every job accepted so far.
func (q *MemoryEmailQueue) Jobs() []EmailJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]EmailJob(nil), q.jobs...)
}
