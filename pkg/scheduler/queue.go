package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ethpandaops/webtestoor/pkg/testrun"
)

// Queue is the durable FIFO of test jobs. Jobs are keyed by run id; a run
// has at most one job record. Claim and Remove race safely: a queued job is
// either claimed by exactly one worker or removed.
type Queue interface {
	// Push appends a job record to the back of the queue.
	Push(ctx context.Context, rec *testrun.JobRecord) error

	// PushFront puts a job record back at the front of the queue.
	PushFront(ctx context.Context, rec *testrun.JobRecord) error

	// Claim takes the next queued job and marks it active.
	// Returns (nil, nil) when the queue is empty.
	Claim(ctx context.Context) (*testrun.JobRecord, error)

	// Remove takes a still-queued job out of the queue. It reports false
	// when the job was no longer queued.
	Remove(ctx context.Context, runID string) (bool, error)

	// Get returns the job record of a run, or (nil, nil) when none exists.
	Get(ctx context.Context, runID string) (*testrun.JobRecord, error)

	// Update replaces the job record of a run.
	Update(ctx context.Context, rec *testrun.JobRecord) error

	// List returns every job record.
	List(ctx context.Context) ([]*testrun.JobRecord, error)

	// Len returns the number of queued jobs.
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu      sync.Mutex
	order   []string
	records map[string]testrun.JobRecord
}

// Compile-time interface check.
var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		records: make(map[string]testrun.JobRecord, 16),
	}
}

func (q *MemoryQueue) Push(_ context.Context, rec *testrun.JobRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.records[rec.Job.RunID] = *rec
	q.order = append(q.order, rec.Job.RunID)

	return nil
}

func (q *MemoryQueue) PushFront(_ context.Context, rec *testrun.JobRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.records[rec.Job.RunID] = *rec
	q.order = append([]string{rec.Job.RunID}, q.order...)

	return nil
}

func (q *MemoryQueue) Claim(_ context.Context) (*testrun.JobRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.order) > 0 {
		runID := q.order[0]
		q.order = q.order[1:]

		rec, ok := q.records[runID]
		if !ok {
			continue
		}

		rec.State = testrun.JobActive
		rec.UpdatedAt = time.Now().UTC()
		q.records[runID] = rec

		return &rec, nil
	}

	return nil, nil
}

func (q *MemoryQueue) Remove(_ context.Context, runID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, id := range q.order {
		if id == runID {
			q.order = append(q.order[:i], q.order[i+1:]...)

			return true, nil
		}
	}

	return false, nil
}

func (q *MemoryQueue) Get(_ context.Context, runID string) (*testrun.JobRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[runID]
	if !ok {
		return nil, nil
	}

	return &rec, nil
}

func (q *MemoryQueue) Update(_ context.Context, rec *testrun.JobRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.records[rec.Job.RunID] = *rec

	return nil
}

func (q *MemoryQueue) List(_ context.Context) ([]*testrun.JobRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*testrun.JobRecord, 0, len(q.records))
	for _, rec := range q.records {
		r := rec
		out = append(out, &r)
	}

	return out, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.order), nil
}
