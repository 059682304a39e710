package delivery

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shohag/postrelay/internal/models"
)

// JobQueue holds the live retry state of every delivery target. A target is
// live while it is in flight (an attempt is executing) or pending (a RetryJob
// waits for its time). A target is never live twice.
type JobQueue interface {
	// Reserve marks key as in flight. It reports false if key is already live.
	Reserve(ctx context.Context, key string) (bool, error)
	// Schedule adds a pending job. It reports false if the target is already live.
	Schedule(ctx context.Context, job models.RetryJob) (bool, error)
	// PopDue moves up to limit jobs whose time has come to in flight, earliest first.
	PopDue(ctx context.Context, now time.Time, limit int) ([]models.RetryJob, error)
	// Reschedule turns an in-flight target back into a pending job.
	Reschedule(ctx context.Context, job models.RetryJob) error
	// Release drops every trace of key.
	Release(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	// Len is the number of pending jobs.
	Len(ctx context.Context) (int, error)
	Pending(ctx context.Context) ([]models.RetryJob, error)
}

type queueItem struct {
	job   models.RetryJob
	seq   uint64
	index int
}

type jobHeap []*queueItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.NextAttemptAt.Equal(h[j].job.NextAttemptAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].job.NextAttemptAt.Before(h[j].job.NextAttemptAt)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// MemoryQueue is a JobQueue ordered by next attempt time. It is safe for
// concurrent use.
type MemoryQueue struct {
	mu       sync.Mutex
	heap     jobHeap
	pending  map[string]*queueItem
	inflight map[string]struct{}
	seq      uint64
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending:  make(map[string]*queueItem),
		inflight: make(map[string]struct{}),
	}
}

func (q *MemoryQueue) live(key string) bool {
	if _, ok := q.pending[key]; ok {
		return true
	}
	_, ok := q.inflight[key]
	return ok
}

func (q *MemoryQueue) push(job models.RetryJob) {
	q.seq++
	item := &queueItem{job: job, seq: q.seq}
	heap.Push(&q.heap, item)
	q.pending[job.Key()] = item
}

func (q *MemoryQueue) Reserve(ctx context.Context, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.live(key) {
		return false, nil
	}
	q.inflight[key] = struct{}{}
	return true, nil
}

func (q *MemoryQueue) Schedule(ctx context.Context, job models.RetryJob) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.live(job.Key()) {
		return false, nil
	}
	q.push(job)
	return true, nil
}

func (q *MemoryQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]models.RetryJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []models.RetryJob
	for len(q.heap) > 0 && (limit <= 0 || len(due) < limit) {
		next := q.heap[0]
		if next.job.NextAttemptAt.After(now) {
			break
		}
		heap.Pop(&q.heap)
		key := next.job.Key()
		delete(q.pending, key)
		q.inflight[key] = struct{}{}
		due = append(due, next.job)
	}
	return due, nil
}

func (q *MemoryQueue) Reschedule(ctx context.Context, job models.RetryJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := job.Key()
	delete(q.inflight, key)
	if item, ok := q.pending[key]; ok {
		heap.Remove(&q.heap, item.index)
	}
	q.push(job)
	return nil
}

func (q *MemoryQueue) Release(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, key)
	if item, ok := q.pending[key]; ok {
		heap.Remove(&q.heap, item.index)
		delete(q.pending, key)
	}
	return nil
}

func (q *MemoryQueue) Has(ctx context.Context, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.live(key), nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap), nil
}

func (q *MemoryQueue) Pending(ctx context.Context) ([]models.RetryJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]models.RetryJob, 0, len(q.heap))
	for _, item := range q.heap {
		jobs = append(jobs, item.job)
	}
	sortJobs(jobs)
	return jobs, nil
}

func sortJobs(jobs []models.RetryJob) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].NextAttemptAt.Before(jobs[j].NextAttemptAt)
	})
}
