// Package queue holds the in-memory priority queue of jobs awaiting
// dispatch. Higher priority first; strict FIFO by admission time within a
// priority class. The queue is a cache over the store's queued jobs and is
// rebuilt from it on startup.
package queue

import (
	"container/heap"
	"sync"

	"github.com/node3/marketplace/pkg/models"
)

// JobQueue is a priority queue of QUEUED jobs
type JobQueue struct {
	mu    sync.Mutex
	items jobHeap
	ids   map[string]bool
}

type jobHeap []*models.Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, k int) bool {
	if h[i].Priority != h[k].Priority {
		return h[i].Priority > h[k].Priority
	}
	return h[i].AdmittedAt.Before(h[k].AdmittedAt)
}

func (h jobHeap) Swap(i, k int)       { h[i], h[k] = h[k], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*models.Job)) }

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// New creates an empty job queue
func New() *JobQueue {
	q := &JobQueue{ids: make(map[string]bool)}
	heap.Init(&q.items)
	return q
}

// Push adds a queued job. Duplicate job ids are ignored.
func (q *JobQueue) Push(job *models.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ids[job.ID] {
		return false
	}
	heap.Push(&q.items, job)
	q.ids[job.ID] = true
	return true
}

// PopBestMatch removes and returns the highest-priority job accepted by the
// predicate. Jobs the predicate rejects keep their queue position: matching
// is a filter, not a head-of-line constraint, so a lower job may be placed
// when the head cannot.
func (q *JobQueue) PopBestMatch(match func(*models.Job) bool) (*models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	skipped := []*models.Job{}
	var found *models.Job
	for q.items.Len() > 0 {
		job := heap.Pop(&q.items).(*models.Job)
		if match(job) {
			found = job
			break
		}
		skipped = append(skipped, job)
	}
	for _, job := range skipped {
		heap.Push(&q.items, job)
	}
	if found == nil {
		return nil, false
	}
	delete(q.ids, found.ID)
	return found, true
}

// Remove drops a job from the queue by id
func (q *JobQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.ids[jobID] {
		return false
	}
	for i, job := range q.items {
		if job.ID == jobID {
			heap.Remove(&q.items, i)
			break
		}
	}
	delete(q.ids, jobID)
	return true
}

// Contains reports whether a job id is queued
func (q *JobQueue) Contains(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ids[jobID]
}

// Len returns the number of queued jobs
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Snapshot returns every queued job in dispatch order
func (q *JobQueue) Snapshot() []*models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Drain a copy of the heap to produce sorted order
	tmp := make(jobHeap, len(q.items))
	copy(tmp, q.items)
	heap.Init(&tmp)

	out := make([]*models.Job, 0, len(tmp))
	for tmp.Len() > 0 {
		out = append(out, heap.Pop(&tmp).(*models.Job))
	}
	return out
}

// Rebuild replaces the queue contents, used on startup recovery
func (q *JobQueue) Rebuild(jobs []*models.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = q.items[:0]
	q.ids = make(map[string]bool)
	for _, job := range jobs {
		if job.State != models.JobStateQueued || q.ids[job.ID] {
			continue
		}
		q.items = append(q.items, job)
		q.ids[job.ID] = true
	}
	heap.Init(&q.items)
}
