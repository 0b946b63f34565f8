package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/node3/marketplace/pkg/models"
)

func queuedJob(id string, priority models.JobPriority, admitted time.Time) *models.Job {
	return &models.Job{
		ID:         id,
		State:      models.JobStateQueued,
		Priority:   priority,
		AdmittedAt: admitted,
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := New()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// Admitted low, normal, high, in that order
	q.Push(queuedJob("low", models.PriorityLow, base))
	q.Push(queuedJob("normal", models.PriorityNormal, base.Add(time.Second)))
	q.Push(queuedJob("high", models.PriorityHigh, base.Add(2*time.Second)))

	any := func(*models.Job) bool { return true }
	expect := []string{"high", "normal", "low"}
	for _, want := range expect {
		job, ok := q.PopBestMatch(any)
		if !ok {
			t.Fatalf("Expected job %s, queue empty", want)
		}
		if job.ID != want {
			t.Errorf("Expected %s, got %s", want, job.ID)
		}
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		q.Push(queuedJob(fmt.Sprintf("job-%d", i), models.PriorityNormal, base.Add(time.Duration(i)*time.Second)))
	}

	any := func(*models.Job) bool { return true }
	for i := 0; i < 5; i++ {
		job, _ := q.PopBestMatch(any)
		if want := fmt.Sprintf("job-%d", i); job.ID != want {
			t.Errorf("Expected %s, got %s", want, job.ID)
		}
	}
}

func TestPopBestMatchSkipsNonMatching(t *testing.T) {
	q := New()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	big := queuedJob("big", models.PriorityHigh, base)
	big.GPUMemoryRequired = 16e9
	small := queuedJob("small", models.PriorityLow, base.Add(time.Second))
	small.GPUMemoryRequired = 4e9
	q.Push(big)
	q.Push(small)

	// Only 8GB available: the high-priority head cannot be placed but the
	// low job can
	fits := func(j *models.Job) bool { return j.GPUMemoryRequired <= 8e9 }
	job, ok := q.PopBestMatch(fits)
	if !ok || job.ID != "small" {
		t.Fatalf("Expected small job, got %+v ok=%v", job, ok)
	}

	// The skipped head keeps its position
	if q.Len() != 1 {
		t.Errorf("Expected 1 job left, got %d", q.Len())
	}
	job, ok = q.PopBestMatch(func(*models.Job) bool { return true })
	if !ok || job.ID != "big" {
		t.Errorf("Expected big job still queued, got %+v", job)
	}
}

func TestPopBestMatchEmpty(t *testing.T) {
	q := New()
	if _, ok := q.PopBestMatch(func(*models.Job) bool { return true }); ok {
		t.Error("Expected no match on empty queue")
	}
}

func TestDuplicatePushIgnored(t *testing.T) {
	q := New()
	job := queuedJob("dup", models.PriorityNormal, time.Now())
	if !q.Push(job) {
		t.Error("First push should succeed")
	}
	if q.Push(job) {
		t.Error("Duplicate push should be ignored")
	}
	if q.Len() != 1 {
		t.Errorf("Expected length 1, got %d", q.Len())
	}
}

func TestRemove(t *testing.T) {
	q := New()
	base := time.Now()
	q.Push(queuedJob("a", models.PriorityNormal, base))
	q.Push(queuedJob("b", models.PriorityNormal, base.Add(time.Second)))

	if !q.Remove("a") {
		t.Error("Expected removal of queued job to succeed")
	}
	if q.Remove("a") {
		t.Error("Expected second removal to fail")
	}
	if q.Contains("a") {
		t.Error("Removed job must not be contained")
	}

	job, _ := q.PopBestMatch(func(*models.Job) bool { return true })
	if job.ID != "b" {
		t.Errorf("Expected b, got %s", job.ID)
	}
}

func TestSnapshotOrder(t *testing.T) {
	q := New()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	q.Push(queuedJob("n1", models.PriorityNormal, base))
	q.Push(queuedJob("u1", models.PriorityUrgent, base.Add(time.Second)))
	q.Push(queuedJob("n2", models.PriorityNormal, base.Add(2*time.Second)))

	snapshot := q.Snapshot()
	want := []string{"u1", "n1", "n2"}
	if len(snapshot) != len(want) {
		t.Fatalf("Expected %d jobs, got %d", len(want), len(snapshot))
	}
	for i, job := range snapshot {
		if job.ID != want[i] {
			t.Errorf("Snapshot[%d] = %s, want %s", i, job.ID, want[i])
		}
	}
	// Snapshot must not drain the queue
	if q.Len() != 3 {
		t.Errorf("Expected queue untouched, got length %d", q.Len())
	}
}

func TestRebuildFiltersNonQueued(t *testing.T) {
	q := New()
	base := time.Now()
	running := queuedJob("running", models.PriorityNormal, base)
	running.State = models.JobStateRunning

	q.Rebuild([]*models.Job{
		queuedJob("q1", models.PriorityNormal, base),
		running,
		queuedJob("q2", models.PriorityHigh, base.Add(time.Second)),
	})

	if q.Len() != 2 {
		t.Errorf("Expected 2 queued jobs after rebuild, got %d", q.Len())
	}
	if q.Contains("running") {
		t.Error("Rebuild must skip non-queued jobs")
	}
}
