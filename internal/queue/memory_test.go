package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"email-triage/internal/models"
)

func testQueue(now *time.Time) *Memory {
	var n int
	return NewMemory(
		WithClock(func() time.Time { return *now }),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("job-%d", n) }),
	)
}

func scoringJob(subject string, priority int) models.Job {
	return models.Job{
		Type:       models.JobEmailScoring,
		Payload:    models.ScoringPayload{EmailID: "e1"},
		Priority:   priority,
		SubjectID:  subject,
		MaxRetries: 3,
	}
}

func TestEnqueueRejectsUnknownType(t *testing.T) {
	now := time.Now()
	q := testQueue(&now)
	_, err := q.Enqueue(models.Job{Type: "mystery"})
	if err == nil {
		t.Fatal("expected validation error for unknown type")
	}
}

func TestPriorityOrderWithFIFOTies(t *testing.T) {
	now := time.Now()
	q := testQueue(&now)

	ids := map[int]string{}
	for _, p := range []int{1, 9, 5, 9} {
		id, err := q.Enqueue(scoringJob("alice", p))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if _, dup := ids[p]; !dup {
			ids[p] = id
		}
	}

	var order []int
	for {
		j, ok := q.NextEligible()
		if !ok {
			break
		}
		if _, ok := q.Claim(j.ID); !ok {
			t.Fatalf("claim %s failed", j.ID)
		}
		order = append(order, j.Priority)
		q.Complete(j.ID)
	}
	want := []int{9, 9, 5, 1}
	if len(order) != len(want) {
		t.Fatalf("dispatched %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatched %v, want %v", order, want)
		}
	}
}

func TestFIFOWithinEqualPriority(t *testing.T) {
	now := time.Now()
	q := testQueue(&now)
	first, _ := q.Enqueue(scoringJob("a", 5))
	second, _ := q.Enqueue(scoringJob("a", 5))

	j, ok := q.NextEligible()
	if !ok || j.ID != first {
		t.Fatalf("expected %s first, got %+v", first, j)
	}
	q.Claim(j.ID)
	j, ok = q.NextEligible()
	if !ok || j.ID != second {
		t.Fatalf("expected %s second, got %+v", second, j)
	}
}

func TestDelayedJobsBecomeEligible(t *testing.T) {
	now := time.Now()
	q := testQueue(&now)

	j := scoringJob("a", 5)
	j.ScheduledAt = now.Add(time.Minute)
	id, _ := q.Enqueue(j)
	if _, ok := q.NextEligible(); ok {
		t.Fatal("delayed job should not be eligible yet")
	}
	if _, ok := q.Claim(id); ok {
		t.Fatal("delayed job must not be claimable")
	}

	now = now.Add(time.Minute + time.Second)
	got, ok := q.NextEligible()
	if !ok || got.ID != id {
		t.Fatalf("expected %s eligible after delay", id)
	}
}

func TestSingleClaim(t *testing.T) {
	now := time.Now()
	q := testQueue(&now)
	id, _ := q.Enqueue(scoringJob("a", 5))

	const attempts = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := q.Claim(id); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("claim won %d times, want exactly 1", wins)
	}
}

func TestRetryLaterAndDeadLetter(t *testing.T) {
	now := time.Now()
	q := testQueue(&now)
	id, _ := q.Enqueue(scoringJob("a", 5))

	q.Claim(id)
	retries, ok := q.RetryLater(id, "boom", now.Add(2*time.Second))
	if !ok || retries != 1 {
		t.Fatalf("retries=%d ok=%v", retries, ok)
	}
	if _, ok := q.NextEligible(); ok {
		t.Fatal("retried job should be delayed")
	}

	now = now.Add(3 * time.Second)
	q.Claim(id)
	if !q.DeadLetter(id, "boom again") {
		t.Fatal("dead-letter failed")
	}

	dl := q.DeadLetters()
	if len(dl) != 1 || dl[0].ID != id || dl[0].Retries != 1 {
		t.Fatalf("dead letters: %+v", dl)
	}

	// Retry drains the partition with counters reset.
	if !q.Retry(id) {
		t.Fatal("retry from dead-letter failed")
	}
	j, _ := q.Get(id)
	if j.Status != models.StatusPending || j.Retries != 0 || j.Error != "" {
		t.Fatalf("after retry: %+v", j)
	}
}

func TestRemoveSkipsProcessing(t *testing.T) {
	now := time.Now()
	q := testQueue(&now)
	id, _ := q.Enqueue(scoringJob("a", 5))
	q.Claim(id)
	if q.Remove(id) {
		t.Fatal("must not remove a claimed job")
	}
	q.Complete(id)
	if !q.Remove(id) {
		t.Fatal("completed job should be removable")
	}
	if _, ok := q.Get(id); ok {
		t.Fatal("job should be gone")
	}
}

func TestStats(t *testing.T) {
	now := time.Now()
	q := testQueue(&now)

	ok1, _ := q.Enqueue(scoringJob("a", 5))
	bad, _ := q.Enqueue(scoringJob("a", 5))
	q.Enqueue(scoringJob("a", 5))

	q.Claim(ok1)
	now = now.Add(200 * time.Millisecond)
	q.Complete(ok1)

	q.Claim(bad)
	q.Fail(bad, "x")

	s := q.Stats()
	if s.Pending != 1 || s.Completed != 1 || s.Failed != 1 {
		t.Fatalf("snapshot %+v", s)
	}
	if s.ErrorRate != 0.5 {
		t.Fatalf("error rate %v, want 0.5", s.ErrorRate)
	}
	if s.AvgProcessing != 200*time.Millisecond {
		t.Fatalf("avg processing %v", s.AvgProcessing)
	}
}
