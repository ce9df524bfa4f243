package queue

import (
	"time"

	"email-triage/internal/models"
)

// item wraps a job with the bookkeeping the two heaps need. seq is a
// monotonic insertion counter so equal priorities resolve FIFO.
type item struct {
	job     *models.Job
	seq     uint64
	index   int
	delayed bool // true while the item sits in the delay heap
}

// pendingHeap orders eligible jobs by priority descending, then FIFO.
type pendingHeap []*item

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// delayHeap orders future-scheduled jobs by eligibility time ascending.
type delayHeap []*item

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	a, b := h[i].job.ScheduledAt, h[j].job.ScheduledAt
	if !a.Equal(b) {
		return a.Before(b)
	}
	return h[i].seq < h[j].seq
}

func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

func (h delayHeap) nextDue(now time.Time) bool {
	return len(h) > 0 && !h[0].job.ScheduledAt.After(now)
}
