// Package coordinator implements WorkflowCoordinator (C6): a
// per-user mailbox that serializes cross-module workflows (reaction ->
// currency credit -> hint unlock -> narrative progression) so that two
// events for the same user are never processed concurrently, while
// different users' workflows run fully in parallel. This generalizes
// the teacher's per-session pending-task bookkeeping in
// channels.TelegramChannel (a map guarded by a mutex, keyed by
// session/chat id) into a supervisor that spins up one worker
// goroutine per user on demand and tears it down once its mailbox
// drains.
package coordinator

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one unit of work submitted to a user's mailbox. Seq should be
// the producing event's timestamp (nanoseconds); the mailbox holds
// each job for reorderWindow after it arrives so a slightly-delayed,
// lower-Seq job still gets a chance to run first.
type Job struct {
	UserID string
	Seq    int64
	Run    func(ctx context.Context) error
}

const (
	mailboxCapacity = 256
	reorderWindow   = 30 * time.Second
	idleTimeout     = 5 * time.Second
)

// Coordinator owns one mailbox per active user.
type Coordinator struct {
	logger *slog.Logger

	mu    sync.Mutex
	boxes map[string]*mailbox
}

func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger, boxes: make(map[string]*mailbox)}
}

type mailbox struct {
	jobs chan Job
}

// Submit enqueues job on userID's mailbox, starting a worker for that
// user if none is currently running.
func (c *Coordinator) Submit(ctx context.Context, job Job) {
	c.mu.Lock()
	box, ok := c.boxes[job.UserID]
	if !ok {
		box = &mailbox{jobs: make(chan Job, mailboxCapacity)}
		c.boxes[job.UserID] = box
		go c.runWorker(job.UserID, box)
	}
	c.mu.Unlock()

	select {
	case box.jobs <- job:
	case <-ctx.Done():
	}
}

// runWorker drains a single user's mailbox. Every arriving job sits in
// a Seq-ordered buffer for reorderWindow before it is eligible to run,
// so a job that arrives late but carries an earlier Seq still gets
// executed ahead of jobs the worker already buffered. When the mailbox
// has been empty for idleTimeout the worker retires.
func (c *Coordinator) runWorker(userID string, box *mailbox) {
	pq := &jobHeap{}
	heap.Init(pq)

	for {
		var fireC <-chan time.Time
		if pq.Len() > 0 {
			fireC = time.After(time.Until((*pq)[0].readyAt))
		} else {
			fireC = time.After(idleTimeout)
		}

		select {
		case job, ok := <-box.jobs:
			if !ok {
				return
			}
			heap.Push(pq, pendingJob{job: job, readyAt: time.Now().Add(reorderWindow)})

		case <-fireC:
			if pq.Len() == 0 {
				c.mu.Lock()
				if len(box.jobs) == 0 {
					delete(c.boxes, userID)
					c.mu.Unlock()
					return
				}
				c.mu.Unlock()
				continue
			}
			ready := heap.Pop(pq).(pendingJob)
			c.execute(ready.job)
		}
	}
}

func (c *Coordinator) execute(job Job) {
	if err := job.Run(context.Background()); err != nil {
		c.logger.Error("workflow_job_failed", slog.String("user_id", job.UserID), slog.Any("error", err))
	}
}

type pendingJob struct {
	job     Job
	readyAt time.Time
}

// jobHeap orders pending jobs by Seq (earliest logical event first),
// breaking ties by readyAt so same-Seq jobs still run FIFO.
type jobHeap []pendingJob

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Seq != h[j].job.Seq {
		return h[i].job.Seq < h[j].job.Seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(pendingJob)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
