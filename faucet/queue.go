package faucet

import (
	"context"
	"sync/atomic"
	"time"
)

// QueuedJob is an admitted request travelling through the dispatch pipeline.
// The queue owns it until the submitter pulls it; the buffered result channel
// receives exactly one terminal outcome.
type QueuedJob struct {
	Request    DisbursementRequest
	EnqueuedAt time.Time
	result     chan Outcome
}

// deliver hands the terminal outcome to any waiting caller. The channel is
// buffered so delivery never blocks when the caller gave up waiting.
func (j *QueuedJob) deliver(outcome Outcome) {
	select {
	case j.result <- outcome:
	default:
	}
}

// JobHandle lets the facade wait for a job's terminal outcome.
type JobHandle struct {
	job *QueuedJob
}

// ID returns the job identifier.
func (h JobHandle) ID() string { return h.job.Request.ID }

// Wait blocks until the job reaches a terminal outcome or ctx expires. The
// boolean reports whether an outcome was received; ctx expiry cancels only
// this wait, never the job itself.
func (h JobHandle) Wait(ctx context.Context) (Outcome, bool) {
	select {
	case outcome := <-h.job.result:
		return outcome, true
	case <-ctx.Done():
		return Outcome{}, false
	}
}

// DispatchQueue serialises admitted requests into a single ordered stream.
// Exactly one consumer drains it, which is what keeps nonce assignment order
// identical to admission order.
type DispatchQueue struct {
	jobs  chan *QueuedJob
	depth atomic.Int64
}

// NewDispatchQueue sizes the queue to the in-flight ceiling.
func NewDispatchQueue(capacity int) *DispatchQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &DispatchQueue{jobs: make(chan *QueuedJob, capacity)}
}

// Enqueue appends an admitted request in arrival order. It never blocks; a
// full buffer surfaces as ErrBackpressure so admission stays synchronous.
func (q *DispatchQueue) Enqueue(req DisbursementRequest) (JobHandle, error) {
	job := &QueuedJob{
		Request:    req,
		EnqueuedAt: req.SubmittedAt,
		result:     make(chan Outcome, 1),
	}
	select {
	case q.jobs <- job:
		q.depth.Add(1)
		return JobHandle{job: job}, nil
	default:
		return JobHandle{}, ErrBackpressure
	}
}

// Drain exposes the job stream for the single submitter worker.
func (q *DispatchQueue) Drain() <-chan *QueuedJob {
	return q.jobs
}

// Depth reports the number of admitted jobs that have not reached a terminal
// outcome, including the one currently being processed.
func (q *DispatchQueue) Depth() int {
	return int(q.depth.Load())
}

// markDone records that a job reached a terminal outcome.
func (q *DispatchQueue) markDone() {
	q.depth.Add(-1)
}
