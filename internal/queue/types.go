package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// JobStatus represents the current status of a job
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot
	ErrQueueFull = errors.New("job queue is full")
	// ErrStopped is returned by Submit after Stop has been called
	ErrStopped = errors.New("worker is stopped")
)

// Job is a unit of background work
type Job struct {
	ID   string
	Name string // category used in logs and metrics, e.g. "download"

	// Run does the work. It should return promptly once ctx is cancelled.
	Run func(ctx context.Context) error

	// Finish is called exactly once when the job leaves the worker, whether
	// it completed, failed, panicked, was cancelled or was never started.
	Finish func(status JobStatus, err error)
}

// Handle tracks a submitted job
type Handle struct {
	id        string
	name      string
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	run    func(context.Context) error
	finish func(JobStatus, error)
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	status JobStatus
	err    error
}

// ID returns the job identifier
func (h *Handle) ID() string { return h.id }

// Name returns the job category
func (h *Handle) Name() string { return h.name }

// Cancel requests cancellation. A queued job is discarded without running;
// a running job sees its context cancelled.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed after the job's Finish callback has returned
func (h *Handle) Done() <-chan struct{} { return h.done }

// Status returns the current job status
func (h *Handle) Status() JobStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err returns the job error once it has finished
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the job finishes or ctx is done
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) setStatus(s JobStatus) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}
