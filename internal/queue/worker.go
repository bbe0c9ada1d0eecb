package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Observer is told how every job ended
type Observer func(name string, status JobStatus, elapsed time.Duration)

// Worker runs submitted jobs one at a time on a single goroutine
type Worker struct {
	jobs   chan *Handle
	logger *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	stopped  bool
	active   map[string]*Handle
	observer Observer

	done chan struct{}
}

// NewWorker creates a worker whose queue holds up to queueSize pending jobs
func NewWorker(queueSize int, logger *slog.Logger) *Worker {
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		jobs:       make(chan *Handle, queueSize),
		logger:     logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		active:     make(map[string]*Handle),
		done:       make(chan struct{}),
	}
}

// SetObserver installs a callback run after each job finishes
func (w *Worker) SetObserver(o Observer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.observer = o
}

// Start begins the worker loop in a goroutine. Cancelling ctx cancels every
// pending and running job.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true
	context.AfterFunc(ctx, w.baseCancel)
	go w.run()
}

// Stop cancels every pending and running job and waits until each has
// finished
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.stopped = true
	started := w.started
	w.baseCancel()
	close(w.jobs)
	w.mu.Unlock()

	if !started {
		w.drain()
		close(w.done)
		return
	}
	<-w.done
	w.logger.Info("worker stopped")
}

// Submit queues a job. It never blocks: a full queue yields ErrQueueFull.
func (w *Worker) Submit(job Job) (*Handle, error) {
	if job.Run == nil {
		return nil, fmt.Errorf("job %q has no run function", job.Name)
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil, ErrStopped
	}

	ctx, cancel := context.WithCancel(w.baseCtx)
	h := &Handle{
		id:        job.ID,
		name:      job.Name,
		createdAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
		run:       job.Run,
		finish:    job.Finish,
		done:      make(chan struct{}),
		status:    StatusQueued,
	}
	select {
	case w.jobs <- h:
	default:
		cancel()
		return nil, ErrQueueFull
	}
	w.active[h.id] = h

	w.logger.Debug("job queued", "job_id", h.id, "job", h.name)
	return h, nil
}

// Active returns the handles of queued and running jobs
func (w *Worker) Active() []*Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Handle, 0, len(w.active))
	for _, h := range w.active {
		out = append(out, h)
	}
	return out
}

// run is the main worker loop
func (w *Worker) run() {
	defer close(w.done)
	for h := range w.jobs {
		w.execute(h)
	}
}

func (w *Worker) drain() {
	for h := range w.jobs {
		w.complete(h, StatusCancelled, context.Canceled)
	}
}

// execute runs a single job
func (w *Worker) execute(h *Handle) {
	if err := h.ctx.Err(); err != nil {
		w.logger.Info("job cancelled before start", "job_id", h.id, "job", h.name)
		w.complete(h, StatusCancelled, err)
		return
	}

	w.logger.Info("executing job", "job_id", h.id, "job", h.name)
	h.setStatus(StatusRunning)

	err := w.safeRun(h)

	switch {
	case err == nil:
		w.logger.Info("job execution completed", "job_id", h.id, "job", h.name)
		w.complete(h, StatusCompleted, nil)
	case h.ctx.Err() != nil:
		w.logger.Info("job execution cancelled", "job_id", h.id, "job", h.name, "error", err)
		w.complete(h, StatusCancelled, err)
	default:
		w.logger.Error("job execution failed", "job_id", h.id, "job", h.name, "error", err)
		w.complete(h, StatusFailed, err)
	}
}

func (w *Worker) safeRun(h *Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", h.name, r)
		}
	}()
	return h.run(h.ctx)
}

// complete records the outcome, runs Finish and closes Done. It is a no-op
// after the first call for a handle.
func (w *Worker) complete(h *Handle, status JobStatus, err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.status = status
		h.err = err
		h.mu.Unlock()

		if h.finish != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						w.logger.Error("job finish callback panicked", "job_id", h.id, "job", h.name, "panic", r)
					}
				}()
				h.finish(status, err)
			}()
		}

		w.mu.Lock()
		delete(w.active, h.id)
		observer := w.observer
		w.mu.Unlock()

		if observer != nil {
			observer(h.name, status, time.Since(h.createdAt))
		}

		h.cancel()
		close(h.done)
	})
}
