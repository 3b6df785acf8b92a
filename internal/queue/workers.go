package queue

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/stenoworks/steno/internal/models"
	"github.com/stenoworks/steno/internal/scope"
	"gorm.io/gorm"
)

// Handler processes one claimed job. Business-logic failures must be
// classified and persisted inside the handler and reported as a nil return;
// a non-nil error means something genuinely unexpected happened and defers
// to the queue's own retry policy.
type Handler func(ctx context.Context, job *models.Job) error

// WorkersOpts holds parameters for creating a worker pool.
type WorkersOpts struct {
	DB           *gorm.DB
	Scope        scope.Scope
	Concurrency  map[string]int // per-queue worker count, default 1
	PollInterval time.Duration  // defaults to 2s
	RetryBase    time.Duration  // defaults to 30s
	RetryCeiling time.Duration  // defaults to 1h
	MaxAttempts  int            // defaults to 8
	Out          io.Writer      // defaults to os.Stdout
}

// Workers runs bounded per-queue pools of short-lived job executions.
type Workers struct {
	db           *gorm.DB
	sc           scope.Scope
	concurrency  map[string]int
	pollInterval time.Duration
	retryBase    time.Duration
	retryCeiling time.Duration
	maxAttempts  int
	out          io.Writer

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewWorkers creates a worker pool manager.
func NewWorkers(opts WorkersOpts) (*Workers, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("queue: workers: db is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 30 * time.Second
	}
	if opts.RetryCeiling <= 0 {
		opts.RetryCeiling = time.Hour
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Workers{
		db:           opts.DB,
		sc:           opts.Scope,
		concurrency:  opts.Concurrency,
		pollInterval: opts.PollInterval,
		retryBase:    opts.RetryBase,
		retryCeiling: opts.RetryCeiling,
		maxAttempts:  opts.MaxAttempts,
		out:          opts.Out,
		handlers:     make(map[string]Handler),
	}, nil
}

// Register binds a handler to a named queue. Must be called before Run.
func (w *Workers) Register(queueName string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[queueName] = h
}

// Run starts the worker pools and blocks until ctx is cancelled.
func (w *Workers) Run(ctx context.Context) {
	var wg sync.WaitGroup

	w.mu.RLock()
	for queueName := range w.handlers {
		n := w.concurrency[queueName]
		if n <= 0 {
			n = 1
		}
		fmt.Fprintf(w.out, "queue: %s: %d worker(s)\n", queueName, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(q string) {
				defer wg.Done()
				w.workLoop(ctx, q)
			}(queueName)
		}
	}
	w.mu.RUnlock()

	wg.Wait()
}

// workLoop polls one queue until the context is cancelled.
func (w *Workers) workLoop(ctx context.Context, queueName string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := Claim(w.db, w.sc, queueName)
		if err != nil {
			log.Printf("queue: %s: claim: %v", queueName, err)
			sleepWithContext(ctx, w.pollInterval)
			continue
		}
		if job == nil {
			sleepWithContext(ctx, w.pollInterval)
			continue
		}

		w.runOne(ctx, queueName, job)
	}
}

// runOne dispatches a single claimed job to its handler.
func (w *Workers) runOne(ctx context.Context, queueName string, job *models.Job) {
	w.mu.RLock()
	h := w.handlers[queueName]
	w.mu.RUnlock()
	if h == nil {
		log.Printf("queue: %s: no handler registered, killing job %s", queueName, job.ID)
		Fail(w.db, job, fmt.Errorf("no handler"), w.retryBase, w.retryCeiling, 1)
		return
	}

	if err := h(ctx, job); err != nil {
		// Unexpected failure (store unreachable etc). Log and defer to the
		// queue retry policy; business failures never reach this path.
		log.Printf("queue: %s: job %s: %v", queueName, job.ID, err)
		if ferr := Fail(w.db, job, err, w.retryBase, w.retryCeiling, w.maxAttempts); ferr != nil {
			log.Printf("queue: %s: record failure for %s: %v", queueName, job.ID, ferr)
		}
		return
	}

	if err := Complete(w.db, job.ID); err != nil {
		log.Printf("queue: %s: complete %s: %v", queueName, job.ID, err)
	}
}

// sleepWithContext sleeps for duration d, returning early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
