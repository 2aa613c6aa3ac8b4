// Package scheduler dispatches blocking remote calls through an adaptive
// worker pool. Work is tagged by host and category and routed onto one of two
// logical queues: SHORT for ordinary round-trips and a per-host serialized IO
// queue for long disk and guest-initialization operations.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Category tags a task for queue routing and diagnostics.
type Category string

const (
	CategoryDeployment Category = "deployment"
	CategoryInventory  Category = "inventory"
	CategoryJob        Category = "job"
	CategoryGeneral    Category = "general"
)

// TaskFunc is a blocking callable executed off the scheduling loop.
type TaskFunc func(ctx context.Context) (interface{}, error)

// TaskTimeoutError is raised when a task exceeds its timeout. The callable is
// not forcibly terminated; its eventual result is discarded. Callers treat
// the timeout as a transport fault.
type TaskTimeoutError struct {
	Host        string
	Description string
	Timeout     time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("remote task %q on %s timed out after %s", e.Description, e.Host, e.Timeout)
}

// ErrStopped is returned for work submitted after shutdown began.
var ErrStopped = errors.New("scheduler stopped")

// Config controls pool sizing and scale dynamics.
type Config struct {
	MinWorkers int
	MaxWorkers int
	// IdleTimeout retires a worker that waited this long without work while
	// the pool is above MinWorkers.
	IdleTimeout time.Duration
	// ScaleUpBacklog is the SHORT queue depth that triggers a new worker.
	ScaleUpBacklog int
	// ScaleUpDurationThreshold blocks scale-up while the rolling average task
	// duration is at or above it: uniformly slow tasks indicate saturation,
	// not starvation.
	ScaleUpDurationThreshold time.Duration
	QueueDepth               int
}

func (c Config) withDefaults() Config {
	if c.MinWorkers < 1 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.ScaleUpBacklog < 1 {
		c.ScaleUpBacklog = 4
	}
	if c.ScaleUpDurationThreshold <= 0 {
		c.ScaleUpDurationThreshold = 20 * time.Second
	}
	if c.QueueDepth < 1 {
		c.QueueDepth = 256
	}
	return c
}

type taskResult struct {
	value interface{}
	err   error
}

type task struct {
	ctx         context.Context
	host        string
	category    Category
	description string
	fn          TaskFunc
	timeout     time.Duration
	result      chan taskResult
	enqueuedAt  time.Time
}

// Scheduler owns the worker pool and the per-host IO queue map. Callers never
// spawn their own goroutines for remote work.
type Scheduler struct {
	cfg Config

	shortQueue chan *task

	ioMu     sync.Mutex
	ioQueues map[string]chan *task

	poolMu      sync.Mutex
	workerCount int

	avgMu       sync.Mutex
	avgDuration time.Duration
	avgSeeded   bool

	executed  uint64
	timeouts  uint64
	discarded uint64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler; Start must be called before submitting work.
func New(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:        cfg,
		shortQueue: make(chan *task, cfg.QueueDepth),
		ioQueues:   make(map[string]chan *task),
		stopChan:   make(chan struct{}),
	}
}

// Start spins up the minimum worker set.
func (s *Scheduler) Start() {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()

	for i := 0; i < s.cfg.MinWorkers; i++ {
		s.workerCount++
		s.wg.Add(1)
		go s.worker()
	}

	log.WithFields(log.Fields{
		"min_workers": s.cfg.MinWorkers,
		"max_workers": s.cfg.MaxWorkers,
	}).Info("🚀 Remote task scheduler started")
}

// Stop drains no further work and waits for in-flight tasks to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	log.Info("🛑 Remote task scheduler stopped")
}

// Run enqueues a blocking call on the SHORT queue and waits for its result.
// Cancelling ctx before dispatch drops the task for free; after dispatch the
// call runs to completion and its result is discarded.
func (s *Scheduler) Run(ctx context.Context, host string, category Category, description string, fn TaskFunc) (interface{}, error) {
	return s.submit(ctx, host, category, description, fn, 0, s.shortQueue, true)
}

// RunTimeout is Run with a per-task timeout.
func (s *Scheduler) RunTimeout(ctx context.Context, host string, category Category, description string, timeout time.Duration, fn TaskFunc) (interface{}, error) {
	return s.submit(ctx, host, category, description, fn, timeout, s.shortQueue, true)
}

// RunIO enqueues onto the host's serialized IO queue: at most one IO task per
// host is in flight at a time, in strict FIFO order.
func (s *Scheduler) RunIO(ctx context.Context, host string, description string, fn TaskFunc) (interface{}, error) {
	return s.submit(ctx, host, CategoryDeployment, description, fn, 0, s.ioQueue(host), false)
}

// RunIOTimeout is RunIO with a per-task timeout.
func (s *Scheduler) RunIOTimeout(ctx context.Context, host string, description string, timeout time.Duration, fn TaskFunc) (interface{}, error) {
	return s.submit(ctx, host, CategoryDeployment, description, fn, timeout, s.ioQueue(host), false)
}

func (s *Scheduler) submit(ctx context.Context, host string, category Category, description string, fn TaskFunc, timeout time.Duration, queue chan *task, scalable bool) (interface{}, error) {
	t := &task{
		ctx:         ctx,
		host:        host,
		category:    category,
		description: description,
		fn:          fn,
		timeout:     timeout,
		result:      make(chan taskResult, 1),
		enqueuedAt:  time.Now(),
	}

	select {
	case <-s.stopChan:
		return nil, ErrStopped
	default:
	}

	select {
	case queue <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stopChan:
		return nil, ErrStopped
	}

	if scalable {
		s.maybeScaleUp()
	}

	select {
	case res := <-t.result:
		return res.value, res.err
	case <-ctx.Done():
		// Advisory cancellation: the in-flight call completes out-of-band
		// and its buffered result is dropped.
		return nil, ctx.Err()
	case <-s.stopChan:
		// Prefer a result that raced shutdown.
		select {
		case res := <-t.result:
			return res.value, res.err
		default:
			return nil, ErrStopped
		}
	}
}

// ioQueue returns the host's serialized queue, creating its worker on first
// use. The fleet host set is small and fixed, so IO workers live for the
// process lifetime.
func (s *Scheduler) ioQueue(host string) chan *task {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	q, ok := s.ioQueues[host]
	if !ok {
		q = make(chan *task, s.cfg.QueueDepth)
		s.ioQueues[host] = q
		s.wg.Add(1)
		go s.ioWorker(host, q)
		log.WithField("hostname", host).Debug("IO queue created")
	}
	return q
}

func (s *Scheduler) ioWorker(host string, q chan *task) {
	defer s.wg.Done()
	for {
		select {
		case t := <-q:
			s.execute(t)
		case <-s.stopChan:
			return
		}
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		idle := time.NewTimer(s.cfg.IdleTimeout)
		select {
		case t := <-s.shortQueue:
			idle.Stop()
			s.execute(t)
		case <-idle.C:
			if s.tryRetire() {
				return
			}
		case <-s.stopChan:
			idle.Stop()
			return
		}
	}
}

func (s *Scheduler) tryRetire() bool {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	if s.workerCount > s.cfg.MinWorkers {
		s.workerCount--
		log.WithField("worker_count", s.workerCount).Debug("Idle worker retired")
		return true
	}
	return false
}

func (s *Scheduler) maybeScaleUp() {
	if len(s.shortQueue) < s.cfg.ScaleUpBacklog {
		return
	}
	if s.rollingAverage() >= s.cfg.ScaleUpDurationThreshold {
		return
	}

	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	if s.workerCount >= s.cfg.MaxWorkers {
		return
	}
	s.workerCount++
	s.wg.Add(1)
	go s.worker()

	log.WithFields(log.Fields{
		"worker_count": s.workerCount,
		"backlog":      len(s.shortQueue),
	}).Debug("Worker pool scaled up")
}

func (s *Scheduler) execute(t *task) {
	// Cancelled before dequeue: discard without side effects.
	if t.ctx.Err() != nil {
		atomic.AddUint64(&s.discarded, 1)
		return
	}

	start := time.Now()
	done := make(chan taskResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- taskResult{err: fmt.Errorf("panic in remote task %q: %v", t.description, r)}
			}
		}()
		value, err := t.fn(t.ctx)
		done <- taskResult{value: value, err: err}
	}()

	var timeoutCh <-chan time.Time
	if t.timeout > 0 {
		timer := time.NewTimer(t.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-done:
		s.observe(time.Since(start))
		atomic.AddUint64(&s.executed, 1)
		t.result <- res
	case <-timeoutCh:
		atomic.AddUint64(&s.timeouts, 1)
		t.result <- taskResult{err: &TaskTimeoutError{
			Host:        t.host,
			Description: t.description,
			Timeout:     t.timeout,
		}}
		log.WithFields(log.Fields{
			"hostname":    t.host,
			"category":    t.category,
			"description": t.description,
			"timeout":     t.timeout,
		}).Warn("⚠️ Remote task timed out, abandoning result")
	}
}

// observe folds a completed task duration into the rolling average:
// avg = 0.8*avg + 0.2*duration.
func (s *Scheduler) observe(d time.Duration) {
	s.avgMu.Lock()
	defer s.avgMu.Unlock()
	if !s.avgSeeded {
		s.avgDuration = d
		s.avgSeeded = true
		return
	}
	s.avgDuration = time.Duration(float64(s.avgDuration)*0.8 + float64(d)*0.2)
}

func (s *Scheduler) rollingAverage() time.Duration {
	s.avgMu.Lock()
	defer s.avgMu.Unlock()
	return s.avgDuration
}

// Stats reports pool and queue state for the debug endpoint.
func (s *Scheduler) Stats() map[string]interface{} {
	s.poolMu.Lock()
	workers := s.workerCount
	s.poolMu.Unlock()

	s.ioMu.Lock()
	ioQueues := make(map[string]int, len(s.ioQueues))
	for host, q := range s.ioQueues {
		ioQueues[host] = len(q)
	}
	s.ioMu.Unlock()

	return map[string]interface{}{
		"worker_count":      workers,
		"short_queue_depth": len(s.shortQueue),
		"io_queue_depths":   ioQueues,
		"rolling_avg_ms":    s.rollingAverage().Milliseconds(),
		"tasks_executed":    atomic.LoadUint64(&s.executed),
		"tasks_timed_out":   atomic.LoadUint64(&s.timeouts),
		"tasks_discarded":   atomic.LoadUint64(&s.discarded),
	}
}
