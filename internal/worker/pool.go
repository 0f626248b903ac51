// Package worker implements a bounded goroutine pool. internal/resolver
// uses one to run background re-resolution for stale-but-within-window
// cache hits (spec.md section 4.4's serve-stale behavior): a query
// answered from a stale entry still gets its refresh submitted through a
// Pool rather than a bare `go`, so a burst of simultaneously-expiring
// entries degrades by queuing (and eventually rejecting) instead of by
// spawning an unbounded number of concurrent upstream refreshes.
package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("worker: pool closed")
	ErrJobTimeout = errors.New("worker: job timed out waiting in queue")
	ErrQueueFull  = errors.New("worker: job queue full")
)

// Job is a unit of work submitted to a Pool.
type Job interface {
	Execute(ctx context.Context) error
}

// JobFunc adapts a plain function to Job.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Execute(ctx context.Context) error { return f(ctx) }

// Config configures a Pool.
type Config struct {
	// Name labels this pool for stats/telemetry purposes (e.g.
	// "udp-listener", "resolver-upstream"). Optional.
	Name string

	// Workers is the number of goroutines processing the queue. Defaults
	// to runtime.NumCPU() * 4, which is generous for I/O-bound DNS work.
	Workers int

	// QueueSize bounds how many jobs may wait for a free worker. Defaults
	// to Workers * 100.
	QueueSize int

	// QueueTimeout bounds how long Submit waits for a free slot before
	// returning ErrJobTimeout. Zero means wait indefinitely (subject to
	// ctx cancellation).
	QueueTimeout time.Duration

	// PanicHandler, if set, receives the recovered value when a Job
	// panics. The pool always keeps running regardless.
	PanicHandler func(any)
}

// Pool is a bounded worker pool.
type Pool struct {
	name         string
	workers      int
	queue        chan *jobWrapper
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	closed       atomic.Bool
	queueSize    int
	queueTimeout time.Duration
	panicHandler func(any)

	jobsSubmitted atomic.Uint64
	jobsCompleted atomic.Uint64
	jobsRejected  atomic.Uint64
	jobsFailed    atomic.Uint64
	jobsTimedOut  atomic.Uint64
	totalLatency  atomic.Uint64
}

type jobWrapper struct {
	job        Job
	ctx        context.Context
	resultCh   chan error
	submitTime time.Time
}

// NewPool starts a pool with the given configuration.
func NewPool(cfg Config) *Pool {
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU() * 4
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = cfg.Workers * 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:         cfg.Name,
		workers:      cfg.Workers,
		queue:        make(chan *jobWrapper, cfg.QueueSize),
		ctx:          ctx,
		cancel:       cancel,
		queueSize:    cfg.QueueSize,
		queueTimeout: cfg.QueueTimeout,
		panicHandler: cfg.PanicHandler,
	}

	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case wrapper, ok := <-p.queue:
			if !ok {
				return
			}
			p.executeJob(wrapper)
		}
	}
}

func (p *Pool) executeJob(wrapper *jobWrapper) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			select {
			case wrapper.resultCh <- errors.New("worker: job panicked"):
			default:
			}
			p.jobsFailed.Add(1)
		}
	}()

	start := time.Now()
	err := wrapper.job.Execute(wrapper.ctx)
	p.totalLatency.Add(uint64(time.Since(start).Nanoseconds()))

	select {
	case wrapper.resultCh <- err:
	default:
	}

	if err != nil {
		p.jobsFailed.Add(1)
	} else {
		p.jobsCompleted.Add(1)
	}
}

// Submit queues job and blocks until it completes, ctx is canceled, or the
// configured queue timeout expires.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.jobsSubmitted.Add(1)

	wrapper := &jobWrapper{job: job, ctx: ctx, resultCh: make(chan error, 1), submitTime: time.Now()}

	timeoutCtx := ctx
	if p.queueTimeout > 0 {
		var cancel context.CancelFunc
		timeoutCtx, cancel = context.WithTimeout(ctx, p.queueTimeout)
		defer cancel()
	}

	select {
	case p.queue <- wrapper:
		select {
		case err := <-wrapper.resultCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-timeoutCtx.Done():
		p.jobsTimedOut.Add(1)
		return ErrJobTimeout
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// TrySubmit queues job without waiting for room, returning ErrQueueFull if
// there is none; once queued, it blocks until the job completes or ctx is
// canceled.
func (p *Pool) TrySubmit(ctx context.Context, job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.jobsSubmitted.Add(1)

	wrapper := &jobWrapper{job: job, ctx: ctx, resultCh: make(chan error, 1), submitTime: time.Now()}

	select {
	case p.queue <- wrapper:
		select {
		case err := <-wrapper.resultCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		p.jobsRejected.Add(1)
		return ErrQueueFull
	}
}

// SubmitAsync queues job and returns without waiting for completion.
func (p *Pool) SubmitAsync(ctx context.Context, job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.jobsSubmitted.Add(1)

	wrapper := &jobWrapper{job: job, ctx: ctx, resultCh: make(chan error, 1), submitTime: time.Now()}

	if p.queueTimeout > 0 {
		timeoutCtx, cancel := context.WithTimeout(ctx, p.queueTimeout)
		defer cancel()
		select {
		case p.queue <- wrapper:
			return nil
		case <-timeoutCtx.Done():
			p.jobsTimedOut.Add(1)
			return ErrJobTimeout
		case <-p.ctx.Done():
			return ErrPoolClosed
		}
	}

	select {
	case p.queue <- wrapper:
		return nil
	default:
		p.jobsRejected.Add(1)
		return ErrQueueFull
	}
}

// Close stops accepting new jobs and waits for in-flight jobs to finish.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return ErrPoolClosed
	}
	close(p.queue)
	p.wg.Wait()
	p.cancel()
	return nil
}

// CloseTimeout is Close but gives up waiting after timeout, canceling the
// pool's context so in-flight jobs observe ctx cancellation.
func (p *Pool) CloseTimeout(timeout time.Duration) error {
	if p.closed.Swap(true) {
		return ErrPoolClosed
	}
	close(p.queue)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return errors.New("worker: shutdown timeout exceeded")
	}
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Name         string
	Workers      int
	QueueSize    int
	QueueDepth   int
	Submitted    uint64
	Completed    uint64
	Rejected     uint64
	Failed       uint64
	TimedOut     uint64
	AvgLatencyNs uint64
	Utilization  float64
}

// GetStats returns a snapshot of pool counters.
func (p *Pool) GetStats() Stats {
	submitted := p.jobsSubmitted.Load()
	completed := p.jobsCompleted.Load()
	failed := p.jobsFailed.Load()
	rejected := p.jobsRejected.Load()
	timedOut := p.jobsTimedOut.Load()
	totalLatency := p.totalLatency.Load()

	var avgLatency uint64
	if completed > 0 {
		avgLatency = totalLatency / completed
	}

	inProgress := submitted - completed - failed - rejected - timedOut
	var utilization float64
	if p.workers > 0 {
		utilization = float64(inProgress) / float64(p.workers) * 100
		if utilization > 100 {
			utilization = 100
		}
	}

	return Stats{
		Name:         p.name,
		Workers:      p.workers,
		QueueSize:    p.queueSize,
		QueueDepth:   len(p.queue),
		Submitted:    submitted,
		Completed:    completed,
		Rejected:     rejected,
		Failed:       failed,
		TimedOut:     timedOut,
		AvgLatencyNs: avgLatency,
		Utilization:  utilization,
	}
}

// Resize grows or shrinks the worker count. Growing starts new goroutines
// immediately; shrinking is eventual — excess workers exit only once the
// pool closes, since forcibly killing a worker mid-job would drop that
// job's result silently.
func (p *Pool) Resize(newSize int) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if newSize < 1 {
		return errors.New("worker: count must be at least 1")
	}

	current := p.workers
	if newSize == current {
		return nil
	}
	if newSize > current {
		diff := newSize - current
		p.wg.Add(diff)
		for i := 0; i < diff; i++ {
			go p.worker(current + i)
		}
	}
	p.workers = newSize
	return nil
}

// QueueDepth returns the number of jobs currently queued.
func (p *Pool) QueueDepth() int { return len(p.queue) }

// IsHealthy applies a few cheap heuristics to flag a pool that is stuck or
// overwhelmed, for use in a liveness/readiness check.
func (p *Pool) IsHealthy() bool {
	if p.closed.Load() {
		return false
	}
	stats := p.GetStats()

	if float64(stats.QueueDepth)/float64(stats.QueueSize) > 0.95 {
		return false
	}
	if stats.Submitted > 100 && stats.Completed == 0 {
		return false
	}
	if stats.Failed > stats.Completed && stats.Completed > 0 {
		return false
	}
	return true
}
