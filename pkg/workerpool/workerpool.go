package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/andrej220/fcdeploy/internal/lg"
	"golang.org/x/sync/semaphore"
)

const TotalMaxWorkers = 10

var (
	ErrPoolClosed  = errors.New("worker pool is shutting down")
	ErrJobPanicked = errors.New("job panicked")
)

type JobFunc[T any] func(T) error

type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
	// Done, when set, receives the result of Fn on the worker goroutine.
	Done func(error)
}

// Pool runs jobs on at most maxWorkers goroutines at a time. Submit blocks
// while all workers are busy; slots are handed out in submission order.
type Pool[T any] struct {
	slots         *semaphore.Weighted
	activeWorkers atomic.Int32
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
	quit          chan struct{}
	maxWorkers    int
}

func NewPool[T any](maxWorkers int) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	return &Pool[T]{
		slots:      semaphore.NewWeighted(int64(maxWorkers)),
		quit:       make(chan struct{}),
		maxWorkers: maxWorkers,
	}
}

// Submit waits for a free worker and starts job on it. It fails when the job
// context is done or the pool is stopped before a worker becomes available;
// in that case the job never runs and Done is not called.
func (p *Pool[T]) Submit(job Job[T]) error {
	ctx := job.Ctx
	if ctx == nil {
		ctx = context.Background()
		job.Ctx = ctx
	}
	logger := lg.FromContext(ctx)

	acqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.quit:
			cancel()
		case <-acqCtx.Done():
		}
	}()

	if err := p.slots.Acquire(acqCtx, 1); err != nil {
		if p.isClosed() {
			logger.Info("Worker pool is shutting down, job rejected", lg.Any("job", job.Payload))
			return ErrPoolClosed
		}
		return fmt.Errorf("acquire worker: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.slots.Release(1)
		logger.Info("Worker pool is shutting down, job rejected", lg.Any("job", job.Payload))
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.activeWorkers.Add(1)
	go p.worker(job)
	return nil
}

// Wait blocks until every submitted job has finished.
func (p *Pool[T]) Wait() {
	p.wg.Wait()
}

// Stop rejects further submissions and waits for running jobs.
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.quit)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool[T]) worker(job Job[T]) {
	defer p.wg.Done()
	defer p.slots.Release(1)
	defer p.activeWorkers.Add(-1)
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()

	logger := lg.FromContext(job.Ctx).With(lg.Any("job", job.Payload))
	logger.Debug("Worker started", lg.Int32("workers", p.ActiveWorkers()))

	err := p.call(job)
	if job.Done != nil {
		job.Done(err)
	}
	if err != nil {
		logger.Info("Worker error", lg.Err(err))
		return
	}
	logger.Debug("Worker finished", lg.Int32("workers", p.ActiveWorkers()))
}

func (p *Pool[T]) call(job Job[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	return job.Fn(job.Payload)
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return p.activeWorkers.Load()
}

func (p *Pool[T]) MaxWorkers() int {
	return p.maxWorkers
}
