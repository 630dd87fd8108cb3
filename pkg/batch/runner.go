package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andrej220/fcdeploy/internal/lg"
	"github.com/andrej220/fcdeploy/internal/metrics"
	"github.com/andrej220/fcdeploy/pkg/workerpool"
)

// Config controls how a Runner schedules its tasks. MaxWorkers is ignored
// when Parallel is false.
type Config struct {
	Name       string `yaml:"name" json:"name"`
	Parallel   bool   `yaml:"parallel" json:"parallel"`
	MaxWorkers int    `yaml:"max_workers" json:"max_workers" validate:"gte=0"`
}

// Runner executes a batch of tasks once. Build a new Runner for every phase
// of a workflow; a Runner cannot be reused after Run.
type Runner[T any] struct {
	cfg     Config
	mu      sync.Mutex
	started bool
	tasks   []Task[T]
	errs    ErrorList
}

// taskRef is what the worker pool logs for a job.
type taskRef struct {
	Index int    `json:"index"`
	Key   string `json:"key"`
}

func NewRunner[T any](cfg Config) *Runner[T] {
	if cfg.Name == "" {
		cfg.Name = "batch"
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = workerpool.TotalMaxWorkers
	}
	return &Runner[T]{cfg: cfg}
}

// Add appends task to the batch. It fails with ErrInvalidState once Run has started.
func (r *Runner[T]) Add(task Task[T]) error {
	if task == nil {
		return fmt.Errorf("batch %s: nil task", r.cfg.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("%w: add %q after run started", ErrInvalidState, task.Key())
	}
	r.tasks = append(r.tasks, task)
	return nil
}

func (r *Runner[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Run executes every added task and returns once all of them produced an
// Outcome. Task failures never surface as the returned error; they are in
// the outcome map and in Errors. The error is only set for invalid usage.
//
// Tasks sharing a key overwrite each other in insertion order.
func (r *Runner[T]) Run(ctx context.Context) (map[string]Outcome[T], error) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: run called twice on batch %s", ErrInvalidState, r.cfg.Name)
	}
	r.started = true
	tasks := r.tasks
	r.mu.Unlock()

	logger := lg.FromContext(ctx).With(lg.String("runner", r.cfg.Name))
	logger.Info("Batch started",
		lg.Int("tasks", len(tasks)),
		lg.Bool("parallel", r.cfg.Parallel),
		lg.Int("max_workers", r.cfg.MaxWorkers))

	slots := make([]Outcome[T], len(tasks))
	began := time.Now()
	if r.cfg.Parallel {
		r.runParallel(ctx, tasks, slots)
	} else {
		r.runSequential(ctx, tasks, slots)
	}

	results := make(map[string]Outcome[T], len(tasks))
	for i, task := range tasks {
		results[task.Key()] = slots[i]
	}

	logger.Info("Batch finished",
		lg.Int("tasks", len(tasks)),
		lg.Int("failed", r.errs.Len()),
		lg.Duration("took", time.Since(began)))
	return results, nil
}

// Errors returns the failures collected by Run, one per failed task.
func (r *Runner[T]) Errors() []error {
	return r.errs.List()
}

// Err joins Errors into one error, nil when every task succeeded.
func (r *Runner[T]) Err() error {
	return r.errs.Err()
}

func (r *Runner[T]) runSequential(ctx context.Context, tasks []Task[T], slots []Outcome[T]) {
	for i, task := range tasks {
		started := time.Now()
		out := r.execute(ctx, task)
		r.record(ctx, slots, i, task.Key(), out, time.Since(started))
	}
}

func (r *Runner[T]) runParallel(ctx context.Context, tasks []Task[T], slots []Outcome[T]) {
	pool := workerpool.NewPool[taskRef](r.cfg.MaxWorkers)
	for i, task := range tasks {
		err := pool.Submit(workerpool.Job[taskRef]{
			Payload: taskRef{Index: i, Key: task.Key()},
			Ctx:     ctx,
			Fn: func(taskRef) error {
				started := time.Now()
				out := r.execute(ctx, task)
				r.record(ctx, slots, i, task.Key(), out, time.Since(started))
				return out.Err
			},
		})
		if err != nil {
			out := Failure[T](fmt.Errorf("%w: %w", ErrWorkerUnavailable, err))
			r.record(ctx, slots, i, task.Key(), out, 0)
		}
	}
	pool.Stop()
}

// execute runs task and turns a panic into a failure Outcome.
func (r *Runner[T]) execute(ctx context.Context, task Task[T]) (out Outcome[T]) {
	defer func() {
		if p := recover(); p != nil {
			out = Failure[T](fmt.Errorf("%w: %v", ErrTaskPanicked, p))
		}
	}()
	return task.Run(ctx)
}

// record stores out in the slot owned by task i. Each slot has exactly one writer.
func (r *Runner[T]) record(ctx context.Context, slots []Outcome[T], i int, key string, out Outcome[T], took time.Duration) {
	slots[i] = out
	metrics.RecordTask(r.cfg.Name, out.Failed(), took)
	logger := lg.FromContext(ctx).With(lg.String("runner", r.cfg.Name), lg.String("task", key))
	if out.Failed() {
		r.errs.Add(&TaskError{Key: key, Err: out.Err})
		logger.Error("Task failed", lg.Err(out.Err), lg.Duration("took", took))
		return
	}
	logger.Debug("Task finished", lg.Duration("took", took))
}
