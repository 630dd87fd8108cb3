// Package batch runs collections of independent tasks sequentially or on a
// bounded worker pool, keeping every task's failure local to that task.
package batch

import (
	"context"
	"fmt"
)

// Task is the unit of work a Runner schedules. Key identifies the task
// within one batch and must be unique there.
type Task[T any] interface {
	Key() string
	Run(ctx context.Context) Outcome[T]
}

// Outcome is either a success carrying Value or a failure carrying Err.
type Outcome[T any] struct {
	Value T
	Err   error
}

func Success[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v}
}

func Failure[T any](err error) Outcome[T] {
	if err == nil {
		err = fmt.Errorf("task failed without an error")
	}
	return Outcome[T]{Err: err}
}

func (o Outcome[T]) Failed() bool {
	return o.Err != nil
}

// Get returns the value and the failure, in the usual Go order.
func (o Outcome[T]) Get() (T, error) {
	return o.Value, o.Err
}

type funcTask[T any] struct {
	key string
	fn  func(context.Context) (T, error)
}

// NewTask adapts fn to a Task; a returned error becomes a failure Outcome.
func NewTask[T any](key string, fn func(context.Context) (T, error)) Task[T] {
	return &funcTask[T]{key: key, fn: fn}
}

func (t *funcTask[T]) Key() string { return t.key }

func (t *funcTask[T]) Run(ctx context.Context) Outcome[T] {
	v, err := t.fn(ctx)
	if err != nil {
		return Failure[T](err)
	}
	return Success(v)
}
