package monitor

import (
	"context"

	"github.com/andrej220/fcdeploy/pkg/batch"
)

type monitorTask[R any] struct {
	key string
	m   *Monitor[R]
}

// AsTask wraps m so a batch.Runner can poll many monitors concurrently.
// The task always succeeds; whether the operation did is in Result.Success.
func AsTask[R any](key string, m *Monitor[R]) batch.Task[Result[R]] {
	return &monitorTask[R]{key: key, m: m}
}

func (t *monitorTask[R]) Key() string { return t.key }

func (t *monitorTask[R]) Run(ctx context.Context) batch.Outcome[Result[R]] {
	t.m.Monitor(ctx)
	return batch.Success(t.m.Result())
}
