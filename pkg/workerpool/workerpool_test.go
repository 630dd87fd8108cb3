package workerpool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andrej220/fcdeploy/internal/lg"
	"github.com/andrej220/fcdeploy/pkg/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCtx() context.Context {
	return lg.Attach(context.Background(), lg.Discard)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := workerpool.NewPool[int](2)

	var running, peak atomic.Int32
	for i := range 6 {
		err := pool.Submit(workerpool.Job[int]{
			Payload: i,
			Ctx:     testCtx(),
			Fn: func(int) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			},
		})
		require.NoError(t, err)
	}
	pool.Stop()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(0), pool.ActiveWorkers())
}

func TestPoolDoneAndCleanup(t *testing.T) {
	pool := workerpool.NewPool[string](1)
	boom := errors.New("boom")

	var mu sync.Mutex
	var got []error
	var cleaned atomic.Int32

	for _, payload := range []string{"ok", "fail"} {
		err := pool.Submit(workerpool.Job[string]{
			Payload: payload,
			Ctx:     testCtx(),
			Fn: func(p string) error {
				if p == "fail" {
					return boom
				}
				return nil
			},
			Done: func(err error) {
				mu.Lock()
				got = append(got, err)
				mu.Unlock()
			},
			CleanupFunc: func() { cleaned.Add(1) },
		})
		require.NoError(t, err)
	}
	pool.Wait()

	require.Len(t, got, 2)
	assert.NoError(t, got[0])
	assert.ErrorIs(t, got[1], boom)
	assert.Equal(t, int32(2), cleaned.Load())
}

func TestPoolRecoversPanics(t *testing.T) {
	pool := workerpool.NewPool[int](1)
	errCh := make(chan error, 1)

	require.NoError(t, pool.Submit(workerpool.Job[int]{
		Ctx:  testCtx(),
		Fn:   func(int) error { panic("kaput") },
		Done: func(err error) { errCh <- err },
	}))
	pool.Stop()

	assert.ErrorIs(t, <-errCh, workerpool.ErrJobPanicked)
}

func TestSubmitFailsWhenContextDone(t *testing.T) {
	pool := workerpool.NewPool[int](1)
	release := make(chan struct{})

	require.NoError(t, pool.Submit(workerpool.Job[int]{
		Ctx: testCtx(),
		Fn:  func(int) error { <-release; return nil },
	}))

	ctx, cancel := context.WithTimeout(testCtx(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(workerpool.Job[int]{Ctx: ctx, Fn: func(int) error { return nil }})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Stop()
}

func TestSubmitAfterStop(t *testing.T) {
	pool := workerpool.NewPool[int](0)
	assert.Equal(t, workerpool.TotalMaxWorkers, pool.MaxWorkers())
	pool.Stop()

	err := pool.Submit(workerpool.Job[int]{Ctx: testCtx(), Fn: func(int) error { return nil }})
	assert.ErrorIs(t, err, workerpool.ErrPoolClosed)
}
