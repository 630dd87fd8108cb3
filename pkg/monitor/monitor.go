// Package monitor polls a remote collaborator until a long-running operation
// reaches a terminal state or the timeout budget runs out.
//
// A Monitor is the same state machine for every kind of remote operation;
// what differs is the Probe, which knows how to query the status and how to
// read a terminal signal out of the response.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/andrej220/fcdeploy/internal/lg"
	"github.com/andrej220/fcdeploy/internal/metrics"
)

type State int

const (
	StatePending State = iota
	StateInProgress
	StateCompleted
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	case StateTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Signal is what a Probe reads out of one status response.
type Signal int

const (
	SignalNone Signal = iota
	SignalDone
	SignalFailed
)

// Probe queries the remote status of one operation and interprets it.
type Probe[R any] interface {
	Query(ctx context.Context) (R, error)
	Signal(resp R) Signal
}

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 90 * time.Minute
)

// Config holds the timing of a Monitor. InitialDelay is waited once before
// the first query and is not charged to Timeout.
type Config struct {
	Interval     time.Duration `yaml:"interval" json:"interval"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Result is the terminal view of a Monitor.
type Result[R any] struct {
	Label   string        `json:"label"`
	Handle  string        `json:"handle"`
	State   State         `json:"state"`
	Success bool          `json:"success"`
	Last    R             `json:"last"`
	Queries int           `json:"queries"`
	Elapsed time.Duration `json:"elapsed"`
}

type Option[R any] func(*Monitor[R])

// WithObserver registers fn to be called after every query with the response
// and the query error. It must not block for long.
func WithObserver[R any](fn func(resp R, err error)) Option[R] {
	return func(m *Monitor[R]) {
		m.observers = append(m.observers, fn)
	}
}

// WithKind sets the metrics label of the monitor, "monitor" by default.
func WithKind[R any](kind string) Option[R] {
	return func(m *Monitor[R]) {
		m.kind = kind
	}
}

// Monitor tracks one remote operation identified by Handle.
type Monitor[R any] struct {
	Label  string
	Handle string

	probe     Probe[R]
	cfg       Config
	kind      string
	observers []func(R, error)

	run sync.Mutex // serializes Monitor calls

	mu      sync.Mutex
	state   State
	last    R
	queries int
	elapsed time.Duration
}

func New[R any](label, handle string, probe Probe[R], cfg Config, opts ...Option[R]) *Monitor[R] {
	m := &Monitor[R]{
		Label:  label,
		Handle: handle,
		probe:  probe,
		cfg:    cfg.withDefaults(),
		kind:   "monitor",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Monitor polls until a terminal state and returns the last observed
// response with true only for COMPLETED. Calling it again on a terminal
// monitor returns the same result without querying.
func (m *Monitor[R]) Monitor(ctx context.Context) (R, bool) {
	m.run.Lock()
	defer m.run.Unlock()

	if st := m.State(); st.Terminal() {
		r := m.Result()
		return r.Last, r.Success
	}

	logger := lg.FromContext(ctx).With(
		lg.String("monitor", m.Label),
		lg.String("handle", m.Handle))

	if m.cfg.InitialDelay > 0 {
		logger.Info("Waiting before first status query", lg.Duration("delay", m.cfg.InitialDelay))
		if !sleep(ctx, m.cfg.InitialDelay) {
			return m.finish(logger, StateTimedOut, time.Now())
		}
	}

	started := time.Now()
	for {
		resp, err := m.probe.Query(ctx)
		metrics.RecordQuery(m.kind, err)
		sig := m.observeQuery(resp, err)
		for _, observe := range m.observers {
			observe(resp, err)
		}

		if err != nil {
			logger.Debug("Status query failed, retrying on next tick", lg.Err(err))
		}
		switch sig {
		case SignalDone:
			return m.finish(logger, StateCompleted, started)
		case SignalFailed:
			return m.finish(logger, StateFailed, started)
		}

		if time.Since(started) >= m.cfg.Timeout {
			return m.finish(logger, StateTimedOut, started)
		}
		if !sleep(ctx, m.cfg.Interval) {
			logger.Warn("Monitoring abandoned", lg.Err(ctx.Err()))
			return m.finish(logger, StateTimedOut, started)
		}
	}
}

// observeQuery bumps the query count, leaves PENDING and keeps the
// response when the query succeeded.
func (m *Monitor[R]) observeQuery(resp R, err error) Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	m.state = StateInProgress
	if err != nil {
		return SignalNone
	}
	m.last = resp
	return m.probe.Signal(resp)
}

func (m *Monitor[R]) finish(logger lg.Logger, st State, started time.Time) (R, bool) {
	m.mu.Lock()
	m.state = st
	m.elapsed = time.Since(started)
	last, queries, elapsed := m.last, m.queries, m.elapsed
	m.mu.Unlock()

	metrics.RecordTerminal(m.kind, st.String())
	fields := []lg.Field{
		lg.String("state", st.String()),
		lg.Int("queries", queries),
		lg.Duration("elapsed", elapsed),
	}
	if st == StateCompleted {
		logger.Info("Operation completed", fields...)
	} else {
		logger.Error("Operation did not complete", fields...)
	}
	return last, st == StateCompleted
}

func (m *Monitor[R]) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor[R]) Queries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries
}

func (m *Monitor[R]) Result() Result[R] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Result[R]{
		Label:   m.Label,
		Handle:  m.Handle,
		State:   m.state,
		Success: m.state == StateCompleted,
		Last:    m.last,
		Queries: m.queries,
		Elapsed: m.elapsed,
	}
}

// sleep blocks for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
