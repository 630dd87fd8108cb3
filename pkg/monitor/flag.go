package monitor

import "context"

// FlagFunc reads a single boolean status, e.g. "is the service enabled".
type FlagFunc func(ctx context.Context) (bool, error)

type flagProbe struct {
	check FlagFunc
}

func (p flagProbe) Query(ctx context.Context) (bool, error) { return p.check(ctx) }

func (p flagProbe) Signal(on bool) Signal {
	if on {
		return SignalDone
	}
	return SignalNone
}

// NewFlagMonitor completes the first time check reports true. It never fails
// on its own; a flag that stays false ends in TIMED_OUT.
func NewFlagMonitor(label string, check FlagFunc, cfg Config, opts ...Option[bool]) *Monitor[bool] {
	opts = append([]Option[bool]{WithKind[bool]("flag")}, opts...)
	return New[bool](label, label, flagProbe{check: check}, cfg, opts...)
}
