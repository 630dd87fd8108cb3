package monitor

import (
	"context"

	"github.com/andrej220/fcdeploy/internal/lg"
	"github.com/andrej220/fcdeploy/pkg/fc"
	"github.com/google/uuid"
)

// ProgressReader is the part of the management plane client a deployment
// monitor needs.
type ProgressReader interface {
	ImagedClusterProgress(ctx context.Context, id uuid.UUID) (*fc.ClusterProgress, error)
}

type deploymentProbe struct {
	id     uuid.UUID
	reader ProgressReader
}

func (p deploymentProbe) Query(ctx context.Context) (*fc.ClusterProgress, error) {
	return p.reader.ImagedClusterProgress(ctx, p.id)
}

func (p deploymentProbe) Signal(resp *fc.ClusterProgress) Signal {
	if resp == nil {
		return SignalNone
	}
	switch resp.Phase() {
	case fc.PhaseFinished:
		return SignalDone
	case fc.PhaseError:
		return SignalFailed
	default:
		return SignalNone
	}
}

// NewDeploymentMonitor tracks one imaged cluster deployment. Every poll logs
// the aggregate phase and percent; logging has no effect on the state machine.
func NewDeploymentMonitor(ctx context.Context, label string, id uuid.UUID, reader ProgressReader, cfg Config, opts ...Option[*fc.ClusterProgress]) *Monitor[*fc.ClusterProgress] {
	logger := lg.FromContext(ctx).With(lg.String("cluster", label), lg.String("handle", id.String()))
	progressLog := WithObserver(func(p *fc.ClusterProgress, err error) {
		if err != nil || p == nil {
			return
		}
		logger.Info("Deployment progress",
			lg.String("progress", p.Summary()),
			lg.Float64("percent", p.ClusterStatus.AggregatePercentComplete))
	})

	all := []Option[*fc.ClusterProgress]{WithKind[*fc.ClusterProgress]("deployment"), progressLog}
	all = append(all, opts...)
	return New[*fc.ClusterProgress](label, id.String(), deploymentProbe{id: id, reader: reader}, cfg, all...)
}
