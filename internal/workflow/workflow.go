// Package workflow implements the Prism Central deployment workflows:
// imaging nodes, creating clusters and enabling services. Each workflow
// runs its remote operations through batch runners and monitors and
// collects what happened in a report.
package workflow

import (
	"context"
	"errors"
	"io"

	"github.com/andrej220/fcdeploy/internal/lg"
	"github.com/andrej220/fcdeploy/pkg/config"
	"github.com/andrej220/fcdeploy/pkg/fc"
	"github.com/andrej220/fcdeploy/pkg/remote"
	"github.com/andrej220/fcdeploy/pkg/report"
	dm "github.com/andrej220/fcdeploy/pkg/shared-models"
	"github.com/google/uuid"
)

// ErrNoClient is returned by workflows built without a Prism Central client.
var ErrNoClient = errors.New("workflow: no Prism Central client")

// FCClient is the Foundation Central part of the Prism Central client.
type FCClient interface {
	ImagedNodes(ctx context.Context, serials []string) (map[string]fc.ImagedNode, error)
	CreateImagedCluster(ctx context.Context, payload map[string]any) (uuid.UUID, error)
	ImagedClusterProgress(ctx context.Context, id uuid.UUID) (*fc.ClusterProgress, error)
}

// ServiceClient enables and inspects Prism Central services.
type ServiceClient interface {
	IsFCEnabled(ctx context.Context) (bool, error)
	EnableFC(ctx context.Context) (bool, error)
	IsMarketplaceEnabled(ctx context.Context) (bool, error)
	EnableMarketplace(ctx context.Context) error
}

// Client is satisfied by *fc.Client.
type Client interface {
	FCClient
	ServiceClient
}

var _ Client = (*fc.Client)(nil)

// Notifier receives progress of monitored operations. Notify must not block
// for long; it runs on the polling goroutine.
type Notifier interface {
	Notify(ctx context.Context, ev dm.DeploymentEvent)
}

type NotifierFunc func(ctx context.Context, ev dm.DeploymentEvent)

func (f NotifierFunc) Notify(ctx context.Context, ev dm.DeploymentEvent) { f(ctx, ev) }

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, dm.DeploymentEvent) {}

// DialFunc opens a command executor on host. The closer releases it.
type DialFunc func(host string, cfg remote.Config) (remote.Executor, io.Closer, error)

// DialSSH is the DialFunc used outside tests.
func DialSSH(host string, cfg remote.Config) (remote.Executor, io.Closer, error) {
	client, err := remote.NewResilientClient(host, cfg)
	if err != nil {
		return nil, nil, err
	}
	return remote.NewSSHExecutor(client), client, nil
}

type Deps struct {
	Client   Client
	Notifier Notifier
	Dial     DialFunc
}

func (d Deps) withDefaults() Deps {
	if d.Notifier == nil {
		d.Notifier = noopNotifier{}
	}
	if d.Dial == nil {
		d.Dial = DialSSH
	}
	return d
}

// Workflow is one deployment step. Execute does the work and Verify checks
// the result afterwards; both record into Report.
type Workflow interface {
	Name() string
	Execute(ctx context.Context) error
	Verify(ctx context.Context) error
	Report() *report.Report
}

// New builds the workflows a request asks for, in execution order.
func New(kind dm.Workflow, cfg *config.DeployConfig, deps Deps, exuid uuid.UUID) []Workflow {
	switch kind {
	case dm.WorkflowImaging:
		return []Workflow{NewImaging(cfg, deps, exuid)}
	case dm.WorkflowCreateCluster:
		return []Workflow{NewCreateCluster(cfg, deps, exuid)}
	case dm.WorkflowEnableFC:
		return []Workflow{NewEnableFC(cfg, deps, exuid)}
	case dm.WorkflowEnableMarketplace:
		return []Workflow{NewEnableMarketplace(cfg, deps, exuid)}
	case dm.WorkflowAll:
		return []Workflow{
			NewEnableFC(cfg, deps, exuid),
			NewEnableMarketplace(cfg, deps, exuid),
			NewImaging(cfg, deps, exuid),
			NewCreateCluster(cfg, deps, exuid),
		}
	default:
		return nil
	}
}

// Run executes and verifies each workflow in order and merges their reports.
// A workflow error stops the sequence; per-item failures do not.
func Run(ctx context.Context, name string, exuid uuid.UUID, flows []Workflow) (*report.Report, error) {
	logger := lg.FromContext(ctx)
	rep := report.New(name, exuid)
	defer rep.Finish()

	for _, w := range flows {
		logger.Info("Executing workflow", lg.String("workflow", w.Name()))
		err := w.Execute(ctx)
		if err == nil {
			err = w.Verify(ctx)
		}
		rep.Merge(w.Report())
		if err != nil {
			rep.AddError(err)
			return rep, err
		}
	}
	return rep, nil
}
