package workflow

import (
	"context"
	"sort"
	"time"

	"github.com/andrej220/fcdeploy/internal/lg"
	"github.com/andrej220/fcdeploy/pkg/batch"
	"github.com/andrej220/fcdeploy/pkg/config"
	"github.com/andrej220/fcdeploy/pkg/fc"
	"github.com/andrej220/fcdeploy/pkg/monitor"
	"github.com/andrej220/fcdeploy/pkg/report"
	dm "github.com/andrej220/fcdeploy/pkg/shared-models"
	"github.com/google/uuid"
)

// Result value for a deployment whose submission failed.
const SubmitFailed = "SUBMIT_FAILED"

type deployment struct {
	name    string
	payload map[string]any
}

// deployer holds what the imaging and create-cluster workflows share.
type deployer struct {
	flow  string
	cfg   *config.DeployConfig
	deps  Deps
	exuid uuid.UUID
	rep   *report.Report
}

func newDeployer(flow string, cfg *config.DeployConfig, deps Deps, exuid uuid.UUID) deployer {
	return deployer{
		flow:  flow,
		cfg:   cfg,
		deps:  deps.withDefaults(),
		exuid: exuid,
		rep:   report.New(flow, exuid),
	}
}

// deploy submits every deployment on one runner, then monitors the accepted
// ones on a second runner. Terminal monitor results are returned by name.
func (d *deployer) deploy(ctx context.Context, items []deployment) map[string]monitor.Result[*fc.ClusterProgress] {
	if len(items) == 0 {
		return nil
	}
	logger := lg.FromContext(ctx).With(lg.String("workflow", d.flow))

	submit := batch.NewRunner[uuid.UUID](batch.Config{
		Name:       d.flow + "-submit",
		Parallel:   true,
		MaxWorkers: d.cfg.Runner.MaxWorkers,
	})
	for _, it := range items {
		if err := submit.Add(&ImageClusterTask{Name: it.name, Payload: it.payload, Client: d.deps.Client}); err != nil {
			d.rep.AddError(err)
		}
	}
	handles, err := submit.Run(ctx)
	if err != nil {
		d.rep.AddError(err)
		return nil
	}
	if err := submit.Err(); err != nil {
		logger.Warn("Some deployments were not accepted", lg.Int("failed", len(submit.Errors())))
		for _, e := range submit.Errors() {
			d.rep.AddError(e)
		}
	}

	watch := batch.NewRunner[monitor.Result[*fc.ClusterProgress]](batch.Config{
		Name:       d.flow + "-monitor",
		Parallel:   true,
		MaxWorkers: d.cfg.Runner.MonitorWorkers,
	})
	for _, name := range sortedKeys(handles) {
		out := handles[name]
		if out.Failed() {
			d.rep.SetResult(name, SubmitFailed)
			continue
		}
		logger.Info("Deployment submitted", lg.String("name", name), lg.String("handle", out.Value.String()))
		m := monitor.NewDeploymentMonitor(ctx, name, out.Value, d.deps.Client, d.cfg.Monitor.Deployment,
			monitor.WithObserver(d.progressEvents(ctx, name, out.Value)))
		if err := watch.Add(monitor.AsTask(name, m)); err != nil {
			d.rep.AddError(err)
		}
	}
	if watch.Len() == 0 {
		return nil
	}

	logger.Info("Monitoring deployments",
		lg.Int("count", watch.Len()),
		lg.Duration("initial_delay", d.cfg.Monitor.Deployment.InitialDelay),
		lg.Duration("timeout", d.cfg.Monitor.Deployment.Timeout))
	results, err := watch.Run(ctx)
	if err != nil {
		d.rep.AddError(err)
		return nil
	}

	done := make(map[string]monitor.Result[*fc.ClusterProgress], len(results))
	for _, name := range sortedKeys(results) {
		out := results[name]
		if out.Failed() {
			d.rep.SetResult(name, monitor.StateFailed.String())
			d.rep.AddError(out.Err)
			continue
		}
		res := out.Value
		d.rep.SetResult(name, res.State.String())
		d.notify(ctx, terminalEvent(d.exuid, "deployment", res.Label, res.Handle, res.State, res.Last))
		if !res.Success {
			d.rep.AddErrorf("%s: deployment %s ended %s%s", name, res.Handle, res.State, describe(res.Last))
		}
		done[name] = res
	}
	return done
}

func (d *deployer) progressEvents(ctx context.Context, name string, id uuid.UUID) func(*fc.ClusterProgress, error) {
	return func(p *fc.ClusterProgress, err error) {
		ev := dm.DeploymentEvent{
			ExecutionUID: d.exuid,
			Label:        name,
			Handle:       id.String(),
			Kind:         "deployment",
			State:        monitor.StateInProgress.String(),
			Time:         time.Now().UTC(),
		}
		switch {
		case err != nil:
			ev.Error = err.Error()
		case p != nil:
			ev.Progress = p.Summary()
			ev.Percent = p.ClusterStatus.AggregatePercentComplete
		}
		d.notify(ctx, ev)
	}
}

func (d *deployer) notify(ctx context.Context, ev dm.DeploymentEvent) {
	d.deps.Notifier.Notify(ctx, ev)
}

func terminalEvent(exuid uuid.UUID, kind, label, handle string, st monitor.State, p *fc.ClusterProgress) dm.DeploymentEvent {
	ev := dm.DeploymentEvent{
		ExecutionUID: exuid,
		Label:        label,
		Handle:       handle,
		Kind:         kind,
		State:        st.String(),
		Time:         time.Now().UTC(),
	}
	if p != nil {
		ev.Progress = p.Summary()
		ev.Percent = p.ClusterStatus.AggregatePercentComplete
	}
	return ev
}

func describe(p *fc.ClusterProgress) string {
	if p == nil {
		return ""
	}
	s := " at " + p.Summary()
	if msgs := p.Messages(); len(msgs) > 0 {
		s += ": " + msgs[len(msgs)-1]
	}
	return s
}

// mergeNode copies the node record FC returned and applies the configured
// overrides, then network keys the node did not set itself.
func mergeNode(existing fc.ImagedNode, spec config.NodeSpec, network map[string]any) fc.ImagedNode {
	node := existing.Clone()
	for k, v := range spec.Overrides {
		if k == "node_serial" {
			continue
		}
		node[k] = v
	}
	for k, v := range network {
		if _, set := spec.Overrides[k]; !set {
			node[k] = v
		}
	}
	return node
}

func missingSerials(want []string, got map[string]fc.ImagedNode) []string {
	var missing []string
	for _, s := range want {
		if _, ok := got[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
