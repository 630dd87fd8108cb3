package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/andrej220/fcdeploy/internal/lg"
	"github.com/andrej220/fcdeploy/pkg/batch"
	"github.com/andrej220/fcdeploy/pkg/config"
	"github.com/andrej220/fcdeploy/pkg/fc"
	"github.com/andrej220/fcdeploy/pkg/monitor"
	"github.com/andrej220/fcdeploy/pkg/remote"
	"github.com/andrej220/fcdeploy/pkg/report"
	"github.com/google/uuid"
)

// CreateCluster deploys clusters from imaged nodes and, when configured,
// waits until a command succeeds on each new cluster's CVM.
type CreateCluster struct {
	deployer
	hosts map[string]string
}

func NewCreateCluster(cfg *config.DeployConfig, deps Deps, exuid uuid.UUID) *CreateCluster {
	return &CreateCluster{
		deployer: newDeployer("create-cluster", cfg, deps, exuid),
		hosts:    map[string]string{},
	}
}

func (w *CreateCluster) Name() string           { return w.flow }
func (w *CreateCluster) Report() *report.Report { return w.rep }

func (w *CreateCluster) Execute(ctx context.Context) error {
	if len(w.cfg.CreateClusters) == 0 {
		return nil
	}
	if w.deps.Client == nil {
		return ErrNoClient
	}
	logger := lg.FromContext(ctx).With(lg.String("workflow", w.flow))
	logger.Info("Deploying clusters in Foundation Central", lg.Int("clusters", len(w.cfg.CreateClusters)))

	var items []deployment
	for _, c := range w.cfg.CreateClusters {
		payload, err := w.payload(ctx, c)
		if err != nil {
			logger.Error("Skipping cluster", lg.String("cluster", c.Name), lg.Err(err))
			w.rep.AddError(err)
			continue
		}
		items = append(items, deployment{name: c.Name, payload: payload})
	}

	done := w.deploy(ctx, items)
	if w.cfg.CVMCheck != nil && ctx.Err() == nil {
		w.checkCVMs(ctx, done)
	}
	return ctx.Err()
}

func (w *CreateCluster) payload(ctx context.Context, c config.ClusterSpec) (map[string]any, error) {
	logger := lg.FromContext(ctx).With(lg.String("cluster", c.Name))
	serials := c.Serials()

	existing, err := w.deps.Client.ImagedNodes(ctx, serials)
	if err != nil {
		return nil, fmt.Errorf("cluster %s: %w", c.Name, err)
	}
	if len(existing) < len(serials) {
		return nil, fmt.Errorf("Not enough available nodes for cluster deployment %s, missing %s",
			c.Name, strings.Join(missingSerials(serials, existing), ", "))
	}

	switch len(serials) {
	case 1:
		if !existing[serials[0]].HardwareAttribute("one_node_cluster") {
			return nil, fmt.Errorf("One Node Cluster is not enabled in the Node for the cluster %s.", c.Name)
		}
	case 2:
		if !existing[serials[0]].HardwareAttribute("two_node_cluster") &&
			!existing[serials[1]].HardwareAttribute("two_node_cluster") {
			return nil, fmt.Errorf("Two Node Cluster is not enabled in either of the Nodes for the cluster %s.", c.Name)
		}
	}

	if c.ExternalIP == "" {
		logger.Warn("Cluster External IP not provided. Proceeding without Cluster VIP")
	}

	nodes := make([]fc.ImagedNode, 0, len(c.Nodes))
	for _, spec := range c.Nodes {
		nodes = append(nodes, mergeNode(existing[spec.Serial], spec, c.Network))
	}
	w.hosts[c.Name] = cvmHost(c, nodes)

	payload := map[string]any{
		"cluster_name":          c.Name,
		"nodes_list":            nodes,
		"cluster_size":          len(nodes),
		"skip_cluster_creation": false,
	}
	if c.CommonNetworkSettings != nil {
		payload["common_network_settings"] = c.CommonNetworkSettings
	}
	if c.ExternalIP != "" {
		payload["cluster_external_ip"] = c.ExternalIP
	}
	return payload, nil
}

// cvmHost is the cluster VIP, or the first node's CVM address.
func cvmHost(c config.ClusterSpec, nodes []fc.ImagedNode) string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	for _, n := range nodes {
		if ip, ok := n["cvm_ip"].(string); ok && ip != "" {
			return ip
		}
	}
	return ""
}

func cvmKey(cluster string) string { return "cvm:" + cluster }

// checkCVMs runs the configured command on every completed cluster until it
// succeeds or the check times out.
func (w *CreateCluster) checkCVMs(ctx context.Context, done map[string]monitor.Result[*fc.ClusterProgress]) {
	check := w.cfg.CVMCheck
	runner := batch.NewRunner[monitor.Result[bool]](batch.Config{
		Name:       w.flow + "-cvm",
		Parallel:   true,
		MaxWorkers: w.cfg.Runner.MonitorWorkers,
	})

	for _, name := range sortedKeys(done) {
		if !done[name].Success {
			continue
		}
		host := w.hosts[name]
		if host == "" {
			w.rep.SetResult(cvmKey(name), report.CantVerify)
			w.rep.AddErrorf("%s: no cluster_external_ip or cvm_ip to run the CVM check on", name)
			continue
		}
		err := runner.Add(batch.NewTask(cvmKey(name), func(ctx context.Context) (monitor.Result[bool], error) {
			exec, closer, err := w.deps.Dial(host, check.SSH)
			if err != nil {
				return monitor.Result[bool]{}, fmt.Errorf("connect to %s: %w", host, err)
			}
			defer closer.Close()

			m := monitor.NewFlagMonitor(cvmKey(name), remote.CommandCheck(exec, check.Command, check.Expect), check.Monitor)
			m.Monitor(ctx)
			res := m.Result()
			w.notify(ctx, terminalEvent(w.exuid, "flag", res.Label, host, res.State, nil))
			return res, nil
		}))
		if err != nil {
			w.rep.AddError(err)
		}
	}
	if runner.Len() == 0 {
		return
	}

	results, err := runner.Run(ctx)
	if err != nil {
		w.rep.AddError(err)
		return
	}
	for _, key := range sortedKeys(results) {
		res, err := results[key].Get()
		switch {
		case err != nil:
			w.rep.SetResult(key, report.CantVerify)
			w.rep.AddError(err)
		case res.Success:
			w.rep.SetResult(key, report.Pass)
		default:
			w.rep.SetResult(key, report.Fail)
			w.rep.AddErrorf("%s: %q did not succeed on the CVM, %s", key, check.Command, res.State)
		}
	}
}

func (w *CreateCluster) Verify(context.Context) error { return nil }
