package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/andrej220/fcdeploy/internal/lg"
	"github.com/andrej220/fcdeploy/pkg/config"
	"github.com/andrej220/fcdeploy/pkg/fc"
	"github.com/andrej220/fcdeploy/pkg/monitor"
	"github.com/andrej220/fcdeploy/pkg/remote"
	"github.com/andrej220/fcdeploy/pkg/report"
	dm "github.com/andrej220/fcdeploy/pkg/shared-models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	finished = fc.ClusterStatus{IntentPickedUp: true, ClusterCreationStarted: true, AggregatePercentComplete: 100}
	imaging  = fc.ClusterStatus{IntentPickedUp: true, AggregatePercentComplete: 30}
	stopped  = fc.ClusterStatus{ImagingStopped: true, AggregatePercentComplete: 45}
)

type fakeClient struct {
	mu       sync.Mutex
	nodes    map[string]fc.ImagedNode
	created  map[string]map[string]any
	scripts  map[string][]fc.ClusterStatus
	failSub  map[string]error
	byHandle map[uuid.UUID]string
	polls    map[uuid.UUID]int

	fcOn, mpOn       bool
	fcFlipAfter      int
	fcStatusCalls    int
	enableFCCalls    int
	enableMarketCall int
}

func newFakeClient(serials ...string) *fakeClient {
	f := &fakeClient{
		nodes:       map[string]fc.ImagedNode{},
		created:     map[string]map[string]any{},
		scripts:     map[string][]fc.ClusterStatus{},
		failSub:     map[string]error{},
		byHandle:    map[uuid.UUID]string{},
		polls:       map[uuid.UUID]int{},
		fcFlipAfter: -1,
	}
	for _, s := range serials {
		f.addNode(s, nil)
	}
	return f
}

func (f *fakeClient) addNode(serial string, attrs map[string]any) {
	f.nodes[serial] = fc.ImagedNode{
		"node_serial":         serial,
		"imaged_node_uuid":    "uuid-" + serial,
		"hardware_attributes": attrs,
	}
}

func (f *fakeClient) ImagedNodes(_ context.Context, serials []string) (map[string]fc.ImagedNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]fc.ImagedNode{}
	for _, s := range serials {
		if n, ok := f.nodes[s]; ok {
			out[s] = n.Clone()
		}
	}
	return out, nil
}

func payloadName(p map[string]any) string {
	if name, ok := p["cluster_name"].(string); ok {
		return name
	}
	nodes := p["nodes_list"].([]fc.ImagedNode)
	return "imaging-" + nodes[0].Serial()
}

func (f *fakeClient) CreateImagedCluster(_ context.Context, p map[string]any) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := payloadName(p)
	f.created[name] = p
	if err := f.failSub[name]; err != nil {
		return uuid.Nil, err
	}
	id := uuid.New()
	f.byHandle[id] = name
	return id, nil
}

func (f *fakeClient) ImagedClusterProgress(_ context.Context, id uuid.UUID) (*fc.ClusterProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.byHandle[id]
	if !ok {
		return nil, fc.ErrNotFound
	}
	script := f.scripts[name]
	if len(script) == 0 {
		script = []fc.ClusterStatus{finished}
	}
	n := f.polls[id]
	f.polls[id]++
	if n >= len(script) {
		n = len(script) - 1
	}
	return &fc.ClusterProgress{ImagedClusterUUID: id.String(), ClusterStatus: script[n]}, nil
}

func (f *fakeClient) IsFCEnabled(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fcStatusCalls++
	if f.fcFlipAfter >= 0 && f.enableFCCalls > 0 {
		f.fcFlipAfter--
		if f.fcFlipAfter < 0 {
			f.fcOn = true
		}
	}
	return f.fcOn, nil
}

func (f *fakeClient) EnableFC(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enableFCCalls++
	return true, nil
}

func (f *fakeClient) IsMarketplaceEnabled(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mpOn, nil
}

func (f *fakeClient) EnableMarketplace(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enableMarketCall++
	return errors.New("403 forbidden")
}

type eventLog struct {
	mu     sync.Mutex
	events []dm.DeploymentEvent
}

func (l *eventLog) Notify(_ context.Context, ev dm.DeploymentEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) terminal(label string) (dm.DeploymentEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Label == label && ev.State != monitor.StateInProgress.String() {
			return ev, true
		}
	}
	return dm.DeploymentEvent{}, false
}

func testConfig() *config.DeployConfig {
	fast := monitor.Config{Interval: 5 * time.Millisecond, Timeout: 200 * time.Millisecond}
	cfg := &config.DeployConfig{}
	cfg.PrismCentral.Address = "10.0.0.5"
	cfg.Runner = config.RunnerConfig{MaxWorkers: 4, MonitorWorkers: 4}
	cfg.Monitor = config.MonitorConfig{Deployment: fast, Service: fast}
	return cfg
}

func testCtx() context.Context {
	return lg.Attach(context.Background(), lg.Discard)
}

func nodes(serials ...string) []config.NodeSpec {
	out := make([]config.NodeSpec, 0, len(serials))
	for _, s := range serials {
		out = append(out, config.NodeSpec{Serial: s})
	}
	return out
}

func TestImaging(t *testing.T) {
	client := newFakeClient("S1", "S2", "S3", "S5", "S6")
	client.scripts["imaging-S5"] = []fc.ClusterStatus{imaging, stopped}
	events := &eventLog{}

	cfg := testConfig()
	params := config.ImagingParameters{AOSPackageURL: "http://files/aos.tar.gz", AOSPackageSHA256Sum: "abc"}
	isos := []config.HypervisorISO{{Type: "kvm", URL: "http://files/ahv.iso"}}
	cfg.Imaging = []config.ImagingBatch{
		{Name: "single", Nodes: nodes("S3"), ImagingParameters: params, HypervisorISOs: isos},
		{Name: "missing", Nodes: nodes("S1", "S404"), ImagingParameters: params, HypervisorISOs: isos},
		{
			Nodes: []config.NodeSpec{
				{Serial: "S1", Overrides: map[string]any{"hypervisor_hostname": "ahv-1", "cvm_gateway": "10.0.0.254"}},
				{Serial: "S2"},
			},
			ImagingParameters: params,
			HypervisorISOs:    isos,
			Network:           map[string]any{"cvm_gateway": "10.0.0.1"},
		},
		{Nodes: nodes("S5", "S6"), ImagingParameters: config.ImagingParameters{AOSPackageURL: "http://files/aos.tar.gz"}, HypervisorISOs: isos},
	}

	w := NewImaging(cfg, Deps{Client: client, Notifier: events}, uuid.New())
	require.NoError(t, w.Execute(testCtx()))
	require.NoError(t, w.Verify(testCtx()))
	rep := w.Report()

	assert.Equal(t, map[string]string{
		"imaging-S1": monitor.StateCompleted.String(),
		"imaging-S5": monitor.StateFailed.String(),
	}, rep.Results)
	require.Len(t, rep.Errors, 3)
	assert.Contains(t, rep.Errors[0], "FC does not support imaging a single node cluster")
	assert.Contains(t, rep.Errors[1], "S404 not available in FC")
	assert.Contains(t, rep.Errors[2], "imaging-S5: deployment")
	assert.Contains(t, rep.Errors[2], "FAILED")

	p := client.created["imaging-S1"]
	assert.Equal(t, true, p["skip_cluster_creation"])
	assert.Equal(t, "abc", p["aos_package_sha256sum"])
	assert.NotContains(t, client.created["imaging-S5"], "aos_package_sha256sum")
	list := p["nodes_list"].([]fc.ImagedNode)
	require.Len(t, list, 2)
	assert.Equal(t, true, list[0]["image_now"])
	assert.Equal(t, "ahv-1", list[0]["hypervisor_hostname"])
	assert.Equal(t, "10.0.0.254", list[0]["cvm_gateway"], "node override beats batch network")
	assert.Equal(t, "10.0.0.1", list[1]["cvm_gateway"])
	assert.Equal(t, "uuid-S2", list[1]["imaged_node_uuid"])

	ev, ok := events.terminal("imaging-S1")
	require.True(t, ok)
	assert.Equal(t, "COMPLETED", ev.State)
	assert.Equal(t, "finished 100%", ev.Progress)
}

func TestCreateCluster(t *testing.T) {
	client := newFakeClient("A1", "A2", "B1", "B2", "D1", "D2", "D3")
	client.addNode("C1", map[string]any{"one_node_cluster": true})
	client.addNode("E1", map[string]any{"one_node_cluster": false})
	client.failSub["submit-fails"] = errors.New("502 bad gateway")
	client.scripts["slow"] = []fc.ClusterStatus{imaging}

	cfg := testConfig()
	cfg.CreateClusters = []config.ClusterSpec{
		{Name: "two-node", Nodes: nodes("A1", "A2")},
		{Name: "one-node", Nodes: nodes("C1"), ExternalIP: "10.0.1.10"},
		{Name: "no-one-node", Nodes: nodes("E1")},
		{Name: "short", Nodes: nodes("B1", "B9")},
		{Name: "submit-fails", Nodes: nodes("D1", "D2", "D3")},
		{Name: "slow", Nodes: nodes("B1", "B2", "D3")},
	}

	w := NewCreateCluster(cfg, Deps{Client: client}, uuid.New())
	require.NoError(t, w.Execute(testCtx()))
	rep := w.Report()

	assert.Equal(t, map[string]string{
		"one-node":     "COMPLETED",
		"submit-fails": SubmitFailed,
		"slow":         "TIMED_OUT",
	}, rep.Results)

	assert.NotContains(t, client.created, "two-node")
	assert.NotContains(t, client.created, "no-one-node")
	assert.NotContains(t, client.created, "short")

	p := client.created["one-node"]
	assert.Equal(t, "10.0.1.10", p["cluster_external_ip"])
	assert.Equal(t, 1, p["cluster_size"])
	assert.Equal(t, false, p["skip_cluster_creation"])

	joined := fmt.Sprint(rep.Errors)
	assert.Contains(t, joined, "Two Node Cluster is not enabled in either of the Nodes for the cluster two-node.")
	assert.Contains(t, joined, "One Node Cluster is not enabled in the Node for the cluster no-one-node.")
	assert.Contains(t, joined, "Not enough available nodes for cluster deployment short, missing B9")
	assert.Contains(t, joined, "502 bad gateway")
	assert.Contains(t, joined, "slow: deployment")
	assert.Len(t, rep.Errors, 5)
}

type fakeExec struct {
	mu   sync.Mutex
	runs int
	upAt int
}

func (e *fakeExec) Run(context.Context, string) ([]string, []string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs++
	if e.runs < e.upAt {
		return nil, nil, &remote.ExitError{Command: "cluster status", Status: 1}
	}
	return []string{"Cluster is UP"}, nil, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func TestCreateClusterChecksCVM(t *testing.T) {
	client := newFakeClient("A1", "A2", "A3", "B1", "B2", "B3")
	cfg := testConfig()
	cfg.CreateClusters = []config.ClusterSpec{
		{Name: "vip", ExternalIP: "10.0.1.10", Nodes: nodes("A1", "A2", "A3")},
		{Name: "node-ip", Nodes: []config.NodeSpec{
			{Serial: "B1", Overrides: map[string]any{"cvm_ip": "10.0.2.11"}},
			{Serial: "B2"}, {Serial: "B3"},
		}},
	}
	cfg.CVMCheck = &config.CVMCheck{
		Command: "cluster status",
		Expect:  "UP",
		Monitor: monitor.Config{Interval: 5 * time.Millisecond, Timeout: time.Second},
	}

	var mu sync.Mutex
	dialed := map[string]*fakeExec{}
	dial := func(host string, _ remote.Config) (remote.Executor, io.Closer, error) {
		mu.Lock()
		defer mu.Unlock()
		if host == "10.0.2.11" {
			return nil, nil, errors.New("connection refused")
		}
		e := &fakeExec{upAt: 2}
		dialed[host] = e
		return e, nopCloser{}, nil
	}

	w := NewCreateCluster(cfg, Deps{Client: client, Dial: dial}, uuid.New())
	require.NoError(t, w.Execute(testCtx()))
	rep := w.Report()

	assert.Equal(t, report.Pass, rep.Results["cvm:vip"])
	assert.Equal(t, report.CantVerify, rep.Results["cvm:node-ip"])
	require.Contains(t, dialed, "10.0.1.10")
	assert.Equal(t, 2, dialed["10.0.1.10"].runs)
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "connection refused")
}

func TestEnableFC(t *testing.T) {
	client := newFakeClient()
	client.fcFlipAfter = 2
	cfg := testConfig()

	w := NewEnableFC(cfg, Deps{Client: client}, uuid.New())
	require.NoError(t, w.Execute(testCtx()))
	require.NoError(t, w.Verify(testCtx()))

	assert.Equal(t, 1, client.enableFCCalls)
	assert.Empty(t, w.Report().Errors)
	assert.Equal(t, report.Pass, w.Report().Results["Enable_FC"])
}

func TestEnableFCAlreadyEnabled(t *testing.T) {
	client := newFakeClient()
	client.fcOn = true

	w := NewEnableFC(testConfig(), Deps{Client: client}, uuid.New())
	require.NoError(t, w.Execute(testCtx()))
	assert.Zero(t, client.enableFCCalls)
}

func TestEnableFCOptOut(t *testing.T) {
	client := newFakeClient()
	off := false
	cfg := testConfig()
	cfg.EnableFC = &off

	w := NewEnableFC(cfg, Deps{Client: client}, uuid.New())
	require.NoError(t, w.Execute(testCtx()))
	require.NoError(t, w.Verify(testCtx()))
	assert.Zero(t, client.fcStatusCalls)
	assert.Empty(t, w.Report().Results)
}

func TestEnableFCTimesOut(t *testing.T) {
	client := newFakeClient()
	client.fcFlipAfter = 1_000_000
	events := &eventLog{}
	cfg := testConfig()
	cfg.Monitor.Service = monitor.Config{Interval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond}

	w := NewEnableFC(cfg, Deps{Client: client, Notifier: events}, uuid.New())
	require.NoError(t, w.Execute(testCtx()))
	require.NoError(t, w.Verify(testCtx()))

	rep := w.Report()
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, "Timed out. Enabling Foundation Central in PC didn't happen in the prescribed timeframe", rep.Errors[0])
	assert.Equal(t, report.Fail, rep.Results["Enable_FC"])
	ev, ok := events.terminal("Foundation Central")
	require.True(t, ok)
	assert.Equal(t, "TIMED_OUT", ev.State)
}

func TestEnableMarketplaceFails(t *testing.T) {
	client := newFakeClient()
	w := NewEnableMarketplace(testConfig(), Deps{Client: client}, uuid.New())
	require.NoError(t, w.Execute(testCtx()))
	require.NoError(t, w.Verify(testCtx()))

	rep := w.Report()
	assert.Equal(t, 1, client.enableMarketCall)
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "403 forbidden")
	assert.Equal(t, report.Fail, rep.Results["Enable_Marketplace"])
}

func TestRunMergesReports(t *testing.T) {
	client := newFakeClient("A1", "A2")
	client.fcOn, client.mpOn = true, true
	cfg := testConfig()
	cfg.CreateClusters = []config.ClusterSpec{{Name: "c1", Nodes: nodes("A1", "A2")}}
	client.addNode("A1", map[string]any{"two_node_cluster": true})

	exuid := uuid.New()
	flows := New(dm.WorkflowAll, cfg, Deps{Client: client}, exuid)
	require.Len(t, flows, 4)

	rep, err := Run(testCtx(), string(dm.WorkflowAll), exuid, flows)
	require.NoError(t, err)
	assert.Equal(t, exuid.String(), rep.ExecutionUID)
	assert.Empty(t, rep.Errors)
	assert.Equal(t, map[string]string{
		"Enable_FC":          report.Pass,
		"Enable_Marketplace": report.Pass,
		"c1":                 "COMPLETED",
	}, rep.Results)
	assert.False(t, rep.FinishedAt.IsZero())
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	client := newFakeClient("A1", "A2", "A3")
	client.scripts["c1"] = []fc.ClusterStatus{imaging}
	cfg := testConfig()
	cfg.Monitor.Deployment = monitor.Config{Interval: time.Hour, Timeout: 2 * time.Hour}
	cfg.CreateClusters = []config.ClusterSpec{{Name: "c1", Nodes: nodes("A1", "A2", "A3")}}

	ctx, cancel := context.WithTimeout(testCtx(), 30*time.Millisecond)
	defer cancel()
	rep, err := Run(ctx, "create-cluster", uuid.New(), New(dm.WorkflowCreateCluster, cfg, Deps{Client: client}, uuid.New()))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "TIMED_OUT", rep.Results["c1"])
}

func TestNewUnknownWorkflow(t *testing.T) {
	assert.Nil(t, New(dm.Workflow("nope"), testConfig(), Deps{Client: newFakeClient()}, uuid.New()))
}

func TestImagingSkipsDuplicateBatchNames(t *testing.T) {
	client := newFakeClient("S1", "S2", "S3", "S4")
	cfg := testConfig()
	params := config.ImagingParameters{AOSPackageURL: "http://files/aos.tar.gz"}
	isos := []config.HypervisorISO{{Type: "kvm", URL: "http://files/ahv.iso"}}
	cfg.Imaging = []config.ImagingBatch{
		{Name: "rack", Nodes: nodes("S1", "S2"), ImagingParameters: params, HypervisorISOs: isos},
		{Name: "rack", Nodes: nodes("S3", "S4"), ImagingParameters: params, HypervisorISOs: isos},
	}

	w := NewImaging(cfg, Deps{Client: client}, uuid.New())
	require.NoError(t, w.Execute(testCtx()))
	rep := w.Report()

	assert.Len(t, client.created, 1)
	assert.Contains(t, client.created, "imaging-S1")
	assert.Equal(t, map[string]string{"rack": monitor.StateCompleted.String()}, rep.Results)
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "Duplicate imaging batch rack")
	assert.Contains(t, rep.Errors[0], "S3, S4")
}

func TestWorkflowsWithoutClient(t *testing.T) {
	cfg := testConfig()
	cfg.CreateClusters = []config.ClusterSpec{{Name: "c1", Nodes: nodes("A1", "A2", "A3")}}

	var flows []Workflow
	require.NotPanics(t, func() { flows = New(dm.WorkflowAll, cfg, Deps{}, uuid.New()) })
	require.Len(t, flows, 4)
	for _, w := range flows[:2] {
		assert.ErrorIs(t, w.Execute(testCtx()), ErrNoClient, w.Name())
		assert.ErrorIs(t, w.Verify(testCtx()), ErrNoClient, w.Name())
	}
	assert.NoError(t, flows[2].Execute(testCtx()), "no imaging batches configured")
	assert.ErrorIs(t, flows[3].Execute(testCtx()), ErrNoClient)
}
