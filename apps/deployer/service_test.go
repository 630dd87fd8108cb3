package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/andrej220/fcdeploy/internal/lg"
	"github.com/andrej220/fcdeploy/internal/workflow"
	"github.com/andrej220/fcdeploy/pkg/config"
	"github.com/andrej220/fcdeploy/pkg/fc"
	"github.com/andrej220/fcdeploy/pkg/kafkautil"
	"github.com/andrej220/fcdeploy/pkg/monitor"
	"github.com/andrej220/fcdeploy/pkg/report"
	dm "github.com/andrej220/fcdeploy/pkg/shared-models"
	"github.com/andrej220/fcdeploy/pkg/workerpool"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serviceClient only knows about Foundation Central; enabling takes effect at once.
type serviceClient struct {
	workflow.Client
	mu sync.Mutex
	on bool
}

func (c *serviceClient) IsFCEnabled(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.on, nil
}

func (c *serviceClient) EnableFC(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.on = true
	return true, nil
}

type recorder struct {
	mu      sync.Mutex
	events  []dm.DeploymentEvent
	reports []*report.Report
}

func (r *recorder) Publish(_ context.Context, _ []byte, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, v.(dm.DeploymentEvent))
	return nil
}

func (r *recorder) Save(_ context.Context, rep *report.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return nil
}

func (r *recorder) saved() []*report.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*report.Report(nil), r.reports...)
}

func (r *recorder) lastEvent() dm.DeploymentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type scriptedReader struct {
	mu      sync.Mutex
	results []func() (dm.Request, error)
}

func (s *scriptedReader) Read(ctx context.Context) (dm.Request, error) {
	s.mu.Lock()
	if len(s.results) > 0 {
		next := s.results[0]
		s.results = s.results[1:]
		s.mu.Unlock()
		return next()
	}
	s.mu.Unlock()
	<-ctx.Done()
	return dm.Request{}, ctx.Err()
}

func testDeployConfig() *config.DeployConfig {
	off := false
	cfg := &config.DeployConfig{
		PrismCentral:      fc.Config{Address: "10.0.0.5", Username: "admin"},
		EnableMarketplace: &off,
	}
	cfg.Monitor.Service = monitor.Config{Interval: 5 * time.Millisecond, Timeout: time.Second}
	return cfg
}

func newTestService(rec *recorder, reader requestReader) *deployerService {
	return &deployerService{
		pool:     workerpool.NewPool[dm.Request](2),
		requests: reader,
		events:   rec,
		reports:  rec,
		loadConfig: func(id string) (*config.DeployConfig, error) {
			if id != "dc1" {
				return nil, errors.New("no such deployment")
			}
			return testDeployConfig(), nil
		},
		newClient: func(fc.Config) (workflow.Client, error) {
			return &serviceClient{}, nil
		},
		jobTimeout: 10 * time.Second,
		logger:     lg.Discard,
	}
}

func TestHandleRunsWorkflow(t *testing.T) {
	rec := &recorder{}
	svc := newTestService(rec, &scriptedReader{})
	req := dm.Request{ConfigID: "dc1", Workflow: dm.WorkflowEnableFC, ExecutionUID: uuid.New()}

	require.NoError(t, svc.handle(context.Background(), req))

	saved := rec.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, "dc1", saved[0].ConfigID)
	assert.Equal(t, req.ExecutionUID.String(), saved[0].ExecutionUID)
	assert.Equal(t, report.Pass, saved[0].Results["Enable_FC"])
	assert.Empty(t, saved[0].Errors)

	require.Len(t, rec.events, 2)
	assert.Equal(t, "flag", rec.events[0].Kind)
	assert.Equal(t, req.ExecutionUID, rec.events[0].ExecutionUID)
	last := rec.lastEvent()
	assert.Equal(t, "workflow", last.Kind)
	assert.Equal(t, "COMPLETED", last.State)
}

func TestHandleMissingConfig(t *testing.T) {
	rec := &recorder{}
	svc := newTestService(rec, &scriptedReader{})
	called := false
	svc.newClient = func(fc.Config) (workflow.Client, error) {
		called = true
		return &serviceClient{}, nil
	}

	err := svc.handle(context.Background(), dm.Request{ConfigID: "nope", Workflow: dm.WorkflowAll, ExecutionUID: uuid.New()})
	assert.Error(t, err)
	assert.False(t, called)

	saved := rec.saved()
	require.Len(t, saved, 1)
	assert.Len(t, saved[0].Errors, 1)
	assert.Contains(t, saved[0].Errors[0], "load config nope")
	assert.Equal(t, "FAILED", rec.lastEvent().State)
}

func TestConsumeSkipsBadPayloadAndSchedules(t *testing.T) {
	rec := &recorder{}
	reader := &scriptedReader{results: []func() (dm.Request, error){
		func() (dm.Request, error) { return dm.Request{}, kafkautil.ErrBadPayload },
		func() (dm.Request, error) {
			return dm.Request{ConfigID: "dc1", Workflow: dm.WorkflowEnableFC}, nil
		},
	}}
	svc := newTestService(rec, reader)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.consume(ctx) }()

	require.Eventually(t, func() bool { return len(rec.saved()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	svc.pool.Stop()

	saved := rec.saved()
	assert.NotEqual(t, uuid.Nil.String(), saved[0].ExecutionUID)
	assert.Equal(t, report.Pass, saved[0].Results["Enable_FC"])
}

// blockingClient parks in IsFCEnabled until its context ends.
type blockingClient struct {
	workflow.Client
	once    sync.Once
	entered chan context.Context
}

func (c *blockingClient) IsFCEnabled(ctx context.Context) (bool, error) {
	c.once.Do(func() { c.entered <- ctx })
	<-ctx.Done()
	return false, ctx.Err()
}

func TestRedeliveredRequestKeepsItsOwnContext(t *testing.T) {
	rec := &recorder{}
	svc := newTestService(rec, &scriptedReader{})
	slow := &blockingClient{entered: make(chan context.Context, 1)}
	svc.newClient = func(fc.Config) (workflow.Client, error) { return slow, nil }

	gate := make(chan struct{})
	load := svc.loadConfig
	svc.loadConfig = func(id string) (*config.DeployConfig, error) {
		if id == "missing" {
			<-gate
		}
		return load(id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exuid := uuid.New()

	// both deliveries of the request are running at the same time
	svc.submit(ctx, dm.Request{ConfigID: "missing", Workflow: dm.WorkflowEnableFC, ExecutionUID: exuid})
	svc.submit(ctx, dm.Request{ConfigID: "dc1", Workflow: dm.WorkflowEnableFC, ExecutionUID: exuid})
	var slowCtx context.Context
	select {
	case slowCtx = <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("long running job did not start")
	}

	close(gate)
	require.Eventually(t, func() bool {
		return len(rec.saved()) == 1 && svc.pool.ActiveWorkers() == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.NoError(t, slowCtx.Err())
	_, tracked := svc.cancelFuncs.Load(exuid)
	assert.True(t, tracked)

	cancel()
	svc.pool.Stop()
	require.Len(t, rec.saved(), 2)
	_, tracked = svc.cancelFuncs.Load(exuid)
	assert.False(t, tracked)
}
