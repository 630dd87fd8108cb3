package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/andrej220/fcdeploy/internal/lg"
	"github.com/andrej220/fcdeploy/internal/workflow"
	"github.com/andrej220/fcdeploy/pkg/config"
	"github.com/andrej220/fcdeploy/pkg/fc"
	"github.com/andrej220/fcdeploy/pkg/kafkautil"
	"github.com/andrej220/fcdeploy/pkg/report"
	dm "github.com/andrej220/fcdeploy/pkg/shared-models"
	"github.com/andrej220/fcdeploy/pkg/workerpool"
	"github.com/google/uuid"
)

const (
	readRetryDelay = time.Second
	saveTimeout    = 30 * time.Second
)

type requestReader interface {
	Read(ctx context.Context) (dm.Request, error)
}

type publisher interface {
	Publish(ctx context.Context, key []byte, v any) error
}

type jobEntry struct {
	cancel context.CancelFunc
}

type deployerService struct {
	pool        *workerpool.Pool[dm.Request]
	requests    requestReader
	events      publisher
	reports     report.Saver
	loadConfig  func(id string) (*config.DeployConfig, error)
	newClient   func(fc.Config) (workflow.Client, error)
	cancelFuncs sync.Map
	jobTimeout  time.Duration
	logger      lg.Logger
}

// consume reads requests until ctx ends and hands each one to the pool.
func (s *deployerService) consume(ctx context.Context) error {
	for {
		req, err := s.requests.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, kafkautil.ErrBadPayload) {
				s.logger.Warn("Skipping request", lg.Err(err))
				continue
			}
			s.logger.Error("Failed to read request", lg.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readRetryDelay):
			}
			continue
		}
		s.submit(ctx, req)
	}
}

func (s *deployerService) submit(ctx context.Context, req dm.Request) {
	if req.ExecutionUID == uuid.Nil {
		req.ExecutionUID = uuid.New()
	}
	s.logger.Debug("Received request", lg.Any("request", req))

	jobCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	entry := &jobEntry{cancel: cancel}
	// redelivered requests share an execution id; each job only removes its own entry
	s.cancelFuncs.Store(req.ExecutionUID, entry)
	release := func() {
		cancel()
		s.cancelFuncs.CompareAndDelete(req.ExecutionUID, entry)
	}

	err := s.pool.Submit(workerpool.Job[dm.Request]{
		Payload:     req,
		Ctx:         jobCtx,
		Fn:          func(r dm.Request) error { return s.handle(jobCtx, r) },
		CleanupFunc: release,
	})
	if err != nil {
		s.logger.Error("Failed to schedule request", lg.String("exuid", req.ExecutionUID.String()), lg.Err(err))
		release()
	}
}

// handle runs one request and stores its report. The returned error is only
// for the pool's log; the outcome is in the report.
func (s *deployerService) handle(ctx context.Context, req dm.Request) error {
	logger := s.logger.With(
		lg.String("exuid", req.ExecutionUID.String()),
		lg.String("configid", req.ConfigID),
		lg.String("workflow", string(req.Workflow)))
	ctx = lg.Attach(ctx, logger)

	rep, err := s.run(ctx, req)
	rep.ConfigID = req.ConfigID
	rep.Finish()

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if serr := s.reports.Save(saveCtx, rep); serr != nil {
		logger.Error("Failed to save report", lg.Err(serr))
	}

	state := "COMPLETED"
	if rep.Failed() {
		state = "FAILED"
	}
	s.publish(saveCtx, dm.DeploymentEvent{
		ExecutionUID: req.ExecutionUID,
		Label:        string(req.Workflow),
		Handle:       req.ConfigID,
		Kind:         "workflow",
		State:        state,
		Time:         time.Now().UTC(),
	})
	logger.Info("Request finished", lg.String("state", state), lg.Int("errors", len(rep.Errors)))
	return err
}

func (s *deployerService) run(ctx context.Context, req dm.Request) (*report.Report, error) {
	rep := report.New(string(req.Workflow), req.ExecutionUID)

	cfg, err := s.loadConfig(req.ConfigID)
	if err != nil {
		rep.AddErrorf("load config %s: %v", req.ConfigID, err)
		return rep, err
	}
	client, err := s.newClient(cfg.PrismCentral)
	if err != nil {
		rep.AddError(err)
		return rep, err
	}

	deps := workflow.Deps{
		Client: client,
		Notifier: workflow.NotifierFunc(func(ctx context.Context, ev dm.DeploymentEvent) {
			ev.ExecutionUID = req.ExecutionUID
			s.publish(ctx, ev)
		}),
	}
	flows := workflow.New(req.Workflow, cfg, deps, req.ExecutionUID)
	if len(flows) == 0 {
		err := errors.New("unknown workflow " + string(req.Workflow))
		rep.AddError(err)
		return rep, err
	}
	return workflow.Run(ctx, string(req.Workflow), req.ExecutionUID, flows)
}

func (s *deployerService) publish(ctx context.Context, ev dm.DeploymentEvent) {
	if err := s.events.Publish(ctx, ev.ExecutionUID[:], ev); err != nil {
		s.logger.Warn("Failed to publish event", lg.String("label", ev.Label), lg.Err(err))
	}
}
