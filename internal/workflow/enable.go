package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/andrej220/fcdeploy/internal/lg"
	"github.com/andrej220/fcdeploy/pkg/config"
	"github.com/andrej220/fcdeploy/pkg/monitor"
	"github.com/andrej220/fcdeploy/pkg/report"
	"github.com/google/uuid"
)

// EnableService turns on one Prism Central service and waits until it
// reports enabled.
type EnableService struct {
	name      string
	service   string
	resultKey string
	wanted    bool
	isEnabled monitor.FlagFunc
	enable    func(ctx context.Context) error

	cfg   *config.DeployConfig
	deps  Deps
	exuid uuid.UUID
	rep   *report.Report
}

func NewEnableFC(cfg *config.DeployConfig, deps Deps, exuid uuid.UUID) *EnableService {
	deps = deps.withDefaults()
	return &EnableService{
		name:      "enable-fc",
		service:   "Foundation Central",
		resultKey: "Enable_FC",
		wanted:    config.Enabled(cfg.EnableFC),
		isEnabled: func(ctx context.Context) (bool, error) { return deps.Client.IsFCEnabled(ctx) },
		enable: func(ctx context.Context) error {
			ok, err := deps.Client.EnableFC(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("genesis refused to enable the service")
			}
			return nil
		},
		cfg:   cfg,
		deps:  deps,
		exuid: exuid,
		rep:   report.New("enable-fc", exuid),
	}
}

func NewEnableMarketplace(cfg *config.DeployConfig, deps Deps, exuid uuid.UUID) *EnableService {
	deps = deps.withDefaults()
	return &EnableService{
		name:      "enable-marketplace",
		service:   "Marketplace",
		resultKey: "Enable_Marketplace",
		wanted:    config.Enabled(cfg.EnableMarketplace),
		isEnabled: func(ctx context.Context) (bool, error) { return deps.Client.IsMarketplaceEnabled(ctx) },
		enable:    func(ctx context.Context) error { return deps.Client.EnableMarketplace(ctx) },
		cfg:       cfg,
		deps:      deps,
		exuid:     exuid,
		rep:       report.New("enable-marketplace", exuid),
	}
}

func (w *EnableService) Name() string           { return w.name }
func (w *EnableService) Report() *report.Report { return w.rep }

func (w *EnableService) Execute(ctx context.Context) error {
	logger := lg.FromContext(ctx).With(
		lg.String("workflow", w.name),
		lg.String("pc", w.cfg.PrismCentral.Address))

	if !w.wanted {
		logger.Info("Skipping enabling " + w.service + " as per user request")
		return nil
	}
	if w.deps.Client == nil {
		return ErrNoClient
	}

	on, err := w.isEnabled(ctx)
	if err != nil {
		w.rep.AddError(fmt.Errorf("%s status: %w", w.service, err))
		return nil
	}
	if on {
		logger.Warn("SKIP: " + w.service + " is already enabled")
		return nil
	}

	logger.Info("Enabling " + w.service)
	if err := w.enable(ctx); err != nil {
		logger.Error("Failed to enable "+w.service, lg.Err(err))
		w.rep.AddError(fmt.Errorf("enable %s: %w", w.service, err))
		return nil
	}

	m := monitor.NewFlagMonitor(w.service, w.isEnabled, w.cfg.Monitor.Service)
	_, ok := m.Monitor(ctx)
	res := m.Result()
	w.deps.Notifier.Notify(ctx, terminalEvent(w.exuid, "flag", w.service, w.cfg.PrismCentral.Address, res.State, nil))
	if !ok {
		w.rep.AddErrorf("Timed out. Enabling %s in PC didn't happen in the prescribed timeframe", w.service)
		return ctx.Err()
	}
	logger.Info("Enabled "+w.service, lg.Int("queries", res.Queries))

	if settle := w.cfg.Monitor.SettleDelay; settle > 0 {
		logger.Info("Waiting for the service to settle", lg.Duration("delay", settle))
		t := time.NewTimer(settle)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Verify records PASS or FAIL for the service, CAN'T VERIFY when its status
// cannot be read. Opted-out services are not verified.
func (w *EnableService) Verify(ctx context.Context) error {
	if !w.wanted {
		return nil
	}
	if w.deps.Client == nil {
		return ErrNoClient
	}
	w.rep.SetResult(w.resultKey, report.CantVerify)
	on, err := w.isEnabled(ctx)
	if err != nil {
		lg.FromContext(ctx).Warn("Cannot verify "+w.service, lg.Err(err))
		return nil
	}
	if on {
		w.rep.SetResult(w.resultKey, report.Pass)
	} else {
		w.rep.SetResult(w.resultKey, report.Fail)
	}
	return nil
}
