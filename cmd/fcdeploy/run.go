package main

import (
	"context"
	"fmt"

	"github.com/andrej220/fcdeploy/internal/lg"
	"github.com/andrej220/fcdeploy/internal/persistence"
	"github.com/andrej220/fcdeploy/internal/workflow"
	"github.com/andrej220/fcdeploy/pkg/config"
	"github.com/andrej220/fcdeploy/pkg/config/filestore"
	"github.com/andrej220/fcdeploy/pkg/fc"
	"github.com/andrej220/fcdeploy/pkg/report"
	dm "github.com/andrej220/fcdeploy/pkg/shared-models"
	"github.com/google/uuid"
)

func runWorkflow(ctx context.Context, kind dm.Workflow, opts *options) error {
	logger := lg.New(&lg.Config{
		ServiceName: "fcdeploy",
		Debug:       opts.debug,
		Format:      opts.logFormat,
		File:        opts.logFile,
	})
	defer func() { _ = logger.Sync() }()
	ctx = lg.Attach(ctx, logger)

	cfg, err := config.Load(filestore.New(opts.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client, err := fc.New(cfg.PrismCentral)
	if err != nil {
		return err
	}

	rep, runErr := execute(ctx, kind, cfg, workflow.Deps{Client: client})
	if opts.reportPath != "" {
		if err := persistence.WriteJSON(rep, opts.reportPath); err != nil {
			logger.Error("Failed to write report", lg.String("path", opts.reportPath), lg.Err(err))
		}
	}
	if runErr != nil {
		return runErr
	}
	if rep.Failed() {
		return fmt.Errorf("%s finished with %d error(s)", kind, len(rep.Errors))
	}
	return nil
}

func execute(ctx context.Context, kind dm.Workflow, cfg *config.DeployConfig, deps workflow.Deps) (*report.Report, error) {
	logger := lg.FromContext(ctx)
	exuid := uuid.New()
	logger = logger.With(lg.String("exuid", exuid.String()), lg.String("workflow", string(kind)))

	flows := workflow.New(kind, cfg, deps, exuid)
	if len(flows) == 0 {
		return report.New(string(kind), exuid), fmt.Errorf("unknown workflow %q", kind)
	}
	rep, err := workflow.Run(lg.Attach(ctx, logger), string(kind), exuid, flows)

	for _, k := range rep.Keys() {
		logger.Info("Result", lg.String("name", k), lg.String("value", rep.Results[k]))
	}
	for _, e := range rep.Errors {
		logger.Error("Error", lg.String("error", e))
	}
	return rep, err
}
