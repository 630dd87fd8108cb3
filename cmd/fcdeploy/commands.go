package main

import (
	dm "github.com/andrej220/fcdeploy/pkg/shared-models"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	reportPath string
	debug      bool
	logFormat  string
	logFile    string
}

// Root returns the fcdeploy command tree.
func Root() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "fcdeploy",
		Short:         "Deploy Nutanix clusters through Foundation Central",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "Path to the deployment YAML file")
	pf.StringVar(&opts.reportPath, "report", "", "Write the JSON report to this file")
	pf.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	pf.StringVar(&opts.logFormat, "log-format", "console", "Log format: json or console")
	pf.StringVar(&opts.logFile, "log-file", "", "Also write JSON logs to this rotated file")
	_ = cmd.MarkPersistentFlagRequired("config")

	cmd.AddCommand(
		workflowCommand("image", "Image nodes without creating clusters", dm.WorkflowImaging, opts),
		workflowCommand("create-cluster", "Create clusters from imaged nodes", dm.WorkflowCreateCluster, opts),
		workflowCommand("enable-fc", "Enable Foundation Central on Prism Central", dm.WorkflowEnableFC, opts),
		workflowCommand("enable-marketplace", "Enable Marketplace on Prism Central", dm.WorkflowEnableMarketplace, opts),
		workflowCommand("run", "Enable services, image nodes and create clusters", dm.WorkflowAll, opts),
	)
	return cmd
}

func workflowCommand(use, short string, kind dm.Workflow, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorkflow(cmd.Context(), kind, opts)
		},
	}
}
