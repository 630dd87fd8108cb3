// Deployer consumes deployment requests from Kafka, runs the requested
// workflow against the Prism Central named in the stored config and saves
// the report to MongoDB.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrej220/fcdeploy/internal/lg"
	"github.com/andrej220/fcdeploy/internal/serverutil"
	"github.com/andrej220/fcdeploy/internal/workflow"
	"github.com/andrej220/fcdeploy/pkg/config"
	"github.com/andrej220/fcdeploy/pkg/config/filestore"
	"github.com/andrej220/fcdeploy/pkg/config/mongostore"
	"github.com/andrej220/fcdeploy/pkg/fc"
	ku "github.com/andrej220/fcdeploy/pkg/kafkautil"
	"github.com/andrej220/fcdeploy/pkg/report"
	dm "github.com/andrej220/fcdeploy/pkg/shared-models"
	"github.com/andrej220/fcdeploy/pkg/workerpool"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := lg.New(lg.NewConfigFromFlags(SERVICENAME))
	defer func() { _ = logger.Sync() }()

	if err := run(logger); err != nil {
		logger.Error("Deployer stopped", lg.Err(err))
		os.Exit(1)
	}
}

func run(logger lg.Logger) error {
	cfg := NewDeployerConfig()
	if err := filestore.New(configPath()).Load(cfg); err != nil {
		return err
	}
	if err := config.Validator().Struct(cfg); err != nil {
		return err
	}

	store, err := mongostore.New(cfg.Database.MongoURI, cfg.Database.DBName, cfg.Database.ConfigCollection, "")
	if err != nil {
		return err
	}

	consumer := ku.NewConsumer[dm.Request](ku.Config{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.RequestTopic,
		GroupID: cfg.Kafka.GroupID,
	})
	defer consumer.Close()
	producer := ku.NewProducer(ku.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.EventTopic}, logger)
	defer producer.Close()

	svc := &deployerService{
		pool:     workerpool.NewPool[dm.Request](cfg.MaxJobs),
		requests: consumer,
		events:   producer,
		reports:  report.NewMongoStore(store.Client.Database(cfg.Database.DBName).Collection(cfg.Database.ReportCollection)),
		loadConfig: func(id string) (*config.DeployConfig, error) {
			return config.Load(store.ForID(id))
		},
		newClient: func(c fc.Config) (workflow.Client, error) {
			return fc.New(c)
		},
		jobTimeout: cfg.JobTimeout,
		logger:     logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = lg.Attach(ctx, logger)

	logger.Info("Starting service", lg.String("topic", cfg.Kafka.RequestTopic), lg.Int("max_jobs", cfg.MaxJobs))

	mux := http.NewServeMux()
	mux.Handle("/metrics", serverutil.MetricsHandler())
	srvCfg := serverutil.DefaultServerConfig()
	srvCfg.Port = cfg.MetricsPort
	srvCfg.Logger = logger

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.consume(gctx) })
	g.Go(func() error { return serverutil.Serve(gctx, mux, srvCfg) })
	err = g.Wait()

	// running deployments are cancelled through their job contexts
	svc.pool.Stop()
	_ = store.Close(context.Background())
	return err
}
