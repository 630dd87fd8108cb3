// Gateway receives deployment requests over HTTP and queues them on Kafka
// for the deployer.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/andrej220/fcdeploy/internal/lg"
	"github.com/andrej220/fcdeploy/internal/serverutil"
	"github.com/andrej220/fcdeploy/pkg/config"
	"github.com/andrej220/fcdeploy/pkg/config/filestore"
	ku "github.com/andrej220/fcdeploy/pkg/kafkautil"
	dm "github.com/andrej220/fcdeploy/pkg/shared-models"
	"github.com/google/uuid"
)

type publisher interface {
	Publish(ctx context.Context, key []byte, v any) error
}

type Handler struct {
	producer publisher
	timeout  time.Duration
	lg       lg.Logger
}

func (h *Handler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	request, ok := serverutil.RequestFromContext[dm.Request](r.Context())
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	ctx, cancel := context.WithTimeout(lg.Attach(r.Context(), h.lg), h.timeout)
	defer cancel()

	request.ExecutionUID = uuid.New()
	if err := h.producer.Publish(ctx, request.ExecutionUID[:], request); err != nil {
		h.lg.Error("Failed to queue request", lg.String("exuid", request.ExecutionUID.String()), lg.Err(err))
		http.Error(rw, "Failed to process request", http.StatusInternalServerError)
		return
	}
	h.lg.Info("Request queued",
		lg.String("exuid", request.ExecutionUID.String()),
		lg.String("configid", request.ConfigID),
		lg.String("workflow", string(request.Workflow)))

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(rw).Encode(dm.Response{ExecutionUID: request.ExecutionUID})
}

func newMux(cfg *GatewayConfig, producer publisher, logger lg.Logger) *http.ServeMux {
	handler := &Handler{producer: producer, timeout: cfg.Service.Timeout, lg: logger}
	mux := http.NewServeMux()
	mux.Handle(cfg.Service.HTTPpath, serverutil.NewValidationHandler[dm.Request](handler, config.Validator()))
	mux.Handle("/metrics", serverutil.MetricsHandler())
	return mux
}

func main() {
	logger := lg.New(lg.NewConfigFromFlags(SERVICENAME))
	defer func() { _ = logger.Sync() }()

	cfg := NewGatewayConfig()
	if err := filestore.New(configPath()).Load(cfg); err != nil {
		logger.Error("Failed to load config", lg.Err(err))
		os.Exit(1)
	}
	if err := config.Validator().Struct(cfg); err != nil {
		logger.Error("Invalid config", lg.Err(err))
		os.Exit(1)
	}

	producer := ku.NewProducer(ku.Config{Brokers: ku.SplitBrokers(cfg.Kafka.Brokers), Topic: cfg.Kafka.Topic}, logger)
	defer producer.Close()

	logger.Info("Starting service", lg.String("port", cfg.Service.Port), lg.String("path", cfg.Service.HTTPpath))

	srvCfg := serverutil.DefaultServerConfig()
	srvCfg.Logger = logger
	srvCfg.Port = cfg.Service.Port
	if err := serverutil.RunServer(newMux(cfg, producer, logger), srvCfg); err != nil {
		logger.Error("Failed to run server", lg.Err(err))
		os.Exit(1)
	}
}
