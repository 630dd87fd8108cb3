package main

import (
	"os"
	"time"
)

const (
	SERVICENAME    = "fcdeploy-deployer"
	CONFIGFILENAME = "config.yaml"
	configEnv      = "FCDEPLOY_DEPLOYER_CONFIG"
)

type DeployerConfig struct {
	Kafka struct {
		Brokers      []string `yaml:"brokers" json:"brokers" validate:"required,min=1"`
		RequestTopic string   `yaml:"requestTopic" json:"requestTopic" validate:"required"`
		EventTopic   string   `yaml:"eventTopic" json:"eventTopic" validate:"required"`
		GroupID      string   `yaml:"groupID" json:"groupID" validate:"required"`
	} `yaml:"kafka" json:"kafka"`

	Database struct {
		MongoURI         string `yaml:"mongoURI" json:"mongoURI" validate:"required"`
		DBName           string `yaml:"dbName" json:"dbName" validate:"required"`
		ConfigCollection string `yaml:"configCollection" json:"configCollection" validate:"required"`
		ReportCollection string `yaml:"reportCollection" json:"reportCollection" validate:"required"`
	} `yaml:"database" json:"database"`

	MetricsPort string        `yaml:"metricsPort" json:"metricsPort"`
	MaxJobs     int           `yaml:"maxJobs" json:"maxJobs" validate:"gte=0"`
	JobTimeout  time.Duration `yaml:"jobTimeout" json:"jobTimeout" validate:"gte=0"`
}

func NewDeployerConfig() *DeployerConfig {
	cfg := &DeployerConfig{MetricsPort: "9102", MaxJobs: 4, JobTimeout: 6 * time.Hour}
	cfg.Kafka.RequestTopic = "fcdeploy-requests"
	cfg.Kafka.EventTopic = "fcdeploy-events"
	cfg.Kafka.GroupID = SERVICENAME
	cfg.Database.ConfigCollection = "deployments"
	cfg.Database.ReportCollection = "reports"
	return cfg
}

func configPath() string {
	if p := os.Getenv(configEnv); p != "" {
		return p
	}
	return CONFIGFILENAME
}
