package main

import (
	"os"
	"time"
)

const (
	SERVICENAME    = "fcdeploy-gateway"
	CONFIGFILENAME = "config.yaml"
	configEnv      = "FCDEPLOY_GATEWAY_CONFIG"
)

type GatewayConfig struct {
	Service struct {
		Port     string        `yaml:"port" json:"port"`
		HTTPpath string        `yaml:"http_path" json:"http_path" validate:"startswith=/"`
		Timeout  time.Duration `yaml:"timeout" json:"timeout"`
	} `yaml:"service" json:"service"`

	Kafka struct {
		Brokers string `yaml:"brokers" json:"brokers" validate:"required"`
		Topic   string `yaml:"topic" json:"topic" validate:"required"`
	} `yaml:"kafka" json:"kafka"`
}

func NewGatewayConfig() *GatewayConfig {
	cfg := &GatewayConfig{}
	cfg.Service.Port = "8083"
	cfg.Service.HTTPpath = "/deployments"
	cfg.Service.Timeout = 2 * time.Minute
	cfg.Kafka.Brokers = "localhost:9092"
	cfg.Kafka.Topic = "fcdeploy-requests"
	return cfg
}

func configPath() string {
	if p := os.Getenv(configEnv); p != "" {
		return p
	}
	return CONFIGFILENAME
}
