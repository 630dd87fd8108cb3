// Package kafkautil wraps kafka-go readers and writers that carry JSON
// payloads.
package kafkautil

import (
	"strings"
)

type Config struct {
	Brokers []string `yaml:"brokers" json:"brokers" validate:"required,min=1"`
	Topic   string   `yaml:"topic" json:"topic" validate:"required"`
	GroupID string   `yaml:"group_id" json:"group_id"`
}

// SplitBrokers turns "host1:9092,host2:9092" into a broker list.
func SplitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
