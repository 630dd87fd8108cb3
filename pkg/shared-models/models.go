package datamodels

import (
	"time"

	"github.com/google/uuid"
)

type Workflow string

const (
	WorkflowImaging           Workflow = "imaging"
	WorkflowCreateCluster     Workflow = "create-cluster"
	WorkflowEnableFC          Workflow = "enable-fc"
	WorkflowEnableMarketplace Workflow = "enable-marketplace"
	WorkflowAll               Workflow = "run"
)

// Request asks the deployer to run one workflow against a stored
// deployment config.
type Request struct {
	ConfigID     string    `json:"configid" validate:"required"`
	Workflow     Workflow  `json:"workflow" validate:"required,oneof=imaging create-cluster enable-fc enable-marketplace run"`
	ExecutionUID uuid.UUID `json:"exuid"`
}

type Response struct {
	ExecutionUID uuid.UUID `json:"exuid"`
}

// DeploymentEvent is published for every status poll and terminal state of
// a monitored operation.
type DeploymentEvent struct {
	ExecutionUID uuid.UUID `json:"exuid"`
	Label        string    `json:"label"`
	Handle       string    `json:"handle"`
	Kind         string    `json:"kind"`
	State        string    `json:"state"`
	Progress     string    `json:"progress,omitempty"`
	Percent      float64   `json:"percent,omitempty"`
	Error        string    `json:"error,omitempty"`
	Time         time.Time `json:"time"`
}
