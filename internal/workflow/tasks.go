package workflow

import (
	"context"

	"github.com/andrej220/fcdeploy/pkg/batch"
	"github.com/google/uuid"
)

// ImageClusterTask submits one imaging or cluster deployment and yields its
// Foundation Central handle.
type ImageClusterTask struct {
	Name    string
	Payload map[string]any
	Client  FCClient
}

var _ batch.Task[uuid.UUID] = (*ImageClusterTask)(nil)

func (t *ImageClusterTask) Key() string { return t.Name }

func (t *ImageClusterTask) Run(ctx context.Context) batch.Outcome[uuid.UUID] {
	id, err := t.Client.CreateImagedCluster(ctx, t.Payload)
	if err != nil {
		return batch.Failure[uuid.UUID](err)
	}
	return batch.Success(id)
}
