package report

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestReportAccumulates(t *testing.T) {
	id := uuid.New()
	r := New("imaging", id)
	assert.Equal(t, id.String(), r.ExecutionUID)
	assert.False(t, r.Failed())

	r.SetResult("c2", "COMPLETED")
	r.SetResult("c1", "TIMED_OUT")
	r.AddError(nil)
	r.AddError(errors.New("c1: timed out"))

	sub := New("enable-fc", id)
	sub.SetResult("Enable_FC", Pass)
	sub.AddErrorf("Timed out. %s", "Marketplace")
	r.Merge(sub)
	r.Merge(nil)
	r.Finish()

	assert.True(t, r.Failed())
	assert.Equal(t, []string{"Enable_FC", "c1", "c2"}, r.Keys())
	assert.Equal(t, []string{"c1: timed out", "Timed out. Marketplace"}, r.Errors)
	assert.False(t, r.FinishedAt.Before(r.StartedAt))
}

func TestReportBSONKeyedByExecution(t *testing.T) {
	r := New("run", uuid.New())
	data, err := bson.Marshal(r)
	require.NoError(t, err)

	var doc bson.M
	require.NoError(t, bson.Unmarshal(data, &doc))
	assert.Equal(t, r.ExecutionUID, doc["_id"])
	assert.Equal(t, "run", doc["workflow"])
}
