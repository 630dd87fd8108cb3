package report

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const saveTimeout = 30 * time.Second

type Saver interface {
	Save(ctx context.Context, r *Report) error
}

// MongoStore keeps one document per execution, keyed by execution uid.
type MongoStore struct {
	collection *mongo.Collection
}

func NewMongoStore(collection *mongo.Collection) *MongoStore {
	return &MongoStore{collection: collection}
}

// Save upserts r, replacing an earlier report of the same execution.
func (s *MongoStore) Save(ctx context.Context, r *Report) error {
	if r == nil || r.ExecutionUID == "" {
		return fmt.Errorf("save report: missing execution uid")
	}
	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()

	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": r.ExecutionUID},
		r,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save report %s: %w", r.ExecutionUID, err)
	}
	return nil
}
