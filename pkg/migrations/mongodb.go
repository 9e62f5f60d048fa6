package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureEventIndexes creates the indexes the mongodb event backend relies on.
// The expiresAt TTL index lets mongod drop expired documents on its own; the
// store sweep still removes them from the in-process indices.
func EnsureEventIndexes(ctx context.Context, db *mongo.Database, collectionName string) error {
	collection := db.Collection(collectionName)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "storedAt", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("idx_events_stored_at"),
		},
		{
			Keys:    bson.D{{Key: "expiresAt", Value: 1}},
			Options: options.Index().SetName("idx_events_expires_at").SetExpireAfterSeconds(0).SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "entityType", Value: 1}, {Key: "action", Value: 1}},
			Options: options.Index().SetName("idx_events_entity_type_action"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create indexes on %s: %w", collectionName, err)
	}

	return nil
}
