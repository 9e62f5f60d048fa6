package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"hookrelay/pkg/migrations"
)

type mongoEvent struct {
	ID         string     `bson:"_id"`
	EntityType string     `bson:"entityType"`
	Action     string     `bson:"action"`
	Source     string     `bson:"source"`
	StoredAt   time.Time  `bson:"storedAt"`
	ExpiresAt  *time.Time `bson:"expiresAt,omitempty"`
	Data       []byte     `bson:"data"`
}

// MongoBackend stores one document per event. The entity type, action and
// source are copied out of the payload so the collection can be queried
// directly.
type MongoBackend struct {
	collection *mongo.Collection
}

func NewMongoBackend(db *mongo.Database, collection string) *MongoBackend {
	if collection == "" {
		collection = "events"
	}
	return &MongoBackend{collection: db.Collection(collection)}
}

// EnsureIndexes creates the collection indexes, including the TTL index on
// expiresAt.
func (m *MongoBackend) EnsureIndexes(ctx context.Context) error {
	return migrations.EnsureEventIndexes(ctx, m.collection.Database(), m.collection.Name())
}

func (m *MongoBackend) Name() string { return "mongodb" }

func (m *MongoBackend) Put(ctx context.Context, rec Record) error {
	doc := mongoEvent{
		ID:         rec.ID,
		EntityType: rec.EntityType,
		Action:     rec.Action,
		Source:     rec.Source,
		StoredAt:   rec.StoredAt,
		ExpiresAt:  rec.ExpiresAt,
		Data:       rec.Data,
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := m.collection.ReplaceOne(ctx, bson.M{"_id": rec.ID}, doc, opts); err != nil {
		return fmt.Errorf("failed to store event %s in mongodb: %w", rec.ID, err)
	}
	return nil
}

func (m *MongoBackend) Get(ctx context.Context, id string) ([]byte, error) {
	var doc mongoEvent
	err := m.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read event %s from mongodb: %w", id, err)
	}
	return doc.Data, nil
}

func (m *MongoBackend) Delete(ctx context.Context, id string) error {
	res, err := m.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete event %s from mongodb: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return notFound(id)
	}
	return nil
}

func (m *MongoBackend) Scan(ctx context.Context, from time.Time) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		filter := bson.M{}
		if !from.IsZero() {
			filter["storedAt"] = bson.M{"$gte": from}
		}
		opts := options.Find().SetSort(bson.D{{Key: "storedAt", Value: 1}, {Key: "_id", Value: 1}})

		cursor, err := m.collection.Find(ctx, filter, opts)
		if err != nil {
			yield(Record{}, fmt.Errorf("failed to scan mongodb events: %w", err))
			return
		}
		defer cursor.Close(context.WithoutCancel(ctx))

		for cursor.Next(ctx) {
			var doc mongoEvent
			if err := cursor.Decode(&doc); err != nil {
				if !yield(Record{}, fmt.Errorf("failed to decode mongodb event: %w", err)) {
					return
				}
				continue
			}
			rec := Record{
				ID:         doc.ID,
				EntityType: doc.EntityType,
				Action:     doc.Action,
				Source:     doc.Source,
				StoredAt:   doc.StoredAt.UTC(),
				ExpiresAt:  doc.ExpiresAt,
				Data:       doc.Data,
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(Record{}, fmt.Errorf("mongodb cursor failed: %w", err))
		}
	}
}

func (m *MongoBackend) Count(ctx context.Context) (int, error) {
	n, err := m.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to count mongodb events: %w", err)
	}
	return int(n), nil
}

var _ Backend = (*MongoBackend)(nil)
