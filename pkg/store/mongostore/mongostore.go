// Package mongostore implements the document store over MongoDB, the
// backend used in self-hosted mode. Each logical collection maps to one
// Mongo collection with the document key as _id.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	apierrors "github.com/epam/modular-api/pkg/errors"
	"github.com/epam/modular-api/pkg/store"
)

// Store is the MongoDB-backed document store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ store.Store = (*Store)(nil)

// document is the envelope persisted per key. The JSON document body is
// stored verbatim so that field shapes stay identical across backends.
type document struct {
	ID        string    `bson:"_id"`
	Doc       string    `bson:"doc"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type counter struct {
	ID        string    `bson:"_id"`
	Value     int64     `bson:"value"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// Connect opens a Mongo client and verifies connectivity.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Store{client: client, db: client.Database(database)}, nil
}

// EnsureIndexes creates the TTL index used to expire counter windows.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(store.CollectionUsageCounters).Indexes().CreateOne(ctx,
		mongo.IndexModel{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		})
	if err != nil {
		return fmt.Errorf("create counter ttl index: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, key string, out any) error {
	var doc document
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s/%s: %w", collection, key, apierrors.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get document: %w", err)
	}
	if err := json.Unmarshal([]byte(doc.Doc), out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, collection, key string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = s.db.Collection(collection).ReplaceOne(ctx,
		bson.M{"_id": key},
		document{ID: key, Doc: string(raw), UpdatedAt: time.Now().UTC()},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("put document: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, collection, key string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = s.db.Collection(collection).InsertOne(ctx,
		document{ID: key, Doc: string(raw), UpdatedAt: time.Now().UTC()})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s/%s: %w", collection, key, apierrors.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	res, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%s/%s: %w", collection, key, apierrors.ErrNotFound)
	}
	return nil
}

func (s *Store) Increment(ctx context.Context, collection, key string, ttl time.Duration) (int64, error) {
	var c counter
	err := s.db.Collection(collection).FindOneAndUpdate(ctx,
		bson.M{"_id": key},
		bson.M{
			"$inc":         bson.M{"value": 1},
			"$setOnInsert": bson.M{"expires_at": time.Now().UTC().Add(ttl)},
		},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After),
	).Decode(&c)
	if err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	return c.Value, nil
}

func (s *Store) Scan(ctx context.Context, collection string, fn func(key string, raw []byte) error) error {
	cur, err := s.db.Collection(collection).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return fmt.Errorf("scan collection: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return fmt.Errorf("decode scan row: %w", err)
		}
		if err := fn(doc.ID, []byte(doc.Doc)); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("scan collection: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("mongo health check failed: %w", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}
