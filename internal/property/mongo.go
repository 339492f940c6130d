package property

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	DefaultMongoDatabase   = "mailwatch"
	DefaultMongoCollection = "mailbox_properties"
	DefaultMongoTimeout    = 5 * time.Second
)

type propertyKey struct {
	Mailbox string `bson:"mailbox"`
	Key     string `bson:"key"`
}

type propertyDoc struct {
	ID        propertyKey `bson:"_id"`
	Value     string      `bson:"value"`
	UpdatedAt time.Time   `bson:"updated_at"`
}

// MongoStore keeps one document per (mailbox, key), keyed by a compound _id.
type MongoStore struct {
	client  *mongo.Client
	coll    *mongo.Collection
	timeout time.Duration
}

// OpenMongo connects to uri and verifies the deployment is reachable.
func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, DefaultMongoTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	if database == "" {
		database = DefaultMongoDatabase
	}
	return NewMongoStore(client, client.Database(database).Collection(DefaultMongoCollection)), nil
}

func NewMongoStore(client *mongo.Client, coll *mongo.Collection) *MongoStore {
	return &MongoStore{client: client, coll: coll, timeout: DefaultMongoTimeout}
}

func (s *MongoStore) Get(ctx context.Context, mailboxID, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var doc propertyDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": propertyKey{Mailbox: mailboxID, Key: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find %s: %w", key, err)
	}
	return doc.Value, nil
}

func (s *MongoStore) Set(ctx context.Context, mailboxID, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	filter := bson.M{"_id": propertyKey{Mailbox: mailboxID, Key: key}}
	update := bson.M{"$set": bson.M{"value": value, "updated_at": time.Now().UTC()}}
	if _, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, mailboxID, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": propertyKey{Mailbox: mailboxID, Key: key}}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *MongoStore) CompareAndSwap(ctx context.Context, mailboxID, key, prev, next string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	id := propertyKey{Mailbox: mailboxID, Key: key}
	now := time.Now().UTC()
	if prev == "" {
		_, err := s.coll.InsertOne(ctx, propertyDoc{ID: id, Value: next, UpdatedAt: now})
		if mongo.IsDuplicateKeyError(err) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert %s: %w", key, err)
		}
		return nil
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "value": prev},
		bson.M{"$set": bson.M{"value": next, "updated_at": now}},
	)
	if err != nil {
		return fmt.Errorf("compare and swap %s: %w", key, err)
	}
	if res.MatchedCount == 0 {
		return ErrConflict
	}
	return nil
}

func (s *MongoStore) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

var _ Store = (*MongoStore)(nil)
