package database

import (
	"context"
	"errors"
	"fmt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"time"
)

type DBStore struct {
	client           *mongo.Client
	events           *mongo.Collection
	operationTimeout time.Duration
}

func NewDatabaseStore(client *mongo.Client, database string, operationTimeout time.Duration) *DBStore {
	return &DBStore{
		client:           client,
		events:           client.Database(database).Collection(EventCollectionName),
		operationTimeout: operationTimeout,
	}
}

func (ds *DBStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ds.operationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, ds.operationTimeout)
}

func wrapError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("document does not exist: %w", err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ds *DBStore) SaveEvent(ctx context.Context, event *SessionEvent) error {
	ctx, cancel := ds.withTimeout(ctx)
	defer cancel()

	if event.ClientID == "" {
		return ClientIdEmptyError
	}

	startTime := time.Now()
	_, err := ds.events.InsertOne(ctx, event)
	logger.DebugF("session event insert cost: %v", time.Since(startTime))

	if err != nil {
		return wrapError(err)
	}
	return nil
}

func (ds *DBStore) ListEvents(ctx context.Context, clientID string, limit int64) ([]*SessionEvent, error) {
	ctx, cancel := ds.withTimeout(ctx)
	defer cancel()

	if clientID == "" {
		return nil, ClientIdEmptyError
	}

	filter := bson.D{{Key: "client_id", Value: clientID}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cursor, err := ds.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapError(err)
	}
	defer func() { _ = cursor.Close(context.Background()) }()

	var events []*SessionEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, wrapError(err)
	}
	return events, nil
}

func (ds *DBStore) DeleteEvents(ctx context.Context, clientID string) (int64, error) {
	ctx, cancel := ds.withTimeout(ctx)
	defer cancel()

	if clientID == "" {
		return 0, ClientIdEmptyError
	}

	filter := bson.D{{Key: "client_id", Value: clientID}}
	result, err := ds.events.DeleteMany(ctx, filter)
	if err != nil {
		return 0, wrapError(err)
	}

	logger.InfoF("Session events deleted: client_id=%s, deleted=%d", clientID, result.DeletedCount)
	return result.DeletedCount, nil
}
