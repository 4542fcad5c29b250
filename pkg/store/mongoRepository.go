package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

// MongoRepository stores outbox operations in a MongoDB collection.
//
// Mongo has no FOR UPDATE SKIP LOCKED, so PickBatch claims rows one at a
// time with FindOneAndUpdate, stamping a short picked_until lease that makes
// a claimed row invisible to concurrent pickers until the lease expires.
type MongoRepository struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoRepository(client *mongo.Client, database, collection string) *MongoRepository {
	return &MongoRepository{
		client:     client,
		database:   database,
		collection: collection,
	}
}

// EnsureIndexes creates the unique idempotency-key index and the eligibility
// index. Call once at startup.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_retry_at", Value: 1}, {Key: "created_at", Value: 1}},
		},
	})
	return err
}

func (m *MongoRepository) Enqueue(ctx context.Context, op *Operation) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Enqueue")
	defer span.End()

	if err := ensureKey(op); err != nil {
		span.RecordError(err)
		return "", err
	}

	id, err := m.nextID(ctx)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	now := time.Now()
	doc := bson.M{
		"id":              id,
		"idempotency_key": op.IdempotencyKey,
		"operation_type":  op.OperationType,
		"endpoint":        op.Endpoint,
		"payload":         op.Payload,
		"headers":         op.Headers,
		"status":          StatusPending,
		"retry_count":     0,
		"created_at":      now,
		"updated_at":      now,
	}
	if _, err := m.coll().InsertOne(ctx, doc); err != nil {
		// A duplicate key means the logical operation is already enqueued;
		// the existing row keeps its state.
		if mongo.IsDuplicateKeyError(err) {
			return op.IdempotencyKey, nil
		}
		span.RecordError(err)
		return "", err
	}

	op.ID = id
	return op.IdempotencyKey, nil
}

func (m *MongoRepository) PickBatch(ctx context.Context, limit int) ([]Operation, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "PickBatch")
	defer span.End()

	start := time.Now()

	var ops []Operation
	for len(ops) < limit {
		now := time.Now()
		filter := bson.M{"$and": []bson.M{
			{"$or": []bson.M{
				{"status": StatusPending},
				{"status": StatusFailed, "next_retry_at": bson.M{"$not": bson.M{"$gt": now}}},
			}},
			{"picked_until": bson.M{"$not": bson.M{"$gt": now}}},
		}}
		update := bson.M{"$set": bson.M{"picked_until": now.Add(pickLease)}}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "created_at", Value: 1}}).
			SetReturnDocument(options.After)

		var doc operationDoc
		err := m.coll().FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				break
			}
			span.RecordError(err)
			return nil, err
		}
		ops = append(ops, doc.toOperation())
	}

	addDBStatsToSpan(span, "mongodb", "PickBatch", len(ops), time.Since(start))

	return ops, nil
}

func (m *MongoRepository) MarkInflight(ctx context.Context, id int64) error {
	return m.setStatus(ctx, "MarkInflight", id, StatusInflight)
}

func (m *MongoRepository) MarkDelivered(ctx context.Context, id int64) error {
	return m.setStatus(ctx, "MarkDelivered", id, StatusDelivered)
}

func (m *MongoRepository) MarkFailed(ctx context.Context, id int64, retryIn time.Duration, dispatchErr string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MarkFailed")
	defer span.End()

	if retryIn < 0 {
		retryIn = 0
	}

	update := bson.M{
		"$set": bson.M{
			"status":        StatusFailed,
			"next_retry_at": time.Now().Add(retryIn),
			"last_error":    truncateError(dispatchErr),
			"updated_at":    time.Now(),
		},
		"$inc":   bson.M{"retry_count": 1},
		"$unset": bson.M{"picked_until": ""},
	}
	_, err := m.coll().UpdateOne(ctx, bson.M{"id": id}, update)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (m *MongoRepository) DeadLetter(ctx context.Context, id int64, dispatchErr string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "DeadLetter")
	defer span.End()

	update := bson.M{
		"$set": bson.M{
			"status":     StatusDead,
			"last_error": truncateError(dispatchErr),
			"updated_at": time.Now(),
		},
		"$unset": bson.M{"picked_until": ""},
	}
	_, err := m.coll().UpdateOne(ctx, bson.M{"id": id}, update)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (m *MongoRepository) Stats(ctx context.Context) (map[Status]int, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Stats")
	defer span.End()

	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	}
	cursor, err := m.coll().Aggregate(ctx, pipeline)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	stats := make(map[Status]int)
	for cursor.Next(ctx) {
		var group struct {
			Status Status `bson:"_id"`
			Count  int    `bson:"count"`
		}
		if err := cursor.Decode(&group); err != nil {
			span.RecordError(err)
			return nil, err
		}
		stats[group.Status] = group.Count
	}
	return stats, cursor.Err()
}

func (m *MongoRepository) setStatus(ctx context.Context, spanName string, id int64, status Status) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	defer span.End()

	update := bson.M{
		"$set":   bson.M{"status": status, "updated_at": time.Now()},
		"$unset": bson.M{"picked_until": ""},
	}
	_, err := m.coll().UpdateOne(ctx, bson.M{"id": id}, update)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// nextID allocates a monotonic int64 from a counters document.
func (m *MongoRepository) nextID(ctx context.Context) (int64, error) {
	counters := m.client.Database(m.database).Collection(m.collection + "_counters")
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "operation_id"},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func (m *MongoRepository) coll() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

type operationDoc struct {
	ID             int64             `bson:"id"`
	IdempotencyKey string            `bson:"idempotency_key"`
	OperationType  string            `bson:"operation_type"`
	Endpoint       string            `bson:"endpoint"`
	Payload        map[string]any    `bson:"payload"`
	Headers        map[string]string `bson:"headers"`
	Status         Status            `bson:"status"`
	RetryCount     int               `bson:"retry_count"`
	NextRetryAt    *time.Time        `bson:"next_retry_at"`
	LastError      string            `bson:"last_error"`
	CreatedAt      time.Time         `bson:"created_at"`
	UpdatedAt      time.Time         `bson:"updated_at"`
}

func (d operationDoc) toOperation() Operation {
	return Operation{
		ID:             d.ID,
		IdempotencyKey: d.IdempotencyKey,
		OperationType:  d.OperationType,
		Endpoint:       d.Endpoint,
		Payload:        d.Payload,
		Headers:        d.Headers,
		Status:         d.Status,
		RetryCount:     d.RetryCount,
		NextRetryAt:    d.NextRetryAt,
		LastError:      d.LastError,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}
