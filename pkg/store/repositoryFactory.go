package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/taskbridge/outbox/pkg/config"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Constructor seams, swappable in tests.
var (
	sqlOpen = sql.Open

	NewSpannerRepositoryFactory = func(client *spanner.Client) OutboxRepository {
		return NewSpannerRepository(client)
	}

	NewMongoRepositoryFactory = func(client *mongo.Client, database, collection string) OutboxRepository {
		return NewMongoRepository(client, database, collection)
	}
)

func NewRepository(ctx context.Context, cfg config.DbSettings) (OutboxRepository, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewPostgresRepository(db), nil
	case "mongodb":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, err
		}
		collection := cfg.Collection
		if collection == "" {
			collection = "task_outbox"
		}
		return NewMongoRepositoryFactory(client, cfg.DBName, collection), nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerRepositoryFactory(client), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}
