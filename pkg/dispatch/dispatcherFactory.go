package dispatch

import (
	"context"
	"fmt"

	"github.com/taskbridge/outbox/pkg/config"
)

func NewDispatcher(ctx context.Context, cfg *config.DispatcherSettings) (Dispatcher, error) {
	switch cfg.Type {
	case "http":
		return NewHTTPDispatcher(cfg)
	case "rabbitmq":
		return NewRabbitMqDispatcher(ctx, cfg)
	case "gcp-pubsub":
		return NewPubSubDispatcher(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported dispatcher type: %s", cfg.Type)
	}
}
