package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskbridge/outbox/pkg/config"
	"github.com/taskbridge/outbox/pkg/store"
)

// PubSubDispatcherCreator defines a function type for creating Pub/Sub dispatchers.
type PubSubDispatcherCreator func(ctx context.Context, settings *config.DispatcherSettings, opts ...option.ClientOption) (Dispatcher, error)

// NewPubSubDispatcher publishes operations to a Pub/Sub topic derived from
// the operation endpoint.
var NewPubSubDispatcher PubSubDispatcherCreator = func(ctx context.Context, settings *config.DispatcherSettings, opts ...option.ClientOption) (Dispatcher, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubDispatcher{client: client}, nil
}

type pubSubDispatcher struct {
	client *pubsub.Client
}

func (p *pubSubDispatcher) Dispatch(ctx context.Context, op *store.Operation) error {
	topic := topicFromEndpoint(op.Endpoint)

	tracer := otel.Tracer("task-outbox")
	ctx, span := tracer.Start(ctx, "Dispatch",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(topic),
		),
	)
	defer span.End()

	body, err := json.Marshal(op.Payload)
	if err != nil {
		return &Error{Kind: KindClient, Message: fmt.Sprintf("marshal payload: %v", err)}
	}

	// Inject the trace context into the message attributes
	propagator := otel.GetTextMapPropagator()
	attributes := make(map[string]string)
	propagator.Inject(ctx, propagation.MapCarrier(attributes))

	for key, value := range op.Headers {
		attributes[key] = value
	}
	attributes["operation_type"] = op.OperationType
	attributes["idempotency_key"] = op.IdempotencyKey

	message := &pubsub.Message{
		Data:       body,
		Attributes: attributes,
	}

	res := p.client.Topic(topic).Publish(ctx, message)
	if _, err := res.Get(ctx); err != nil { // wait for server ack
		span.RecordError(err)
		return &Error{Kind: KindNetwork, Message: err.Error()}
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(body)),
	)

	return nil
}

func (p *pubSubDispatcher) Close() error {
	return p.client.Close()
}

// topicFromEndpoint maps "/tasks/comment" to "tasks.comment".
func topicFromEndpoint(endpoint string) string {
	return strings.ReplaceAll(strings.Trim(endpoint, "/"), "/", ".")
}
