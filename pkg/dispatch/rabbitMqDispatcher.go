package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"maps"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskbridge/outbox/pkg/config"
	"github.com/taskbridge/outbox/pkg/store"
)

type RabbitMqDispatcherCreator func(ctx context.Context, settings *config.DispatcherSettings) (Dispatcher, error)

// NewRabbitMqDispatcher publishes operations to an AMQP exchange, routing by
// operation type. A channel pool keeps publishes off a single shared channel.
var NewRabbitMqDispatcher RabbitMqDispatcherCreator = func(ctx context.Context, settings *config.DispatcherSettings) (Dispatcher, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}

	d := &rabbitMqDispatcher{
		channelPool:     make(chan *leasedChannel, settings.PoolSize),
		settings:        settings,
		reconnectTicker: time.NewTicker(5 * time.Second),
		stopReconnect:   make(chan struct{}),
	}

	if err := d.connectAndInitialize(); err != nil {
		return nil, err
	}

	go d.recoverConnection()

	return d, nil
}

type rabbitMqDispatcher struct {
	connection      *amqp.Connection
	channelPool     chan *leasedChannel
	mu              sync.Mutex
	settings        *config.DispatcherSettings
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
}

type leasedChannel struct {
	channel     *amqp.Channel
	notifyClose chan *amqp.Error
}

func (d *rabbitMqDispatcher) Dispatch(ctx context.Context, op *store.Operation) error {
	tracer := otel.Tracer("task-outbox")
	ctx, span := tracer.Start(ctx, "Dispatch",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(d.settings.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(op.OperationType),
		),
	)
	defer span.End()

	body, err := json.Marshal(op.Payload)
	if err != nil {
		return &Error{Kind: KindClient, Message: fmt.Sprintf("marshal payload: %v", err)}
	}

	// Inject the trace context into the message headers
	headers := make(map[string]string, len(op.Headers))
	maps.Copy(headers, op.Headers)
	propagator := otel.GetTextMapPropagator()
	propagator.Inject(ctx, propagation.MapCarrier(headers))

	amqpHeaders := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		amqpHeaders[k] = v
	}
	amqpHeaders["endpoint"] = op.Endpoint

	leased, err := d.getChannel()
	if err != nil {
		span.RecordError(err)
		return &Error{Kind: KindNetwork, Message: err.Error()}
	}
	defer d.releaseChannel(leased)

	err = leased.channel.Publish(
		d.settings.Exchange, op.OperationType, false, false,
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   op.IdempotencyKey,
			Body:        body,
			Headers:     amqpHeaders,
		},
	)
	if err != nil {
		span.RecordError(err)
		return &Error{Kind: KindNetwork, Message: err.Error()}
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(body)),
	)

	return nil
}

func (d *rabbitMqDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	close(d.stopReconnect)
	d.reconnectTicker.Stop()

	close(d.channelPool)
	for leased := range d.channelPool {
		leased.channel.Close()
	}

	if d.connection != nil {
		return d.connection.Close()
	}
	return nil
}

func (d *rabbitMqDispatcher) connectAndInitialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connection != nil && !d.connection.IsClosed() {
		d.connection.Close()
	}

	conn, err := amqp.Dial(d.settings.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			log.Printf("RabbitMQ connection closed: %v", err)
		}
	}()
	d.connection = conn

	// Declare the exchange once up front; declaration is idempotent.
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(d.settings.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	for i := 0; i < d.settings.PoolSize; i++ {
		channel, err := conn.Channel()
		if err != nil {
			return err
		}
		d.channelPool <- &leasedChannel{
			channel:     channel,
			notifyClose: channel.NotifyClose(make(chan *amqp.Error)),
		}
	}

	return nil
}

func (d *rabbitMqDispatcher) recoverConnection() {
	for {
		select {
		case <-d.reconnectTicker.C:
			if d.connection == nil || d.connection.IsClosed() {
				log.Println("Attempting to reconnect to RabbitMQ...")
				if err := d.connectAndInitialize(); err != nil {
					log.Printf("Failed to reconnect to RabbitMQ: %v", err)
				}
			}
		case <-d.stopReconnect:
			return
		}
	}
}

func (d *rabbitMqDispatcher) getChannel() (*leasedChannel, error) {
	for {
		select {
		case leased := <-d.channelPool:
			select {
			case err := <-leased.notifyClose:
				// Channel died while pooled, discard it
				log.Printf("Discarding closed channel: %v", err)
				continue
			default:
				return leased, nil
			}
		default:
			channel, err := d.connection.Channel()
			if err != nil {
				return nil, err
			}
			return &leasedChannel{
				channel:     channel,
				notifyClose: channel.NotifyClose(make(chan *amqp.Error)),
			}, nil
		}
	}
}

func (d *rabbitMqDispatcher) releaseChannel(leased *leasedChannel) {
	select {
	case err := <-leased.notifyClose:
		log.Printf("Discarding closed channel: %v", err)
	default:
		select {
		case d.channelPool <- leased:
		default:
			// Pool is full
			leased.channel.Close()
		}
	}
}
