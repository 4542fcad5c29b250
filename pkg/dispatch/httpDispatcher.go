package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskbridge/outbox/pkg/config"
	"github.com/taskbridge/outbox/pkg/store"
)

const defaultHTTPTimeout = 30 * time.Second

type HTTPDispatcherCreator func(settings *config.DispatcherSettings) (Dispatcher, error)

// NewHTTPDispatcher builds the dispatcher used for task-tracking provider
// APIs: it POSTs the operation payload as JSON to baseURL + endpoint.
var NewHTTPDispatcher HTTPDispatcherCreator = func(settings *config.DispatcherSettings) (Dispatcher, error) {
	if settings.BaseURL == "" {
		return nil, fmt.Errorf("http dispatcher requires a base_url")
	}
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &httpDispatcher{
		client:    &http.Client{Timeout: timeout},
		baseURL:   strings.TrimRight(settings.BaseURL, "/"),
		authToken: settings.AuthToken,
	}, nil
}

type httpDispatcher struct {
	client    *http.Client
	baseURL   string
	authToken string
}

func (d *httpDispatcher) Dispatch(ctx context.Context, op *store.Operation) error {
	tracer := otel.Tracer("task-outbox")
	ctx, span := tracer.Start(ctx, "Dispatch",
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(http.MethodPost),
			semconv.HTTPURLKey.String(d.baseURL+op.Endpoint),
			attribute.String("outbox.operation_type", op.OperationType),
		),
	)
	defer span.End()

	body, err := json.Marshal(op.Payload)
	if err != nil {
		return &Error{Kind: KindClient, Message: fmt.Sprintf("marshal payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+op.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindClient, Message: err.Error()}
	}

	req.Header.Set("Content-Type", "application/json")
	if d.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.authToken)
	}
	// Operation headers pass through verbatim, e.g. a pre-computed
	// Idempotency-Key for the provider.
	for k, v := range op.Headers {
		req.Header.Set(k, v)
	}

	// Inject the trace context into the outgoing request headers
	propagator := otel.GetTextMapPropagator()
	propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		derr := &Error{Kind: KindNetwork, Message: err.Error()}
		span.RecordError(derr)
		return derr
	}
	defer resp.Body.Close()

	span.SetAttributes(semconv.HTTPStatusCodeKey.Int(resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	derr := classifyStatus(resp)
	span.RecordError(derr)
	return derr
}

func (d *httpDispatcher) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

func classifyStatus(resp *http.Response) *Error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{
			Kind:       KindRateLimited,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    string(snippet),
		}
	case resp.StatusCode >= 500:
		return &Error{Kind: KindServer, StatusCode: resp.StatusCode, Message: string(snippet)}
	default:
		return &Error{Kind: KindClient, StatusCode: resp.StatusCode, Message: string(snippet)}
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
