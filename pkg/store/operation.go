package store

import "time"

// Status represents the lifecycle state of an outbox operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInflight  Status = "inflight"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// maxErrorLength bounds the stored error message.
const maxErrorLength = 2000

// Operation represents one intended side effect stored in the outbox table.
//
// The payload is an arbitrary JSON tree; it is serialized at the storage
// boundary and handed to the dispatcher as-is. Headers are passed through
// to the dispatcher untouched (e.g. a pre-computed Idempotency-Key header).
type Operation struct {
	ID             int64             `json:"id"`
	IdempotencyKey string            `json:"idempotency_key"`
	OperationType  string            `json:"operation_type"`
	Endpoint       string            `json:"endpoint"`
	Payload        map[string]any    `json:"payload"`
	Headers        map[string]string `json:"headers"`
	Status         Status            `json:"status"`
	RetryCount     int               `json:"retry_count"`
	NextRetryAt    *time.Time        `json:"next_retry_at,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewOperation creates a pending Operation with sensible defaults.
// The idempotency key is derived on enqueue when left empty.
func NewOperation(operationType, endpoint string, payload map[string]any, headers map[string]string) *Operation {
	now := time.Now()
	return &Operation{
		OperationType: operationType,
		Endpoint:      endpoint,
		Payload:       payload,
		Headers:       headers,
		Status:        StatusPending,
		RetryCount:    0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// truncateError keeps stored error messages within maxErrorLength.
func truncateError(msg string) string {
	if len(msg) > maxErrorLength {
		return msg[:maxErrorLength]
	}
	return msg
}
