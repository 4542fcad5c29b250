package store

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "task-outbox"

// pickLease is how long a claimed row stays invisible to other pickers on
// engines without row-level lock skipping (Mongo, Spanner). It only needs to
// cover the pick-to-MarkInflight window.
const pickLease = 30 * time.Second

func addDBStatsToSpan(span trace.Span, system, statement string, rowCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("rowCount", rowCount),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}
