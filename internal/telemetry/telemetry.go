// Package telemetry defines the logging, metrics, and tracing seams used
// throughout the orchestration core. Components depend on the Logger,
// Metrics, and Tracer interfaces rather than a concrete backend so tests can
// substitute no-op implementations and production wiring can substitute
// Clue/OpenTelemetry-backed ones.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured, leveled log messages. keyvals is an even-length
	// list of alternating key/value pairs, matching the convention used across
	// the core (e.g. "tool", call.Name, "run_id", meta.RunID).
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges. tags is an even-length
	// list of alternating keys and values, e.g. "tool", "srv-1.tool-a".
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts and retrieves spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is the subset of span behavior the core depends on.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)
