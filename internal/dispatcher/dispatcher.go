// Package dispatcher implements the request dispatcher (C9): the pipeline
// every sandbox-originated tool call passes through before and after it
// reaches a downstream server. It composes, in order, the rate limiter
// (C3), the allow-list check, the schema cache (C5), the schema validator
// (C4), and the downstream pool (C8), which itself applies the circuit
// breaker and connection queue (C6, C7), recording an audit event (C2) at
// every decision point.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/toolbroker/orchestrator/internal/audit"
	"github.com/toolbroker/orchestrator/internal/filter"
	"github.com/toolbroker/orchestrator/internal/ratelimit"
	"github.com/toolbroker/orchestrator/internal/schema"
	"github.com/toolbroker/orchestrator/internal/telemetry"
	"github.com/toolbroker/orchestrator/internal/toolerrors"
	"github.com/toolbroker/orchestrator/internal/toolname"
)

// DownstreamPool is the subset of internal/downstream.Pool the dispatcher
// depends on.
type DownstreamPool interface {
	CallTool(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error)
}

// SchemaCache is the subset of internal/schema.Cache the dispatcher depends
// on.
type SchemaCache interface {
	GetToolSchema(ctx context.Context, name string) (*schema.ToolDescriptor, error)
}

// SchemaValidator is the subset of internal/schema.Validator the dispatcher
// depends on.
type SchemaValidator interface {
	Validate(toolName string, args, schemaDoc json.RawMessage) (schema.Result, error)
}

// Request is one tool-call request originating in a sandbox.
type Request struct {
	ExecutionID string
	RequestID   string
	ClientID    string // rate-limit bucket key, typically the Execution's correlation id
	AllowList   *toolname.AllowList
	ToolName    string // fully-qualified "<server>.<tool>"
	Args        json.RawMessage
}

// Dispatcher wires C3 through C8 together for one tool call.
type Dispatcher struct {
	limiter   *ratelimit.Limiter
	schemas   SchemaCache
	validator SchemaValidator
	pool      DownstreamPool
	auditor   *audit.Logger
	metrics   telemetry.Metrics

	dedup singleflight.Group

	now func() time.Time
}

// Option configures optional Dispatcher behavior.
type Option func(*Dispatcher)

// WithMetrics attaches m as the destination for per-tool-call latency and
// outcome telemetry. Unset, the Dispatcher records nothing.
func WithMetrics(m telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New constructs a Dispatcher.
func New(limiter *ratelimit.Limiter, schemas SchemaCache, validator SchemaValidator, pool DownstreamPool, auditor *audit.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		limiter:   limiter,
		schemas:   schemas,
		validator: validator,
		pool:      pool,
		auditor:   auditor,
		metrics:   telemetry.NewNoopMetrics(),
		now:       time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	return d
}

// Dispatch runs the full pipeline for req, deduplicating concurrent calls
// that share (ExecutionID, RequestID).
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (json.RawMessage, error) {
	key := req.ExecutionID + "\x00" + req.RequestID
	v, err, _ := d.dedup.Do(key, func() (any, error) {
		return d.dispatchOnce(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

func (d *Dispatcher) dispatchOnce(ctx context.Context, req Request) (json.RawMessage, error) {
	start := d.now()
	d.record(req, audit.EventToolCall, audit.OutcomeSuccess, nil, nil)

	if d.limiter != nil {
		res := d.limiter.Check(req.ClientID)
		if !res.Allowed {
			terr := &toolerrors.Error{Kind: toolerrors.KindRateLimited, Message: "rate limit exceeded", ResetInMS: res.ResetIn.Milliseconds()}
			d.record(req, audit.EventRateLimited, audit.OutcomeRejected, nil, terr)
			d.recordOutcome(req, start, "rate_limited")
			return nil, terr
		}
	}

	if !req.AllowList.Allows(req.ToolName) {
		terr := toolerrors.New(toolerrors.KindToolNotPermitted, "tool "+req.ToolName+" is not in the allow-list")
		d.record(req, audit.EventToolCall, audit.OutcomeRejected, nil, terr)
		d.recordOutcome(req, start, "not_permitted")
		return nil, terr
	}

	descriptor, err := d.schemas.GetToolSchema(ctx, req.ToolName)
	if err != nil {
		terr := toolerrors.Wrap(toolerrors.KindSchemaUnavailable, "schema unavailable for "+req.ToolName, err)
		d.record(req, audit.EventToolCall, audit.OutcomeFailure, nil, terr)
		d.recordOutcome(req, start, "schema_unavailable")
		return nil, terr
	}

	result, verr := d.validator.Validate(req.ToolName, req.Args, descriptor.InputSchema)
	if verr != nil {
		terr := toolerrors.Wrap(toolerrors.KindInternal, "validation error", verr)
		d.record(req, audit.EventToolCall, audit.OutcomeFailure, nil, terr)
		d.recordOutcome(req, start, "validation_error")
		return nil, terr
	}
	if !result.OK {
		terr := &toolerrors.Error{Kind: toolerrors.KindValidationFailed, Message: validationSummary(result)}
		if len(result.Errors) > 0 {
			terr.Path = result.Errors[0].Path
		}
		d.record(req, audit.EventToolCall, audit.OutcomeRejected, nil, terr)
		d.recordOutcome(req, start, "validation_failed")
		return nil, terr
	}

	response, err := d.pool.CallTool(ctx, descriptor.Server, bareName(req.ToolName), req.Args)
	latency := d.now().Sub(start).Milliseconds()
	if err != nil {
		d.record(req, audit.EventToolCall, audit.OutcomeFailure, &latency, err)
		d.recordOutcome(req, start, "downstream_failure")
		return nil, err
	}
	d.record(req, audit.EventToolCall, audit.OutcomeSuccess, &latency, nil)
	d.recordOutcome(req, start, "success")
	return response, nil
}

// recordOutcome records the per-tool-call latency histogram and an outcome
// counter tagged by tool and result, the dispatcher's half of the metrics
// surface (the other half lives in the rate limiter and breaker registry).
func (d *Dispatcher) recordOutcome(req Request, start time.Time, outcome string) {
	d.metrics.RecordTimer("dispatch.latency", d.now().Sub(start), "tool", req.ToolName, "outcome", outcome)
	d.metrics.IncCounter("dispatch.outcome", 1, "tool", req.ToolName, "outcome", outcome)
}

func (d *Dispatcher) record(req Request, kind audit.EventKind, outcome audit.Outcome, latencyMS *int64, err error) {
	if d.auditor == nil {
		return
	}
	event := audit.Event{
		Timestamp:     d.now().UTC(),
		CorrelationID: req.ExecutionID,
		Kind:          kind,
		Outcome:       outcome,
		Tool:          req.ToolName,
		ArgsSHA256:    filter.Hash(string(req.Args)),
		LatencyMS:     latencyMS,
	}
	if err != nil {
		event.Error = err.Error()
	}
	d.auditor.Record(event)
}

func bareName(qualified string) string {
	for i := 0; i < len(qualified); i++ {
		if qualified[i] == '.' {
			return qualified[i+1:]
		}
	}
	return qualified
}

func validationSummary(res schema.Result) string {
	if len(res.Errors) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("%s: %s", res.Errors[0].Path, res.Errors[0].Message)
}
