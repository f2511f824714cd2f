// Package server implements the server front-end (C12): it exposes the
// execute operation on two wire surfaces, a line-delimited JSON-RPC channel
// over stdio and a streaming HTTP channel, and turns each inbound
// execute-request into an Execution handed to the sandbox supervisor (C10).
package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/toolbroker/orchestrator/internal/sandbox"
	"github.com/toolbroker/orchestrator/internal/toolerrors"
	"github.com/toolbroker/orchestrator/internal/toolname"
)

const (
	// MaxCodeSize is the largest accepted execute-request code payload.
	MaxCodeSize = 100_000
	// MinTimeoutMS and MaxTimeoutMS bound the accepted timeoutMs field; the
	// upper bound matches the sandbox's own hard wall-clock max.
	MinTimeoutMS = 1_000
	MaxTimeoutMS = 600_000
)

// EngineResolver maps a configured language name to its sandbox engine
// command, as enumerated by the process's configuration (C16).
type EngineResolver interface {
	Resolve(language string) (sandbox.EngineConfig, bool)
}

// Executor is the subset of internal/sandbox.Supervisor the front-end
// depends on.
type Executor interface {
	Run(ctx context.Context, spec sandbox.Spec) sandbox.Result
}

// ExecuteRequest is the wire shape of one inbound execute-request, shared
// by both transports.
type ExecuteRequest struct {
	Language      string          `json:"language"`
	Code          string          `json:"code"`
	AllowedTools  []string        `json:"allowedTools"`
	TimeoutMS     int64           `json:"timeoutMs"`
	Permissions   json.RawMessage `json:"permissions,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// ExecuteResponse is the wire shape returned for one execute-request.
type ExecuteResponse struct {
	CorrelationID   string   `json:"correlationId"`
	Status          string   `json:"status"`
	Stdout          string   `json:"stdout"`
	Stderr          string   `json:"stderr"`
	ExecutionTimeMS int64    `json:"executionTimeMs"`
	ToolCallSummary summary  `json:"toolCallSummary"`
	Error           *wireErr `json:"error,omitempty"`
}

type summary struct {
	Total   int            `json:"total"`
	PerTool map[string]int `json:"perTool,omitempty"`
}

type wireErr struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Front is the shared execute-request handling logic behind both wire
// surfaces.
type Front struct {
	engines  EngineResolver
	executor Executor
}

// New constructs a Front.
func New(engines EngineResolver, executor Executor) *Front {
	return &Front{engines: engines, executor: executor}
}

// Execute validates req, runs it through the sandbox supervisor, and
// returns the wire response. CorrelationID is generated if the request did
// not supply one, so every response (and every audit trail entry derived
// from its Execution) can be correlated back to this one call.
func (f *Front) Execute(ctx context.Context, req ExecuteRequest) ExecuteResponse {
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	engine, ok := f.engines.Resolve(req.Language)
	if !ok {
		return ExecuteResponse{
			CorrelationID: correlationID,
			Status:        string(sandbox.StatusFailed),
			Error:         &wireErr{Kind: string(toolerrors.KindValidationFailed), Message: "unsupported language"},
		}
	}

	allowed, err := toolname.Compile(req.AllowedTools)
	if err != nil {
		return ExecuteResponse{
			CorrelationID: correlationID,
			Status:        string(sandbox.StatusFailed),
			Error:         &wireErr{Kind: string(toolerrors.KindValidationFailed), Message: "invalid tool allow-list pattern"},
		}
	}

	if len(req.Code) > MaxCodeSize {
		return ExecuteResponse{
			CorrelationID: correlationID,
			Status:        string(sandbox.StatusFailed),
			Error:         &wireErr{Kind: string(toolerrors.KindValidationFailed), Message: "code exceeds maximum size"},
		}
	}
	if req.TimeoutMS < MinTimeoutMS || req.TimeoutMS > MaxTimeoutMS {
		return ExecuteResponse{
			CorrelationID: correlationID,
			Status:        string(sandbox.StatusFailed),
			Error:         &wireErr{Kind: string(toolerrors.KindValidationFailed), Message: "timeoutMs out of range"},
		}
	}

	permissions, err := parsePermissions(req.Permissions)
	if err != nil {
		return ExecuteResponse{
			CorrelationID: correlationID,
			Status:        string(sandbox.StatusFailed),
			Error:         &wireErr{Kind: string(toolerrors.KindValidationFailed), Message: err.Error()},
		}
	}

	result := f.executor.Run(ctx, sandbox.Spec{
		ExecutionID:  correlationID,
		Engine:       engine,
		Code:         req.Code,
		Deadline:     time.Duration(req.TimeoutMS) * time.Millisecond,
		AllowedTools: allowed,
		Permissions:  permissions,
	})

	resp := ExecuteResponse{
		CorrelationID:   correlationID,
		Status:          string(result.Status),
		Stdout:          result.Stdout,
		Stderr:          result.Stderr,
		ExecutionTimeMS: result.ExecutionTimeMS,
		ToolCallSummary: summary{Total: result.ToolCallSummary.Total, PerTool: result.ToolCallSummary.PerTool},
	}
	if result.Err != nil {
		if terr, ok := toolerrors.As(result.Err); ok {
			resp.Error = &wireErr{Kind: string(terr.Kind), Message: terr.Message}
		} else {
			resp.Error = &wireErr{Kind: string(toolerrors.KindInternal), Message: "internal error"}
		}
	}
	return resp
}
