// Package bridge implements the per-Execution tool bridge (C11): a
// loopback-only HTTP server that authenticates the sandbox subprocess with a
// bearer token and forwards its tool calls into the request dispatcher
// (C9). One Session exists per running Execution; it satisfies
// internal/sandbox.Bridge so the supervisor can start, address, and tear one
// down without importing this package's HTTP plumbing.
package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/toolbroker/orchestrator/internal/audit"
	"github.com/toolbroker/orchestrator/internal/dispatcher"
	"github.com/toolbroker/orchestrator/internal/filter"
	"github.com/toolbroker/orchestrator/internal/sandbox"
	"github.com/toolbroker/orchestrator/internal/schema"
	"github.com/toolbroker/orchestrator/internal/toolerrors"
	"github.com/toolbroker/orchestrator/internal/toolname"
)

// Dispatcher is the subset of internal/dispatcher.Dispatcher a bridge
// session forwards authenticated tool calls to.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatcher.Request) (json.RawMessage, error)
}

// SchemaLister is the subset of internal/schema.Cache a bridge session
// consults to answer list-tools calls.
type SchemaLister interface {
	ListAllToolSchemas() []*schema.ToolDescriptor
}

// SamplingProvider is the optional LLM-sampling collaborator (spec.md
// §4.10). The bridge forwards every provider result through the content
// filter regardless of which provider is installed; it does not enforce
// round or token budgets or a system-prompt allow-list.
// NoopSamplingProvider rejects every request, since no sampling feature is
// wired into this core.
type SamplingProvider interface {
	Sample(ctx context.Context, systemPrompt string, messages []byte) (response []byte, err error)
}

// NoopSamplingProvider is the default SamplingProvider: every request fails
// with KindInternal, since no model client is configured.
type NoopSamplingProvider struct{}

func (NoopSamplingProvider) Sample(ctx context.Context, systemPrompt string, messages []byte) ([]byte, error) {
	return nil, toolerrors.New(toolerrors.KindInternal, "sampling is not configured for this execution")
}

// toolCallRequest is the wire body of POST /tool-call.
type toolCallRequest struct {
	ToolName  string          `json:"toolName"`
	Args      json.RawMessage `json:"args"`
	RequestID string          `json:"requestId"`
}

type toolCallResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type samplingRequest struct {
	SystemPrompt string          `json:"systemPrompt"`
	Messages     json.RawMessage `json:"messages"`
}

type samplingResponse struct {
	Response json.RawMessage `json:"response,omitempty"`
	Error    *wireError      `json:"error,omitempty"`
}

// Session is one Execution's bridge: a bound loopback listener, a bearer
// token, and the tool-call summary accumulated across the Execution's
// lifetime. It implements internal/sandbox.Bridge.
type Session struct {
	executionID string
	token       string
	allowed     *toolname.AllowList

	dispatcher Dispatcher
	schemas    SchemaLister
	sampling   SamplingProvider
	content    *filter.Filter
	auditor    *audit.Logger

	listener net.Listener
	server   *http.Server

	mu      sync.Mutex
	total   int
	perTool map[string]int

	closeOnce sync.Once
}

// Config carries a Session's collaborators. Sampling defaults to
// NoopSamplingProvider when nil; Content defaults to filter.New(filter.DefaultRules())
// when nil.
type Config struct {
	Dispatcher Dispatcher
	Schemas    SchemaLister
	Sampling   SamplingProvider
	Content    *filter.Filter
	Auditor    *audit.Logger
}

// Start binds a new Session to 127.0.0.1:0, generates a bearer token, and
// begins serving. The caller must Close the returned Session when the
// Execution ends.
func Start(ctx context.Context, executionID string, allowed *toolname.AllowList, cfg Config) (*Session, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindInternal, "failed to generate bridge token", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindInternal, "failed to bind bridge listener", err)
	}

	sampling := cfg.Sampling
	if sampling == nil {
		sampling = NoopSamplingProvider{}
	}
	content := cfg.Content
	if content == nil {
		content = filter.New(filter.DefaultRules())
	}

	s := &Session{
		executionID: executionID,
		token:       token,
		allowed:     allowed,
		dispatcher:  cfg.Dispatcher,
		schemas:     cfg.Schemas,
		sampling:    sampling,
		content:     content,
		auditor:     cfg.Auditor,
		listener:    ln,
		perTool:     make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/tool-call", s.handleToolCall)
	mux.HandleFunc("/list-tools", s.handleListTools)
	mux.HandleFunc("/sample", s.handleSample)
	s.server = &http.Server{Handler: s.authenticate(mux), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		_ = s.server.Serve(ln)
	}()

	return s, nil
}

// Addr returns the bound "host:port" the sandbox should reach this session
// at.
func (s *Session) Addr() string { return s.listener.Addr().String() }

// Token returns the bearer token the sandbox must present.
func (s *Session) Token() string { return s.token }

// Summary returns the tool-call counts accumulated so far. Satisfies
// internal/sandbox.Bridge.
func (s *Session) Summary() sandbox.ToolCallSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]int, len(s.perTool))
	for k, v := range s.perTool {
		cp[k] = v
	}
	return sandbox.ToolCallSummary{Total: s.total, PerTool: cp}
}

// Close stops serving and unbinds the port. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = s.server.Shutdown(ctx)
	})
	return err
}

func (s *Session) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		ok := len(header) == len(prefix)+len(s.token) &&
			header[:len(prefix)] == prefix &&
			subtle.ConstantTimeCompare([]byte(header[len(prefix):]), []byte(s.token)) == 1
		if !ok {
			s.recordAuthFailure()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Session) recordAuthFailure() {
	if s.auditor == nil {
		return
	}
	_ = s.auditor.Record(audit.Event{
		Timestamp:     time.Now(),
		CorrelationID: s.executionID,
		Kind:          audit.EventAuthFailure,
		Outcome:       audit.OutcomeRejected,
	})
}

func (s *Session) handleToolCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, toolCallResponse{Error: &wireError{Kind: string(toolerrors.KindValidationFailed), Message: "malformed request body"}})
		return
	}
	if !s.allowed.Allows(req.ToolName) {
		writeJSON(w, http.StatusOK, toolCallResponse{Error: &wireError{Kind: string(toolerrors.KindToolNotPermitted), Message: "tool is not in this execution's allow-list"}})
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), dispatcher.Request{
		ExecutionID: s.executionID,
		RequestID:   req.RequestID,
		ClientID:    s.executionID,
		AllowList:   s.allowed,
		ToolName:    req.ToolName,
		Args:        req.Args,
	})

	s.recordToolCall(req.ToolName)

	if err != nil {
		var terr *toolerrors.Error
		if errors.As(err, &terr) {
			writeJSON(w, http.StatusOK, toolCallResponse{Error: &wireError{Kind: string(terr.Kind), Message: terr.Message}})
			return
		}
		writeJSON(w, http.StatusOK, toolCallResponse{Error: &wireError{Kind: string(toolerrors.KindInternal), Message: "internal error"}})
		return
	}
	writeJSON(w, http.StatusOK, toolCallResponse{Result: result})
}

func (s *Session) handleListTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	all := s.schemas.ListAllToolSchemas()
	visible := make([]*schema.ToolDescriptor, 0, len(all))
	for _, d := range all {
		if s.allowed.Allows(d.Name) {
			visible = append(visible, d)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

func (s *Session) handleSample(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req samplingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, samplingResponse{Error: &wireError{Kind: string(toolerrors.KindValidationFailed), Message: "malformed request body"}})
		return
	}
	resp, err := s.sampling.Sample(r.Context(), req.SystemPrompt, req.Messages)
	if err != nil {
		var terr *toolerrors.Error
		if errors.As(err, &terr) {
			writeJSON(w, http.StatusOK, samplingResponse{Error: &wireError{Kind: string(terr.Kind), Message: terr.Message}})
			return
		}
		writeJSON(w, http.StatusOK, samplingResponse{Error: &wireError{Kind: string(toolerrors.KindInternal), Message: "internal error"}})
		return
	}
	filtered := s.content.Apply(string(resp))
	writeJSON(w, http.StatusOK, samplingResponse{Response: json.RawMessage(mustQuote(filtered.Text))})
}

func (s *Session) recordToolCall(name string) {
	s.mu.Lock()
	s.total++
	s.perTool[name]++
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func mustQuote(s string) []byte {
	b, err := json.Marshal(s)
	if err != nil {
		return []byte(`""`)
	}
	return b
}
