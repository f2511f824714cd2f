package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// rpcRequest is one line of the stdio JSON-RPC channel's input.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      json.RawMessage `json:"id,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// StdioServer serves the execute operation over a newline-delimited
// JSON-RPC channel: one request per input line, one response per output
// line. It is the server-side mirror of the stdio caller's framing.
type StdioServer struct {
	front *Front
}

// NewStdioServer constructs a StdioServer bound to front.
func NewStdioServer(front *Front) *StdioServer {
	return &StdioServer{front: front}
}

// Serve reads requests from r and writes responses to w until r is
// exhausted, ctx is cancelled, or a read error occurs.
func (s *StdioServer) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if werr := writeLine(w, rpcResponse{JSONRPC: "2.0", Error: &rpcErrorBody{Code: -32700, Message: "parse error"}}); werr != nil {
				return werr
			}
			continue
		}
		resp := s.handle(ctx, req)
		if err := writeLine(w, resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *StdioServer) handle(ctx context.Context, req rpcRequest) rpcResponse {
	if req.Method != "execute" {
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcErrorBody{Code: -32601, Message: "method not found"}}
	}
	var execReq ExecuteRequest
	if err := json.Unmarshal(req.Params, &execReq); err != nil {
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcErrorBody{Code: -32602, Message: "invalid params"}}
	}
	result := s.front.Execute(ctx, execReq)
	return rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func writeLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}
