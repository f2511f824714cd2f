package downstream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const stdioHelperEnv = "ORCHESTRATOR_DOWNSTREAM_STDIO_HELPER"

func TestStdioTransportCallToolRoundTrip(t *testing.T) {
	t.Parallel()
	transport, err := dialStdio(context.Background(), ServerConfig{
		Kind:    KindStdio,
		Command: os.Args[0],
		Args:    []string{"-test.run=TestDownstreamStdioHelperProcess", "--"},
		Env:     []string{stdioHelperEnv + "=1"},
	})
	require.NoError(t, err)
	defer transport.Close()

	result, err := transport.CallTool(context.Background(), "echo", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"x":1}`, string(result))
}

func TestDownstreamStdioHelperProcess(t *testing.T) {
	if os.Getenv(stdioHelperEnv) != "1" {
		t.Skip("helper process")
	}
	runStdioEchoHelper()
}

func runStdioEchoHelper() {
	reader := bufio.NewReader(os.Stdin)
	writer := bufio.NewWriter(os.Stdout)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		var req rpcRequest
		if json.Unmarshal([]byte(line), &req) != nil {
			continue
		}
		switch req.Method {
		case "tools/call":
			params, _ := req.Params.(map[string]any)
			args, _ := json.Marshal(params["arguments"])
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: args}
			data, _ := json.Marshal(resp)
			writer.Write(data)
			writer.Write([]byte("\n"))
			writer.Flush()
		default:
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: JSONRPCMethodNotFound, Message: "unknown method"}}
			data, _ := json.Marshal(resp)
			writer.Write(data)
			writer.Write([]byte("\n"))
			writer.Flush()
		}
	}
	writer.Flush()
	os.Exit(0)
}

func TestHTTPTransportListTools(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Method {
		case "tools/list":
			w.Header().Set("Content-Type", "text/event-stream")
			result := listToolsResult{Tools: []ToolInfo{{Name: "tool-a", Description: "a tool"}}}
			data, _ := json.Marshal(result)
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: data}
			respData, _ := json.Marshal(resp)
			w.Write([]byte("event: response\ndata: " + string(respData) + "\n\n"))
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	transport, err := dialHTTP(ServerConfig{Kind: KindHTTP, URL: srv.URL})
	require.NoError(t, err)
	defer transport.Close()

	tools, err := transport.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "tool-a", tools[0].Name)
}

func TestPoolCallToolAdmitsAndReleasesSlot(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "text/event-stream")
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}
		respData, _ := json.Marshal(resp)
		w.Write([]byte("event: response\ndata: " + string(respData) + "\n\n"))
	}))
	defer srv.Close()

	pool := NewPool([]ServerConfig{{Name: "srv-1", Kind: KindHTTP, URL: srv.URL, MaxConcurrent: 1}}, nil)
	defer pool.Close()

	result, err := pool.CallTool(context.Background(), "srv-1", "tool-a", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(result))
	require.Equal(t, int64(0), pool.ActiveConcurrent("srv-1"))
	require.Equal(t, HealthHealthy, pool.HealthOf("srv-1"))
}

func TestPoolCallToolUnknownServerFails(t *testing.T) {
	t.Parallel()
	pool := NewPool(nil, nil)
	defer pool.Close()
	_, err := pool.CallTool(context.Background(), "missing", "tool-a", json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestPoolFetchToolSchemaDerivesFromListTools(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "text/event-stream")
		result := listToolsResult{Tools: []ToolInfo{{Name: "tool-a", Description: "desc", InputSchema: json.RawMessage(`{"type":"object"}`)}}}
		data, _ := json.Marshal(result)
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: data}
		respData, _ := json.Marshal(resp)
		w.Write([]byte("event: response\ndata: " + string(respData) + "\n\n"))
	}))
	defer srv.Close()

	pool := NewPool([]ServerConfig{{Name: "srv-1", Kind: KindHTTP, URL: srv.URL}}, nil)
	defer pool.Close()

	descriptor, err := pool.FetchToolSchema(context.Background(), "srv-1.tool-a")
	require.NoError(t, err)
	require.Equal(t, "desc", descriptor.Description)
	require.JSONEq(t, `{"type":"object"}`, string(descriptor.InputSchema))
}

func TestBackoffPolicyDelayIsBoundedByMax(t *testing.T) {
	t.Parallel()
	p := backoffPolicy{initial: time.Second, max: 2 * time.Second, multiplier: 10, jitter: 0}
	require.LessOrEqual(t, p.delay(5), 2*time.Second)
}
