package downstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// httpTransport implements Transport over a streaming HTTP endpoint: each
// call is a JSON-RPC request POSTed with Accept: text/event-stream, and the
// response arrives as a single "response" SSE event. Grounded on
// runtime/mcp/ssecaller.go's read loop and rpcRequest/rpcResponse envelope;
// transient connection failures are retried with bounded exponential
// backoff instead of the caller seeing a bare transport error.
type httpTransport struct {
	endpoint   string
	client     *http.Client
	nextID     atomic.Uint64
	maxRetries int
	backoff    backoffPolicy
}

func dialHTTP(cfg ServerConfig) (Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("downstream: http transport requires a url")
	}
	return &httpTransport{
		endpoint:   cfg.URL,
		client:     &http.Client{Timeout: 60 * time.Second},
		maxRetries: 5,
		backoff:    defaultBackoffPolicy(),
	}, nil
}

func (t *httpTransport) CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	params := map[string]any{"name": tool, "arguments": args}
	var result json.RawMessage
	if err := t.call(ctx, "tools/call", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *httpTransport) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var result listToolsResult
	if err := t.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (t *httpTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *httpTransport) call(ctx context.Context, method string, params, result any) error {
	var lastErr error
	for attempt := 1; attempt <= t.maxRetries; attempt++ {
		err := t.doOnce(ctx, method, params, result)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableTransportError(err) || attempt == t.maxRetries {
			break
		}
		select {
		case <-time.After(t.backoff.delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (t *httpTransport) doOnce(ctx context.Context, method string, params, result any) error {
	id := t.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("downstream http status %d: %s", resp.StatusCode, string(raw))
	}

	rpcResp, err := readSSEResponse(resp.Body)
	if err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return rpcResp.Error.callerError()
	}
	if result != nil && rpcResp.Result != nil {
		return json.Unmarshal(rpcResp.Result, result)
	}
	return nil
}

// readSSEResponse reads the first "response"/"error" event off an SSE body.
func readSSEResponse(body io.Reader) (rpcResponse, error) {
	reader := bufio.NewReader(body)
	var event string
	var data bytes.Buffer
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return rpcResponse{}, errors.New("downstream: stream closed before response")
			}
			return rpcResponse{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if event == "" {
				continue
			}
			var resp rpcResponse
			if err := json.Unmarshal(data.Bytes(), &resp); err != nil {
				return rpcResponse{}, err
			}
			switch event {
			case "response", "error":
				return resp, nil
			default:
				event, data = "", bytes.Buffer{}
				continue
			}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(line, "data:"))
		}
	}
}

func isRetryableTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}
	return false
}
