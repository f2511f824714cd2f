package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/toolbroker/orchestrator/internal/sandbox"
	"github.com/toolbroker/orchestrator/internal/toolerrors"
)

type fakeEngines struct {
	known map[string]sandbox.EngineConfig
}

func (f *fakeEngines) Resolve(language string) (sandbox.EngineConfig, bool) {
	cfg, ok := f.known[language]
	return cfg, ok
}

type fakeExecutor struct {
	result  sandbox.Result
	gotSpec sandbox.Spec
}

func (f *fakeExecutor) Run(ctx context.Context, spec sandbox.Spec) sandbox.Result {
	f.gotSpec = spec
	return f.result
}

func newTestFront(result sandbox.Result) (*Front, *fakeExecutor) {
	exec := &fakeExecutor{result: result}
	engines := &fakeEngines{known: map[string]sandbox.EngineConfig{
		"python": {Language: "python", Command: "python3"},
	}}
	return New(engines, exec), exec
}

func TestExecuteHappyPath(t *testing.T) {
	front, exec := newTestFront(sandbox.Result{Status: sandbox.StatusSucceeded, Stdout: "42"})
	resp := front.Execute(context.Background(), ExecuteRequest{
		Language:     "python",
		Code:         "print(42)",
		AllowedTools: []string{"srv-1.*"},
		TimeoutMS:    1000,
	})
	require.Equal(t, string(sandbox.StatusSucceeded), resp.Status)
	require.Equal(t, "42", resp.Stdout)
	require.NotEmpty(t, resp.CorrelationID)
	require.Nil(t, resp.Error)
	require.Equal(t, "python3", exec.gotSpec.Engine.Command)
}

func TestExecuteRejectsUnknownLanguage(t *testing.T) {
	front, exec := newTestFront(sandbox.Result{})
	resp := front.Execute(context.Background(), ExecuteRequest{Language: "cobol"})
	require.Equal(t, string(sandbox.StatusFailed), resp.Status)
	require.NotNil(t, resp.Error)
	require.Equal(t, string(toolerrors.KindValidationFailed), resp.Error.Kind)
	require.Equal(t, sandbox.Spec{}, exec.gotSpec)
}

func TestExecuteRejectsInvalidAllowListPattern(t *testing.T) {
	front, _ := newTestFront(sandbox.Result{})
	resp := front.Execute(context.Background(), ExecuteRequest{Language: "python", AllowedTools: []string{"["}})
	require.NotNil(t, resp.Error)
	require.Equal(t, string(toolerrors.KindValidationFailed), resp.Error.Kind)
}

func TestExecuteRejectsOversizedCode(t *testing.T) {
	front, exec := newTestFront(sandbox.Result{})
	resp := front.Execute(context.Background(), ExecuteRequest{
		Language:  "python",
		Code:      strings.Repeat("a", MaxCodeSize+1),
		TimeoutMS: 1000,
	})
	require.Equal(t, string(sandbox.StatusFailed), resp.Status)
	require.NotNil(t, resp.Error)
	require.Equal(t, string(toolerrors.KindValidationFailed), resp.Error.Kind)
	require.Equal(t, sandbox.Spec{}, exec.gotSpec)
}

func TestExecuteRejectsTimeoutBelowMinimum(t *testing.T) {
	front, _ := newTestFront(sandbox.Result{})
	resp := front.Execute(context.Background(), ExecuteRequest{Language: "python", TimeoutMS: 999})
	require.NotNil(t, resp.Error)
	require.Equal(t, string(toolerrors.KindValidationFailed), resp.Error.Kind)
}

func TestExecuteRejectsTimeoutAboveMaximum(t *testing.T) {
	front, _ := newTestFront(sandbox.Result{})
	resp := front.Execute(context.Background(), ExecuteRequest{Language: "python", TimeoutMS: MaxTimeoutMS + 1})
	require.NotNil(t, resp.Error)
	require.Equal(t, string(toolerrors.KindValidationFailed), resp.Error.Kind)
}

func TestExecuteRejectsPermissionsWithWritePathOutsideReadPaths(t *testing.T) {
	front, exec := newTestFront(sandbox.Result{})
	readDir := t.TempDir()
	writeDir := t.TempDir()
	perms, _ := json.Marshal(map[string]any{
		"readPaths":  []string{readDir},
		"writePaths": []string{writeDir},
	})
	resp := front.Execute(context.Background(), ExecuteRequest{
		Language:    "python",
		TimeoutMS:   1000,
		Permissions: perms,
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, string(toolerrors.KindValidationFailed), resp.Error.Kind)
	require.Equal(t, sandbox.Spec{}, exec.gotSpec)
}

func TestExecutePassesParsedPermissionsToSpec(t *testing.T) {
	front, exec := newTestFront(sandbox.Result{Status: sandbox.StatusSucceeded})
	dir := t.TempDir()
	perms, _ := json.Marshal(map[string]any{"readPaths": []string{dir}})
	resp := front.Execute(context.Background(), ExecuteRequest{
		Language:    "python",
		TimeoutMS:   1000,
		Permissions: perms,
	})
	require.Nil(t, resp.Error)
	require.Len(t, exec.gotSpec.Permissions.ReadPaths, 1)
}

func TestExecutePreservesSuppliedCorrelationID(t *testing.T) {
	front, _ := newTestFront(sandbox.Result{Status: sandbox.StatusSucceeded})
	resp := front.Execute(context.Background(), ExecuteRequest{Language: "python", CorrelationID: "fixed-id"})
	require.Equal(t, "fixed-id", resp.CorrelationID)
}

func TestStdioServerRoundTrip(t *testing.T) {
	front, _ := newTestFront(sandbox.Result{Status: sandbox.StatusSucceeded, Stdout: "hi"})
	srv := NewStdioServer(front)

	input := `{"jsonrpc":"2.0","method":"execute","id":"1","params":{"language":"python","code":"x","timeoutMs":1000}}` + "\n"
	var out bytes.Buffer
	err := srv.Serve(context.Background(), strings.NewReader(input), &out)
	require.NoError(t, err)

	scanner := bufio.NewScanner(&out)
	require.True(t, scanner.Scan())
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	require.Nil(t, resp.Error)
}

func TestStdioServerReportsParseErrorForMalformedLine(t *testing.T) {
	front, _ := newTestFront(sandbox.Result{})
	srv := NewStdioServer(front)

	var out bytes.Buffer
	err := srv.Serve(context.Background(), strings.NewReader("not json\n"), &out)
	require.NoError(t, err)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, -32700, resp.Error.Code)
}

func TestHTTPServerStreamsResponseEvent(t *testing.T) {
	front, _ := newTestFront(sandbox.Result{Status: sandbox.StatusSucceeded, Stdout: "ok"})
	srv := NewHTTPServer(front)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	body, _ := json.Marshal(ExecuteRequest{Language: "python", Code: "print(1)", TimeoutMS: 1000})
	resp, err := http.Post(ts.URL+"/v1/executions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	var gotEvent, gotData string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			gotEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
		if strings.HasPrefix(line, "data:") {
			gotData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	require.Equal(t, "response", gotEvent)
	var execResp ExecuteResponse
	require.NoError(t, json.Unmarshal([]byte(gotData), &execResp))
	require.Equal(t, "ok", execResp.Stdout)
}
