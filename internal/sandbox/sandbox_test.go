package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/toolbroker/orchestrator/internal/toolname"
)

type fakeBridge struct {
	addr    string
	token   string
	summary ToolCallSummary
	closed  bool
}

func (f *fakeBridge) Addr() string             { return f.addr }
func (f *fakeBridge) Token() string            { return f.token }
func (f *fakeBridge) Summary() ToolCallSummary { return f.summary }
func (f *fakeBridge) Close() error             { f.closed = true; return nil }

func newTestSupervisor(summary ToolCallSummary) (*Supervisor, *fakeBridge) {
	bridge := &fakeBridge{addr: "127.0.0.1:9", token: "tok", summary: summary}
	sup := NewSupervisor(func(ctx context.Context, cancel context.CancelFunc, executionID string, allowed *toolname.AllowList) (Bridge, error) {
		return bridge, nil
	})
	return sup, bridge
}

func shEngine(script string) EngineConfig {
	return EngineConfig{Language: "shell", Command: "sh", Args: []string{"-c", script}}
}

func allowAll(t *testing.T) *toolname.AllowList {
	al, err := toolname.Compile([]string{"*"})
	require.NoError(t, err)
	return al
}

func TestRunSucceedsOnCleanExit(t *testing.T) {
	sup, bridge := newTestSupervisor(ToolCallSummary{Total: 2, PerTool: map[string]int{"srv-1.tool-a": 2}})
	result := sup.Run(context.Background(), Spec{
		ExecutionID:  "exec-1",
		Engine:       shEngine(`echo -n "hello"`),
		Deadline:     5 * time.Second,
		AllowedTools: allowAll(t),
	})
	require.Equal(t, StatusSucceeded, result.Status)
	require.Equal(t, "hello", result.Stdout)
	require.NoError(t, result.Err)
	require.Equal(t, 2, result.ToolCallSummary.Total)
	require.True(t, bridge.closed)
}

func TestRunReportsFailureOnNonZeroExit(t *testing.T) {
	sup, _ := newTestSupervisor(ToolCallSummary{})
	result := sup.Run(context.Background(), Spec{
		ExecutionID:  "exec-2",
		Engine:       shEngine(`exit 7`),
		Deadline:     5 * time.Second,
		AllowedTools: allowAll(t),
	})
	require.Equal(t, StatusFailed, result.Status)
	require.Error(t, result.Err)
}

func TestRunTimesOutAndKillsProcessGroup(t *testing.T) {
	sup, _ := newTestSupervisor(ToolCallSummary{})
	start := time.Now()
	result := sup.Run(context.Background(), Spec{
		ExecutionID:  "exec-3",
		Engine:       shEngine(`sleep 30`),
		Deadline:     200 * time.Millisecond,
		AllowedTools: allowAll(t),
	})
	require.Equal(t, StatusTimedOut, result.Status)
	require.Error(t, result.Err)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCapturesStderrSeparately(t *testing.T) {
	sup, _ := newTestSupervisor(ToolCallSummary{})
	result := sup.Run(context.Background(), Spec{
		ExecutionID:  "exec-4",
		Engine:       shEngine(`echo -n "out"; echo -n "err" 1>&2`),
		Deadline:     5 * time.Second,
		AllowedTools: allowAll(t),
	})
	require.Equal(t, "out", result.Stdout)
	require.Equal(t, "err", result.Stderr)
}

func TestRunTruncatesOversizedOutput(t *testing.T) {
	sup, _ := newTestSupervisor(ToolCallSummary{})
	result := sup.Run(context.Background(), Spec{
		ExecutionID:  "exec-5",
		Engine:       shEngine(`head -c 1000 /dev/zero | tr '\0' 'a'`),
		Deadline:     5 * time.Second,
		AllowedTools: allowAll(t),
		CaptureLimit: 10,
	})
	require.True(t, result.StdoutTruncated)
	require.Contains(t, result.Stdout, "[output truncated]")
}

func TestRunIsCancelledByExposedCancelFunc(t *testing.T) {
	bridge := &fakeBridge{addr: "127.0.0.1:9", token: "tok"}
	var captured context.CancelFunc
	ready := make(chan struct{})
	sup := NewSupervisor(func(ctx context.Context, cancel context.CancelFunc, executionID string, allowed *toolname.AllowList) (Bridge, error) {
		captured = cancel
		close(ready)
		return bridge, nil
	})

	go func() {
		<-ready
		time.Sleep(50 * time.Millisecond)
		captured()
	}()

	start := time.Now()
	result := sup.Run(context.Background(), Spec{
		ExecutionID:  "exec-6",
		Engine:       shEngine(`sleep 30`),
		Deadline:     5 * time.Second,
		AllowedTools: allowAll(t),
	})
	require.Equal(t, StatusCancelled, result.Status)
	require.Error(t, result.Err)
	require.Less(t, time.Since(start), 5*time.Second, "cancel func should force the subprocess to exit well before its deadline")
	require.True(t, bridge.closed)
}

func TestRunPublishesPermissionsAsEnvironmentVariables(t *testing.T) {
	sup, _ := newTestSupervisor(ToolCallSummary{})
	dir := t.TempDir()
	result := sup.Run(context.Background(), Spec{
		ExecutionID:  "exec-7",
		Engine:       shEngine(`env`),
		Deadline:     5 * time.Second,
		AllowedTools: allowAll(t),
		Permissions: Permissions{
			ReadPaths:       []string{dir},
			AllowNetworkAll: true,
		},
	})
	require.Equal(t, StatusSucceeded, result.Status)
	require.Contains(t, result.Stdout, "SANDBOX_READ_PATHS=")
	require.Contains(t, result.Stdout, "SANDBOX_NETWORK_ALL=1")
}

func TestRunSanitizesPermittedRootsOutOfCapturedOutput(t *testing.T) {
	sup, _ := newTestSupervisor(ToolCallSummary{})
	dir := t.TempDir()
	result := sup.Run(context.Background(), Spec{
		ExecutionID:  "exec-8",
		Engine:       shEngine(`echo -n "path is ` + dir + `"`),
		Deadline:     5 * time.Second,
		AllowedTools: allowAll(t),
		Permissions:  Permissions{ReadPaths: []string{dir}},
	})
	require.Equal(t, StatusSucceeded, result.Status)
	require.NotContains(t, result.Stdout, dir)
	require.Contains(t, result.Stdout, "<root>")
}

func TestBoundedBufferNeverExceedsLimit(t *testing.T) {
	b := newBoundedBuffer(4)
	_, _ = b.Write([]byte("abcdefgh"))
	require.True(t, b.Truncated())
	require.Contains(t, b.String(), "abcd")
}
