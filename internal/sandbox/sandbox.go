// Package sandbox implements the sandbox supervisor (C10): it launches one
// subprocess per Execution, gives it a freshly bound loopback tool bridge
// (C11) and bearer token, enforces the Execution's wall-clock deadline with
// forcible termination, and captures stdout/stderr into bounded buffers.
//
// The process-group kill-on-timeout technique and the bounded-capture +
// exit-code classification shape are grounded on the retrieval pack's own
// sandboxed command runner (a HostRunner that starts a new process group via
// SysProcAttr.Setpgid and signals the whole group on context cancellation).
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/toolbroker/orchestrator/internal/pathutil"
	"github.com/toolbroker/orchestrator/internal/toolerrors"
	"github.com/toolbroker/orchestrator/internal/toolname"
)

// maxWallClock is the hard upper bound on an Execution's deadline
// regardless of what the caller requests. The front-end is expected to
// reject out-of-range timeouts before a Spec ever reaches Run, but the
// supervisor clamps independently rather than trusting that alone.
const maxWallClock = 600 * time.Second

// Status is the terminal disposition of one Execution.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed-out"
	StatusCancelled Status = "cancelled"
)

// ToolCallSummary tallies the tool calls made during one Execution, as
// accumulated by the bridge (C11) and reported back at sandbox exit.
type ToolCallSummary struct {
	Total   int
	PerTool map[string]int
}

// Bridge is the per-Execution loopback bridge session (C11) that a sandbox
// talks to. The supervisor depends only on this interface so it never
// imports the bridge's HTTP plumbing directly.
type Bridge interface {
	Addr() string
	Token() string
	Summary() ToolCallSummary
	Close() error
}

// BridgeFactory starts a new Bridge for one Execution's allow-list. cancel
// is the CancelFunc for that Execution's own deadline context: the caller
// may retain it (e.g. alongside the returned Bridge, keyed by executionID)
// so that shutdown can force the Execution to exit early instead of only
// waiting out its deadline.
type BridgeFactory func(ctx context.Context, cancel context.CancelFunc, executionID string, allowedTools *toolname.AllowList) (Bridge, error)

// EngineConfig describes one configured sandbox runtime (the "two configured
// sandbox engines" the wire contract refers to by language name).
type EngineConfig struct {
	Language string
	Command  string
	Args     []string
	// CodeViaStdin selects how the user's code reaches the engine: on stdin
	// (true) or as the final command-line argument (false).
	CodeViaStdin bool
	Env          []string
}

// Permissions constrains the filesystem and network access an Execution's
// subprocess is declared to need. The supervisor does not itself jail the
// subprocess at the OS level; it canonicalizes and publishes the allowed
// roots to the engine via environment variables, and uses them to scrub
// absolute host paths out of captured output and error messages before they
// leave the process.
type Permissions struct {
	ReadPaths       []string
	WritePaths      []string
	AllowWriteAll   bool
	NetworkHosts    []string
	AllowNetworkAll bool
}

// allowedRoots returns every canonicalizable path this Permissions grants
// read or write access to, for use as the sanitization root set.
func (p Permissions) allowedRoots() []string {
	roots := make([]string, 0, len(p.ReadPaths)+len(p.WritePaths))
	roots = append(roots, p.ReadPaths...)
	roots = append(roots, p.WritePaths...)
	return roots
}

// Spec describes one Execution to run.
type Spec struct {
	ExecutionID  string
	Engine       EngineConfig
	Code         string
	Deadline     time.Duration
	AllowedTools *toolname.AllowList
	Permissions  Permissions
	CaptureLimit int // bytes per stream; 0 uses the package default
}

// Result is the outcome of one supervised run.
type Result struct {
	Status          Status
	Stdout          string
	StdoutTruncated bool
	Stderr          string
	StderrTruncated bool
	ExecutionTimeMS int64
	ToolCallSummary ToolCallSummary
	Err             error
}

// Supervisor launches and babysits sandbox subprocesses.
type Supervisor struct {
	newBridge BridgeFactory
	now       func() time.Time
}

// NewSupervisor constructs a Supervisor. newBridge must start a loopback
// bridge bound to 127.0.0.1:0 for the given Execution.
func NewSupervisor(newBridge BridgeFactory) *Supervisor {
	return &Supervisor{newBridge: newBridge, now: time.Now}
}

// Run executes spec to completion: binds a bridge, launches the engine
// subprocess, enforces the deadline, and tears the bridge down before
// returning.
func (s *Supervisor) Run(ctx context.Context, spec Spec) Result {
	start := s.now()

	deadline := spec.Deadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	if deadline > maxWallClock {
		deadline = maxWallClock
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	bridge, err := s.newBridge(runCtx, cancel, spec.ExecutionID, spec.AllowedTools)
	if err != nil {
		return Result{Status: StatusFailed, Err: toolerrors.Wrap(toolerrors.KindInternal, "failed to start bridge session", err)}
	}
	defer bridge.Close()

	cmd := s.buildCommand(runCtx, spec, bridge)

	stdout := newBoundedBuffer(spec.CaptureLimit)
	stderr := newBoundedBuffer(spec.CaptureLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if spec.Engine.CodeViaStdin {
		cmd.Stdin = bytes.NewReader([]byte(spec.Code))
	}

	if err := cmd.Start(); err != nil {
		return Result{Status: StatusFailed, Err: toolerrors.Wrap(toolerrors.KindSandboxCrash, "failed to start sandbox process", err)}
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			killProcessGroup(cmd)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	elapsed := s.now().Sub(start).Milliseconds()
	roots := spec.Permissions.allowedRoots()
	result := Result{
		Stdout:          pathutil.Sanitize(stdout.String(), roots...),
		StdoutTruncated: stdout.Truncated(),
		Stderr:          pathutil.Sanitize(stderr.String(), roots...),
		StderrTruncated: stderr.Truncated(),
		ExecutionTimeMS: elapsed,
		ToolCallSummary: bridge.Summary(),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.Status = StatusTimedOut
		result.Err = toolerrors.New(toolerrors.KindSandboxTimeout, "execution exceeded its wall-clock deadline")
		return result
	}
	if errors.Is(runCtx.Err(), context.Canceled) {
		// Covers both the outer ctx being cancelled and a tracked
		// Execution's own cancel func (exposed via BridgeFactory) being
		// invoked directly by shutdown, which cancels runCtx without
		// cancelling the outer ctx.
		result.Status = StatusCancelled
		result.Err = toolerrors.New(toolerrors.KindShutdown, "execution cancelled")
		return result
	}
	if waitErr != nil {
		result.Status = StatusFailed
		result.Err = toolerrors.New(toolerrors.KindSandboxCrash, pathutil.NormalizeError(waitErr, roots))
		return result
	}
	result.Status = StatusSucceeded
	return result
}

func (s *Supervisor) buildCommand(ctx context.Context, spec Spec, bridge Bridge) *exec.Cmd {
	args := append([]string{}, spec.Engine.Args...)
	if !spec.Engine.CodeViaStdin {
		args = append(args, spec.Code)
	}
	cmd := exec.CommandContext(ctx, spec.Engine.Command, args...)
	cmd.Env = append(os.Environ(), spec.Engine.Env...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("BRIDGE_URL=http://%s", bridge.Addr()),
		fmt.Sprintf("BRIDGE_TOKEN=%s", bridge.Token()),
		fmt.Sprintf("EXECUTION_ID=%s", spec.ExecutionID),
	)
	cmd.Env = append(cmd.Env, permissionEnv(spec.Permissions)...)
	setProcessGroup(cmd)
	return cmd
}

// permissionEnv publishes an Execution's declared permissions to the engine
// subprocess as environment variables; the configured engine is responsible
// for enforcing the boundary they describe. Paths are canonicalized so the
// engine sees absolute, symlink-resolved roots regardless of how the caller
// wrote them on the wire.
func permissionEnv(p Permissions) []string {
	var env []string
	if canon := canonicalizeAll(p.ReadPaths); len(canon) > 0 {
		env = append(env, "SANDBOX_READ_PATHS="+strings.Join(canon, string(os.PathListSeparator)))
	}
	if p.AllowWriteAll {
		env = append(env, "SANDBOX_WRITE_ALL=1")
	} else if canon := canonicalizeAll(p.WritePaths); len(canon) > 0 {
		env = append(env, "SANDBOX_WRITE_PATHS="+strings.Join(canon, string(os.PathListSeparator)))
	}
	if p.AllowNetworkAll {
		env = append(env, "SANDBOX_NETWORK_ALL=1")
	} else if len(p.NetworkHosts) > 0 {
		env = append(env, "SANDBOX_NETWORK_HOSTS="+strings.Join(p.NetworkHosts, ","))
	}
	return env
}

func canonicalizeAll(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		canon, err := pathutil.Canonicalize(p)
		if err != nil {
			continue
		}
		out = append(out, canon)
	}
	return out
}
