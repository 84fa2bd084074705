package tactile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"scadsmith/internal/logging"
)

// waitDelay bounds how long Execute waits for output pipes after a kill.
const waitDelay = 2 * time.Second

// DirectExecutor executes commands directly on the host using os/exec.
type DirectExecutor struct {
	mu     sync.RWMutex
	config ExecutorConfig

	// auditCallback is called for execution events
	auditCallback func(AuditEvent)
}

// NewDirectExecutor creates a new direct executor with default config.
func NewDirectExecutor() *DirectExecutor {
	return NewDirectExecutorWithConfig(DefaultExecutorConfig())
}

// NewDirectExecutorWithConfig creates a new direct executor with custom config.
func NewDirectExecutorWithConfig(config ExecutorConfig) *DirectExecutor {
	logging.TactileDebug("Creating DirectExecutor: timeout=%s, maxOutput=%d bytes",
		config.DefaultTimeout, config.MaxOutputBytes)
	return &DirectExecutor{
		config: config,
	}
}

// SetAuditCallback sets the callback for audit events.
func (e *DirectExecutor) SetAuditCallback(callback func(AuditEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auditCallback = callback
}

func (e *DirectExecutor) emitAudit(eventType AuditEventType, cmd Command, result *ExecutionResult) {
	e.mu.RLock()
	callback := e.auditCallback
	e.mu.RUnlock()

	if callback != nil {
		callback(AuditEvent{
			Type:      eventType,
			Timestamp: time.Now(),
			Command:   cmd,
			Result:    result,
		})
	}
}

// Validate checks if a command can be executed.
func (e *DirectExecutor) Validate(cmd Command) error {
	if cmd.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	if cmd.Limits != nil && (cmd.Limits.TimeoutMs < 0 || cmd.Limits.MaxOutputBytes < 0) {
		return fmt.Errorf("resource limits must not be negative")
	}
	return nil
}

// Execute runs a command directly on the host.
func (e *DirectExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	timer := logging.StartTimer(logging.CategoryTactile, "Direct command execution")
	defer timer.Stop()

	if err := e.Validate(cmd); err != nil {
		logging.TactileWarn("Command validation failed: %s - %v", cmd.CommandString(), err)
		return nil, err
	}

	cmd = e.config.Merge(cmd)
	timeout := time.Duration(cmd.Limits.TimeoutMs) * time.Millisecond
	maxOutput := cmd.Limits.MaxOutputBytes

	logging.TactileDebug("Executing: %s (dir=%s, timeout=%s)", cmd.CommandString(), cmd.WorkingDirectory, timeout)

	result := &ExecutionResult{ExitCode: -1}
	e.emitAudit(AuditEventStart, cmd, nil)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCmd := exec.CommandContext(execCtx, cmd.Binary, cmd.Arguments...)
	execCmd.Dir = cmd.WorkingDirectory
	execCmd.Env = e.buildEnvironment(cmd.Environment)
	setupProcessGroup(execCmd)
	execCmd.Cancel = func() error { return killProcessGroup(execCmd) }
	execCmd.WaitDelay = waitDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: maxOutput}
	execCmd.Stdout = stdoutLimited
	execCmd.Stderr = stderrLimited

	result.StartedAt = time.Now()
	err := execCmd.Run()
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	if stdoutLimited.truncated || stderrLimited.truncated {
		result.Truncated = true
		result.TruncatedBytes = stdoutLimited.discarded + stderrLimited.discarded
		logging.TactileWarn("Command output truncated: %d bytes discarded", result.TruncatedBytes)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.Success = true
		result.ExitCode = 0
	case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.Success = true
		result.Killed = true
		result.KillReason = fmt.Sprintf("timeout after %s", timeout)
		logging.TactileWarn("Command killed (timeout): %s after %s", cmd.Binary, timeout)
		e.emitAudit(AuditEventKilled, cmd, result)
		return result, nil
	case ctx.Err() != nil:
		result.Success = true
		result.Killed = true
		result.KillReason = ctx.Err().Error()
		logging.TactileDebug("Command canceled: %s (%v)", cmd.Binary, ctx.Err())
		e.emitAudit(AuditEventKilled, cmd, result)
		return result, nil
	case errors.As(err, &exitErr):
		result.Success = true
		result.ExitCode = exitErr.ExitCode()
		logging.TactileDebug("Command exited non-zero: %s -> %d", cmd.Binary, result.ExitCode)
	default:
		result.Success = false
		result.Error = err.Error()
		logging.TactileError("Command failed: %s - %v", cmd.Binary, err)
		e.emitAudit(AuditEventError, cmd, result)
		return result, nil
	}

	if e.config.EnableResourceUsage {
		result.ResourceUsage = getProcessResourceUsage(execCmd)
	}

	e.emitAudit(AuditEventComplete, cmd, result)
	logging.Tactile("Command completed: %s -> exit=%d, duration=%s, stderr=%d bytes",
		cmd.Binary, result.ExitCode, result.Duration, len(result.Stderr))

	return result, nil
}

// buildEnvironment creates the environment variable list.
func (e *DirectExecutor) buildEnvironment(cmdEnv []string) []string {
	env := make([]string, 0, len(e.config.AllowedEnvironment)+len(cmdEnv))
	for _, key := range e.config.AllowedEnvironment {
		if val := os.Getenv(key); val != "" {
			env = append(env, key+"="+val)
		}
	}
	return append(env, cmdEnv...)
}

// limitedWriter is an io.Writer that limits total bytes written.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err // report the full length so exec does not fail with a short write
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
