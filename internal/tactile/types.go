// Package tactile is the process-execution layer: it runs external binaries
// (the openscad renderer) with timeouts, output caps, a filtered environment
// and an audit callback, and reports structured results.
package tactile

import (
	"strings"
	"time"
)

// Command represents a command to be executed.
type Command struct {
	// Binary is the executable to run (e.g., "openscad").
	Binary string `json:"binary"`

	// Arguments are the command-line arguments.
	Arguments []string `json:"arguments"`

	// WorkingDirectory is the directory to execute in.
	// If empty, uses the executor's default working directory.
	WorkingDirectory string `json:"working_directory,omitempty"`

	// Environment variables to set (in KEY=VALUE format).
	// These are merged with the executor's allowed environment.
	Environment []string `json:"environment,omitempty"`

	// Limits specifies resource constraints for execution.
	Limits *ResourceLimits `json:"limits,omitempty"`

	// RequestID identifies this execution in audit events.
	RequestID string `json:"request_id,omitempty"`
}

// CommandString returns the full command as a string (for display/logging).
func (c Command) CommandString() string {
	if len(c.Arguments) == 0 {
		return c.Binary
	}
	return c.Binary + " " + strings.Join(c.Arguments, " ")
}

// ResourceLimits defines constraints on command execution.
type ResourceLimits struct {
	// TimeoutMs is the maximum execution time in milliseconds.
	// Zero means use the executor's default timeout.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`

	// MaxOutputBytes limits captured stdout and stderr, each.
	// Zero means use the executor's default.
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
}

// ExecutionResult is the structured output of command execution.
type ExecutionResult struct {
	// Success indicates whether the execution infrastructure worked.
	// A command that runs but returns a non-zero exit code has Success=true.
	Success bool `json:"success"`

	// ExitCode is the command's exit code (-1 if not available).
	ExitCode int `json:"exit_code"`

	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	Duration   time.Duration `json:"duration"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`

	// Killed indicates the command was forcibly terminated.
	Killed     bool   `json:"killed"`
	KillReason string `json:"kill_reason,omitempty"`

	// Truncated indicates output was cut at the size limit.
	Truncated      bool  `json:"truncated"`
	TruncatedBytes int64 `json:"truncated_bytes,omitempty"`

	// ResourceUsage is filled on platforms that report rusage.
	ResourceUsage *ResourceUsage `json:"resource_usage,omitempty"`

	// Error contains any infrastructure-level error message.
	Error string `json:"error,omitempty"`
}

// IsError returns true if the execution failed (infrastructure error).
func (r *ExecutionResult) IsError() bool {
	return !r.Success || r.Error != ""
}

// IsNonZeroExit returns true if the command ran but returned non-zero.
func (r *ExecutionResult) IsNonZeroExit() bool {
	return r.Success && r.ExitCode != 0
}

// Output returns stdout and stderr joined by a newline when both are present.
func (r *ExecutionResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// ResourceUsage contains metrics about resource consumption.
type ResourceUsage struct {
	UserTimeMs   int64 `json:"user_time_ms"`
	SystemTimeMs int64 `json:"system_time_ms"`
	MaxRSSBytes  int64 `json:"max_rss_bytes"`
}

// TotalCPUTimeMs returns total CPU time (user + system).
func (r *ResourceUsage) TotalCPUTimeMs() int64 {
	return r.UserTimeMs + r.SystemTimeMs
}

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventStart    AuditEventType = "start"
	AuditEventComplete AuditEventType = "complete"
	AuditEventKilled   AuditEventType = "killed"
	AuditEventError    AuditEventType = "error"
)

// AuditEvent represents an execution lifecycle event.
type AuditEvent struct {
	Type      AuditEventType   `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Command   Command          `json:"command"`
	Result    *ExecutionResult `json:"result,omitempty"`
}

// ExecutorConfig is the configuration for creating executors.
type ExecutorConfig struct {
	// DefaultWorkingDir is used when Command.WorkingDirectory is empty.
	DefaultWorkingDir string `json:"default_working_dir"`

	// DefaultTimeout is used when no timeout is specified.
	DefaultTimeout time.Duration `json:"default_timeout"`

	// MaxTimeout caps all timeout values.
	MaxTimeout time.Duration `json:"max_timeout"`

	// AllowedEnvironment lists environment variables to pass through.
	AllowedEnvironment []string `json:"allowed_environment"`

	// MaxOutputBytes caps output capture.
	MaxOutputBytes int64 `json:"max_output_bytes"`

	// EnableResourceUsage enables collection of resource metrics.
	EnableResourceUsage bool `json:"enable_resource_usage"`
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultWorkingDir:   ".",
		DefaultTimeout:      120 * time.Second,
		MaxTimeout:          30 * time.Minute,
		MaxOutputBytes:      1024 * 1024, // 1MB
		AllowedEnvironment:  []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "DISPLAY"},
		EnableResourceUsage: true,
	}
}

// Merge fills unset command settings from the config and caps the timeout.
func (c ExecutorConfig) Merge(cmd Command) Command {
	result := cmd

	if result.WorkingDirectory == "" {
		result.WorkingDirectory = c.DefaultWorkingDir
	}

	limits := ResourceLimits{}
	if cmd.Limits != nil {
		limits = *cmd.Limits
	}
	if limits.TimeoutMs == 0 {
		limits.TimeoutMs = int64(c.DefaultTimeout / time.Millisecond)
	}
	if limits.MaxOutputBytes == 0 {
		limits.MaxOutputBytes = c.MaxOutputBytes
	}
	if c.MaxTimeout > 0 {
		maxMs := int64(c.MaxTimeout / time.Millisecond)
		if limits.TimeoutMs > maxMs {
			limits.TimeoutMs = maxMs
		}
	}
	result.Limits = &limits

	return result
}
