package tactile

import (
	"context"
)

// Executor is the interface for command execution.
type Executor interface {
	// Execute runs a command and returns a structured result. A non-nil error
	// means the command was rejected before it started.
	// The context can be used for cancellation.
	Execute(ctx context.Context, cmd Command) (*ExecutionResult, error)

	// Validate checks if a command can be executed by this executor.
	Validate(cmd Command) error
}
