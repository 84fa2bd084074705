// Package session owns the evolving design: a Session is the original prompt
// plus an append-only list of iterations, each holding the parsed design and,
// once rendered, its images.
//
// Exactly one session is current. It lives in a single persisted slot that is
// overwritten wholesale on every change.
package session

import (
	"errors"
	"time"

	"scadsmith/internal/types"
)

// Precondition failures. None of them modify persisted state.
var (
	ErrNoSessionFound         = errors.New("no session found")
	ErrEmptyHistory           = errors.New("session has no iterations")
	ErrNoRendersYet           = errors.New("latest iteration has not been rendered yet")
	ErrNoIteration            = errors.New("session has no iteration to attach renders to")
	ErrRendersAlreadyAttached = errors.New("renders already attached to the latest iteration")
	ErrUnknownView            = errors.New("render names a view the design does not declare")
	ErrNoRenders              = errors.New("no renders to attach")
	ErrEmptyPrompt            = errors.New("prompt is empty")
	ErrEmptyFeedback          = errors.New("feedback is empty")
	ErrAlreadyRendered        = errors.New("latest iteration is already rendered")
	ErrNoClient               = errors.New("no model client configured")
)

// Session is the persisted design history for one original prompt.
type Session struct {
	ID         string      `json:"id"`
	Prompt     string      `json:"original_prompt"`
	Model      string      `json:"model,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Iterations []Iteration `json:"iterations"`
}

// Iteration is one create or feedback cycle.
type Iteration struct {
	Timestamp      time.Time            `json:"timestamp"`
	Feedback       string               `json:"feedback,omitempty"` // empty only for the first iteration
	Code           string               `json:"code"`
	Views          []types.ViewSpec     `json:"views"`
	ChangesSummary string               `json:"changes_summary,omitempty"`
	Renders        []types.RenderResult `json:"renders"`
	RenderedAt     *time.Time           `json:"rendered_at,omitempty"`
	ArtifactDir    string               `json:"artifact_dir,omitempty"`
}

// Design reconstructs the parsed design of the iteration.
func (it Iteration) Design() types.Design {
	return types.Design{Code: it.Code, Views: it.Views, ChangesSummary: it.ChangesSummary}
}

// Rendered reports whether renders have been attached.
func (it Iteration) Rendered() bool {
	return len(it.Renders) > 0
}

// Latest returns the most recent iteration, or nil for an empty session.
func (s *Session) Latest() *Iteration {
	if len(s.Iterations) == 0 {
		return nil
	}
	return &s.Iterations[len(s.Iterations)-1]
}

// LatestIndex returns the zero-based index of the latest iteration, or -1.
func (s *Session) LatestIndex() int {
	return len(s.Iterations) - 1
}
