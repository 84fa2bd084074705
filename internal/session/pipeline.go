package session

import (
	"context"
	"fmt"

	"scadsmith/internal/perception"
	"scadsmith/internal/render"
	"scadsmith/internal/types"
)

// Renderer turns a design into one image per declared view.
type Renderer interface {
	Render(ctx context.Context, design types.Design) (*render.Batch, error)
}

// Pipeline runs the full create/iterate loop: generate, render, attach.
type Pipeline struct {
	manager  *Manager
	renderer Renderer
}

// Outcome is the result of one pipeline step. On a render failure Session
// and Design are still set: the iteration is saved, unrendered. Warnings and
// UsedDefaults describe how the model's views were read; they are empty for
// RenderLatest.
type Outcome struct {
	Session      *Session
	Design       types.Design
	Warnings     []perception.ViewWarning
	UsedDefaults bool
	Batch        *render.Batch
}

// NewPipeline creates a pipeline.
func NewPipeline(manager *Manager, renderer Renderer) *Pipeline {
	return &Pipeline{manager: manager, renderer: renderer}
}

// Manager returns the underlying session manager.
func (p *Pipeline) Manager() *Manager {
	return p.manager
}

// Create starts a new session from prompt and renders its first design.
func (p *Pipeline) Create(ctx context.Context, prompt string) (*Outcome, error) {
	s, draft, err := p.manager.StartSession(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return p.renderAndAttach(ctx, s, draft)
}

// Iterate revises the current session with feedback and renders the result.
func (p *Pipeline) Iterate(ctx context.Context, feedback string) (*Outcome, error) {
	s, draft, err := p.manager.ContinueSession(ctx, feedback)
	if err != nil {
		return nil, err
	}
	return p.renderAndAttach(ctx, s, draft)
}

// RenderLatest renders the latest iteration of the current session when an
// earlier render attempt failed.
func (p *Pipeline) RenderLatest(ctx context.Context) (*Outcome, error) {
	s, err := p.manager.Current(ctx)
	if err != nil {
		return nil, err
	}
	latest := s.Latest()
	if latest == nil {
		return nil, ErrEmptyHistory
	}
	if latest.Rendered() {
		return nil, ErrAlreadyRendered
	}
	return p.renderAndAttach(ctx, s, Draft{Design: latest.Design()})
}

func (p *Pipeline) renderAndAttach(ctx context.Context, s *Session, draft Draft) (*Outcome, error) {
	out := &Outcome{
		Session:      s,
		Design:       draft.Design,
		Warnings:     draft.Warnings,
		UsedDefaults: draft.UsedDefaults,
	}

	batch, err := p.renderer.Render(ctx, draft.Design)
	if err != nil {
		return out, err
	}
	out.Batch = batch

	if err := p.manager.AttachBatch(ctx, s, batch.Results, batch.ArtifactDir); err != nil {
		return out, fmt.Errorf("attach renders: %w", err)
	}
	return out, nil
}
