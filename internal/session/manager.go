package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"scadsmith/internal/logging"
	"scadsmith/internal/perception"
	"scadsmith/internal/store"
	"scadsmith/internal/types"
)

// Recorder mirrors iterations into a queryable history. It is optional and
// its failures are logged, never returned.
type Recorder interface {
	RecordIteration(ctx context.Context, rec store.IterationRecord) error
	RecordRenders(ctx context.Context, sessionID string, index int, renders []store.RenderRecord) error
}

// Draft is a freshly generated design together with what the parser had to
// drop or substitute while reading the model's views.
type Draft struct {
	types.Design
	Warnings     []perception.ViewWarning
	UsedDefaults bool
}

// Manager drives the session state machine against one persisted slot.
// Calls are serialized; the slot itself is not safe for use by several
// processes at once.
type Manager struct {
	mu       sync.Mutex
	client   types.LLMClient
	parser   *perception.DesignParser
	store    Store
	recorder Recorder
	now      func() time.Time
	newID    func() string
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRecorder mirrors every iteration into r.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides session id allocation.
func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// NewManager creates a Manager. client may be nil for read-only use.
func NewManager(client types.LLMClient, st Store, opts ...Option) *Manager {
	m := &Manager{
		client: client,
		parser: perception.NewDesignParser(),
		store:  st,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartSession begins a new session from prompt, replacing whatever session
// the slot held. It returns the saved session and the first design.
func (m *Manager) StartSession(ctx context.Context, prompt string) (*Session, Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, Draft{}, ErrEmptyPrompt
	}
	if m.client == nil {
		return nil, Draft{}, ErrNoClient
	}

	timer := logging.StartTimer(logging.CategorySession, "StartSession")
	defer timer.Stop()

	now := types.Stamp(m.now())
	s := &Session{
		ID:        m.newID(),
		Prompt:    prompt,
		Model:     m.modelName(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	logging.Session("Starting session %s (model=%s)", s.ID, s.Model)

	content, errs := m.client.CompleteWithStreaming(ctx, perception.DesignSystemPrompt, prompt)
	draft, err := m.generate(ctx, content, errs)
	if err != nil {
		return nil, Draft{}, err
	}

	m.appendIteration(s, draft.Design, "", now)
	if err := m.store.Save(ctx, s); err != nil {
		return nil, Draft{}, fmt.Errorf("save session: %w", err)
	}
	m.recordIteration(ctx, s)

	return s, draft, nil
}

// ContinueSession revises the current session's latest design with feedback
// and the renders attached to it. Precondition failures leave the slot as is.
func (m *Manager) ContinueSession(ctx context.Context, feedback string) (*Session, Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.store.Load(ctx)
	if err != nil {
		return nil, Draft{}, err
	}
	latest := s.Latest()
	if latest == nil {
		return nil, Draft{}, ErrEmptyHistory
	}
	if !latest.Rendered() {
		return nil, Draft{}, ErrNoRendersYet
	}
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return nil, Draft{}, ErrEmptyFeedback
	}
	if m.client == nil {
		return nil, Draft{}, ErrNoClient
	}

	timer := logging.StartTimer(logging.CategorySession, "ContinueSession")
	defer timer.Stop()

	parts := BuildContinueParts(s, feedback)
	logging.Session("Continuing session %s from iteration %d with %d renders",
		s.ID, s.LatestIndex(), len(latest.Renders))

	content, errs := m.client.CompleteMultimodalStreaming(ctx, perception.DesignSystemPrompt, parts)
	draft, err := m.generate(ctx, content, errs)
	if err != nil {
		return nil, Draft{}, err
	}

	now := types.Stamp(m.now())
	m.appendIteration(s, draft.Design, feedback, now)
	if model := m.modelName(); model != "" {
		s.Model = model
	}
	if err := m.store.Save(ctx, s); err != nil {
		return nil, Draft{}, fmt.Errorf("save session: %w", err)
	}
	m.recordIteration(ctx, s)

	return s, draft, nil
}

// AttachRenders records renders on the latest iteration of s and saves s.
// An iteration accepts renders once.
func (m *Manager) AttachRenders(ctx context.Context, s *Session, renders []types.RenderResult) error {
	return m.AttachBatch(ctx, s, renders, "")
}

// AttachBatch is AttachRenders plus the directory the images were stored in.
func (m *Manager) AttachBatch(ctx context.Context, s *Session, renders []types.RenderResult, artifactDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	latest := s.Latest()
	if latest == nil {
		return ErrNoIteration
	}
	if latest.Rendered() {
		return ErrRendersAlreadyAttached
	}
	if len(renders) == 0 {
		return ErrNoRenders
	}

	declared := make(map[string]bool, len(latest.Views))
	for _, v := range latest.Views {
		declared[v.Name] = true
	}
	for _, r := range renders {
		if !declared[r.View] {
			return fmt.Errorf("%w: %q", ErrUnknownView, r.View)
		}
	}

	now := types.Stamp(m.now())
	latest.Renders = append([]types.RenderResult(nil), renders...)
	latest.RenderedAt = &now
	latest.ArtifactDir = artifactDir
	s.UpdatedAt = now

	if err := m.store.Save(ctx, s); err != nil {
		latest.Renders, latest.RenderedAt, latest.ArtifactDir = []types.RenderResult{}, nil, ""
		return fmt.Errorf("save session: %w", err)
	}

	if m.recorder != nil {
		records := make([]store.RenderRecord, len(renders))
		for i, r := range renders {
			records[i] = store.RenderRecord{View: r.View, Path: r.Path, SizeBytes: len(r.Image)}
		}
		if err := m.recorder.RecordRenders(ctx, s.ID, s.LatestIndex(), records); err != nil {
			logging.StoreWarn("Failed to record renders for session %s: %v", s.ID, err)
		}
	}

	logging.Session("Attached %d renders to session %s iteration %d", len(renders), s.ID, s.LatestIndex())
	return nil
}

// Current loads the session in the slot.
func (m *Manager) Current(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Load(ctx)
}

// generate collects a streamed response and parses it into a draft. The
// parser logs each skipped view itself.
func (m *Manager) generate(ctx context.Context, content <-chan string, errs <-chan error) (Draft, error) {
	raw, err := perception.Collect(ctx, content, errs)
	if err != nil {
		return Draft{}, fmt.Errorf("generate design: %w", err)
	}
	logging.SessionDebug("Model response: %d bytes", len(raw))

	res, err := m.parser.Parse(raw)
	if err != nil {
		return Draft{}, fmt.Errorf("parse design: %w", err)
	}
	return Draft{Design: res.Design, Warnings: res.Warnings, UsedDefaults: res.UsedDefaults}, nil
}

func (m *Manager) appendIteration(s *Session, design types.Design, feedback string, now time.Time) {
	s.Iterations = append(s.Iterations, Iteration{
		Timestamp:      now,
		Feedback:       feedback,
		Code:           design.Code,
		Views:          design.Views,
		ChangesSummary: design.ChangesSummary,
		Renders:        []types.RenderResult{},
	})
	s.UpdatedAt = now
}

func (m *Manager) recordIteration(ctx context.Context, s *Session) {
	if m.recorder == nil {
		return
	}
	it := s.Latest()
	err := m.recorder.RecordIteration(ctx, store.IterationRecord{
		SessionID:      s.ID,
		Prompt:         s.Prompt,
		Index:          s.LatestIndex(),
		Feedback:       it.Feedback,
		Code:           it.Code,
		Views:          it.Views,
		ChangesSummary: it.ChangesSummary,
		Model:          s.Model,
		CreatedAt:      it.Timestamp,
	})
	if err != nil {
		logging.StoreWarn("Failed to record iteration for session %s: %v", s.ID, err)
	}
}

func (m *Manager) modelName() string {
	if m.client == nil {
		return ""
	}
	return m.client.GetModel()
}
