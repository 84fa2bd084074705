package session

import (
	"context"
	"errors"
	"sync"

	"scadsmith/internal/render"
	"scadsmith/internal/store"
	"scadsmith/internal/types"
)

// fakeClient replays canned responses and captures what it was sent.
type fakeClient struct {
	mu        sync.Mutex
	responses []string
	err       error
	prompts   []string
	parts     [][]types.Part
	systems   []string
}

func (f *fakeClient) next() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", errors.New("fakeClient: no response queued")
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r, nil
}

func (f *fakeClient) stream(resp string, err error) (<-chan string, <-chan error) {
	content := make(chan string, 2)
	errs := make(chan error, 1)
	if err != nil {
		errs <- err
	} else {
		// split to exercise fragment accumulation
		half := len(resp) / 2
		content <- resp[:half]
		content <- resp[half:]
	}
	close(content)
	close(errs)
	return content, errs
}

func (f *fakeClient) CompleteWithStreaming(ctx context.Context, systemPrompt, userPrompt string) (<-chan string, <-chan error) {
	f.mu.Lock()
	f.systems = append(f.systems, systemPrompt)
	f.prompts = append(f.prompts, userPrompt)
	f.mu.Unlock()
	return f.stream(f.next())
}

func (f *fakeClient) CompleteMultimodalStreaming(ctx context.Context, systemPrompt string, parts []types.Part) (<-chan string, <-chan error) {
	f.mu.Lock()
	f.systems = append(f.systems, systemPrompt)
	f.parts = append(f.parts, parts)
	f.mu.Unlock()
	return f.stream(f.next())
}

func (f *fakeClient) GetModel() string { return "fake-model" }

// fakeRenderer returns one tiny image per view.
type fakeRenderer struct {
	calls int
	err   error
}

func (r *fakeRenderer) Render(ctx context.Context, design types.Design) (*render.Batch, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	results := make([]types.RenderResult, len(design.Views))
	for i, v := range design.Views {
		results[i] = types.RenderResult{
			View:     v.Name,
			Image:    []byte("png:" + v.Name),
			MIMEType: "image/png",
			Path:     "/renders/batch/" + v.Name + ".png",
		}
	}
	return &render.Batch{ID: "batch", ArtifactDir: "/renders/batch", Results: results}, nil
}

// flakyStore fails every Save once failSaves is set.
type flakyStore struct {
	Store
	failSaves bool
}

func (f *flakyStore) Save(ctx context.Context, s *Session) error {
	if f.failSaves {
		return errors.New("disk full")
	}
	return f.Store.Save(ctx, s)
}

// memoryRecorder captures history records.
type memoryRecorder struct {
	mu         sync.Mutex
	iterations []store.IterationRecord
	renders    map[int][]store.RenderRecord
	err        error
}

func (m *memoryRecorder) RecordIteration(ctx context.Context, rec store.IterationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.iterations = append(m.iterations, rec)
	return nil
}

func (m *memoryRecorder) RecordRenders(ctx context.Context, sessionID string, index int, renders []store.RenderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.renders == nil {
		m.renders = make(map[int][]store.RenderRecord)
	}
	m.renders[index] = renders
	return nil
}

const cubeResponse = `Here you go.
<code>
cube([20, 20, 20]);
</code>
<views>
{"name": "front", "angle": [0, 0, 0], "distance": 200}
{"name": "top", "angle": [0, 90, 0], "distance": 200}
{"name": "iso", "angle": [45, 35, 0], "distance": 200}
</views>`

const thickerResponse = `<code>
difference() { cube([24, 24, 24]); translate([2, 2, 2]) cube([20, 20, 22]); }
</code>
<changes>Walls are now 2mm thick.</changes>
<views>
{"name": "front", "angle": [0, 0, 0]}
{"name": "section", "angle": [30, 60, 0], "distance": 300}
{"name": "iso", "angle": [45, 35, 0]}
</views>`

const partialViewsResponse = `<code>
sphere(8);
</code>
<views>
{"name": "front", "angle": [0, 0, 0]}
{"name": "tilted", "angle": [10, 20]}
</views>`
