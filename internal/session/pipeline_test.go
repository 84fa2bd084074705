package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scadsmith/internal/render"
)

func TestPipeline_CreateAndIterate(t *testing.T) {
	client := &fakeClient{responses: []string{cubeResponse, thickerResponse}}
	rec := &memoryRecorder{}
	m, st := newTestManager(t, client, WithRecorder(rec))
	renderer := &fakeRenderer{}
	p := NewPipeline(m, renderer)
	ctx := context.Background()

	out, err := p.Create(ctx, "a 20mm box")
	require.NoError(t, err)
	require.NotNil(t, out.Batch)
	assert.Equal(t, "/renders/batch", out.Batch.ArtifactDir)
	assert.Len(t, out.Session.Latest().Renders, 3)
	assert.Equal(t, "/renders/batch", out.Session.Latest().ArtifactDir)

	out, err = p.Iterate(ctx, "make the walls thicker")
	require.NoError(t, err)
	assert.Equal(t, []string{"front", "section", "iso"}, out.Design.ViewNames())

	loaded, err := st.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded.Iterations, 2)
	for i, it := range loaded.Iterations {
		assert.True(t, it.Rendered(), "iteration %d should be rendered", i)
	}
	assert.Equal(t, "section", loaded.Iterations[1].Renders[1].View)
	assert.Equal(t, 2, renderer.calls)
	assert.Len(t, rec.renders[1], 3)
	assert.Equal(t, "/renders/batch/section.png", rec.renders[1][1].Path)
}

func TestPipeline_RenderFailureLeavesIterationUnrendered(t *testing.T) {
	client := &fakeClient{responses: []string{cubeResponse}}
	m, st := newTestManager(t, client)
	renderer := &fakeRenderer{err: &render.RenderError{View: "top", Cause: errors.New("exit 1")}}
	p := NewPipeline(m, renderer)
	ctx := context.Background()

	out, err := p.Create(ctx, "a box")
	require.Error(t, err)
	assert.True(t, errors.Is(err, render.ErrRenderFailed))
	require.NotNil(t, out)
	assert.Equal(t, "cube([20, 20, 20]);", out.Design.Code)
	assert.Nil(t, out.Batch)

	loaded, err := st.Load(ctx)
	require.NoError(t, err)
	assert.False(t, loaded.Latest().Rendered())

	_, err = p.Iterate(ctx, "bigger")
	assert.ErrorIs(t, err, ErrNoRendersYet)

	renderer.err = nil
	out, err = p.RenderLatest(ctx)
	require.NoError(t, err)
	assert.Len(t, out.Batch.Results, 3)

	_, err = p.RenderLatest(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRendered)
}

func TestPipeline_RenderLatestWithoutSession(t *testing.T) {
	m, _ := newTestManager(t, &fakeClient{})
	p := NewPipeline(m, &fakeRenderer{})

	_, err := p.RenderLatest(context.Background())
	assert.ErrorIs(t, err, ErrNoSessionFound)
	assert.Same(t, m, p.Manager())
}

func TestPipeline_OutcomeCarriesViewWarnings(t *testing.T) {
	client := &fakeClient{responses: []string{partialViewsResponse}}
	m, _ := newTestManager(t, client)
	p := NewPipeline(m, &fakeRenderer{})

	out, err := p.Create(context.Background(), "a ball")
	require.NoError(t, err)
	assert.True(t, out.UsedDefaults)
	require.Len(t, out.Warnings, 1)
	assert.Equal(t, "angle has 2 components, want 3", out.Warnings[0].Reason)
	assert.Len(t, out.Batch.Results, 3)
}
