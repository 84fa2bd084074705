// Package render turns a Design into one PNG per declared view by driving the
// openscad binary through the tactile executor.
//
// Every call works in a fresh scratch directory that is removed on return.
// A batch either yields one image for every view, in view order, or fails
// with a *RenderError and no partial results.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"scadsmith/internal/camera"
	"scadsmith/internal/config"
	"scadsmith/internal/logging"
	"scadsmith/internal/tactile"
	"scadsmith/internal/types"
)

const (
	// SourceFileName is the design file written into each view workspace.
	SourceFileName = "design.scad"

	pngMIME = "image/png"
)

var (
	// ErrRenderFailed matches every *RenderError via errors.Is.
	ErrRenderFailed = errors.New("render failed")

	// ErrNoViews is returned for a design without views.
	ErrNoViews = errors.New("design has no views")

	pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
)

// RenderError reports the view whose render failed and why.
type RenderError struct {
	View  string
	Cause error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render view %q: %v", e.View, e.Cause)
}

func (e *RenderError) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, ErrRenderFailed) true for any RenderError.
func (e *RenderError) Is(target error) bool { return target == ErrRenderFailed }

// Batch is the outcome of one successful Render call.
type Batch struct {
	ID          string
	ArtifactDir string // empty when artifacts are disabled
	Results     []types.RenderResult
}

// Orchestrator renders designs. It is safe for concurrent use.
type Orchestrator struct {
	executor      tactile.Executor
	cfg           config.RendererConfig
	timeout       time.Duration
	artifactsRoot string
	scratchRoot   string
	now           func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithArtifactsRoot persists each successful batch under dir.
func WithArtifactsRoot(dir string) Option {
	return func(o *Orchestrator) { o.artifactsRoot = dir }
}

// WithScratchRoot sets where per-call workspaces are created (default os.TempDir).
func WithScratchRoot(dir string) Option {
	return func(o *Orchestrator) { o.scratchRoot = dir }
}

// WithClock overrides the clock used to name artifact directories.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an orchestrator that runs cfg.Binary through executor.
func NewOrchestrator(executor tactile.Executor, cfg config.RendererConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		executor:    executor,
		cfg:         cfg,
		timeout:     cfg.GetTimeout(),
		scratchRoot: os.TempDir(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RenderAll renders every view of design and returns the images in view order.
func (o *Orchestrator) RenderAll(ctx context.Context, design types.Design) ([]types.RenderResult, error) {
	batch, err := o.Render(ctx, design)
	if err != nil {
		return nil, err
	}
	return batch.Results, nil
}

// Render is RenderAll plus the batch identity and artifact location.
func (o *Orchestrator) Render(ctx context.Context, design types.Design) (*Batch, error) {
	if len(design.Views) == 0 {
		return nil, ErrNoViews
	}

	timer := logging.StartTimer(logging.CategoryRender, fmt.Sprintf("render %d views", len(design.Views)))
	defer timer.Stop()

	id := uuid.New().String()
	scratch := filepath.Join(o.scratchRoot, "scadsmith-render-"+id)
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return nil, fmt.Errorf("create render workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logging.RenderWarn("Failed to remove render workspace %s: %v", scratch, err)
		}
	}()

	logging.Render("Rendering batch %s: views=%v concurrency=%d", id[:8], design.ViewNames(), o.cfg.Concurrency)

	results := make([]types.RenderResult, len(design.Views))
	if o.cfg.Concurrency > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.Concurrency)
		for i, view := range design.Views {
			g.Go(func() error {
				res, err := o.renderView(gctx, id, filepath.Join(scratch, viewDirName(i)), design.Code, view)
				if err != nil {
					return err
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			logging.RenderError("Batch %s failed: %v", id[:8], err)
			return nil, err
		}
	} else {
		for i, view := range design.Views {
			res, err := o.renderView(ctx, id, filepath.Join(scratch, viewDirName(i)), design.Code, view)
			if err != nil {
				logging.RenderError("Batch %s failed: %v", id[:8], err)
				return nil, err
			}
			results[i] = res
		}
	}

	batch := &Batch{ID: id, Results: results}
	if o.artifactsRoot != "" {
		dir, err := o.writeArtifacts(id, results)
		if err != nil {
			return nil, err
		}
		batch.ArtifactDir = dir
	}
	return batch, nil
}

func viewDirName(i int) string {
	return fmt.Sprintf("view-%02d", i)
}

// renderView renders a single view inside its own workspace directory.
func (o *Orchestrator) renderView(ctx context.Context, batchID, dir, code string, view types.ViewSpec) (types.RenderResult, error) {
	fail := func(cause error) (types.RenderResult, error) {
		return types.RenderResult{}, &RenderError{View: view.Name, Cause: cause}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fail(fmt.Errorf("create view workspace: %w", err))
	}
	if err := os.WriteFile(filepath.Join(dir, SourceFileName), []byte(code), 0644); err != nil {
		return fail(fmt.Errorf("write design source: %w", err))
	}

	params := camera.Resolve(view)
	output := FileName(view.Name)
	cmd := tactile.Command{
		Binary:           o.cfg.Binary,
		Arguments:        o.buildArgs(output, params),
		WorkingDirectory: dir,
		Limits: &tactile.ResourceLimits{
			TimeoutMs:      o.timeout.Milliseconds(),
			MaxOutputBytes: o.cfg.MaxOutputBytes,
		},
		RequestID: batchID,
	}

	logging.RenderDebug("View %s: camera=%s policy=%q", view.Name, params.Arg(), params.Policy)

	result, err := o.executor.Execute(ctx, cmd)
	if err != nil {
		return fail(err)
	}
	if result.Killed && ctx.Err() != nil {
		return fail(ctx.Err())
	}
	if err := checkResult(result); err != nil {
		return fail(err)
	}

	image, err := os.ReadFile(filepath.Join(dir, output))
	if err != nil {
		if os.IsNotExist(err) {
			return fail(fmt.Errorf("renderer produced no image: %s", lastLines(result.Stderr, 3)))
		}
		return fail(fmt.Errorf("read image: %w", err))
	}
	if len(image) == 0 {
		return fail(errors.New("renderer produced an empty image"))
	}
	if !bytes.HasPrefix(image, pngSignature) {
		return fail(errors.New("renderer output is not a PNG image"))
	}

	if ru := result.ResourceUsage; ru != nil {
		logging.RenderDebug("View %s rendered: %d bytes in %s (cpu %dms, rss %d bytes)",
			view.Name, len(image), result.Duration, ru.TotalCPUTimeMs(), ru.MaxRSSBytes)
	} else {
		logging.RenderDebug("View %s rendered: %d bytes in %s", view.Name, len(image), result.Duration)
	}
	return types.RenderResult{View: view.Name, Image: image, MIMEType: pngMIME}, nil
}

// buildArgs assembles the openscad command line for one view.
func (o *Orchestrator) buildArgs(output string, params camera.CameraParams) []string {
	projection := "o"
	if o.cfg.Projection == "perspective" {
		projection = "p"
	}

	args := []string{
		"-o", output,
		fmt.Sprintf("--imgsize=%d,%d", o.cfg.ImageWidth, o.cfg.ImageHeight),
	}
	if o.cfg.ColorScheme != "" {
		args = append(args, "--colorscheme="+o.cfg.ColorScheme)
	}
	args = append(args, "--projection="+projection)
	if o.cfg.FullRender {
		args = append(args, "--render")
	}
	if o.cfg.ViewAll {
		args = append(args, "--viewall", "--autocenter")
	}
	return append(args, "--camera="+params.Arg(), SourceFileName)
}

// checkResult converts a finished execution into a render failure cause.
func checkResult(result *tactile.ExecutionResult) error {
	switch {
	case result.IsError():
		return fmt.Errorf("run renderer: %s", result.Error)
	case result.Killed:
		return fmt.Errorf("renderer killed: %s", result.KillReason)
	case result.IsNonZeroExit():
		return fmt.Errorf("renderer exited with code %d: %s", result.ExitCode, lastLines(result.Stderr, 3))
	}
	return nil
}

// writeArtifacts stores the images of a finished batch. A partial write is
// removed so the directory either holds the whole batch or does not exist.
func (o *Orchestrator) writeArtifacts(id string, results []types.RenderResult) (string, error) {
	dir := filepath.Join(o.artifactsRoot, fmt.Sprintf("%s_%s", o.now().UTC().Format("20060102T150405Z"), id[:8]))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}

	used := make(map[string]bool, len(results))
	for i := range results {
		name := FileName(results[i].View)
		if used[name] {
			name = fmt.Sprintf("%02d_%s", i, name)
		}
		used[name] = true

		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, results[i].Image, 0644); err != nil {
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("write render artifact: %w", err)
		}
		results[i].Path = path
	}

	logging.Render("Stored %d renders in %s", len(results), dir)
	return dir, nil
}

// FileName maps a view name to a safe PNG file name.
func FileName(view string) string {
	var b strings.Builder
	for _, r := range view {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		b.WriteString("view")
	}
	return b.String() + ".png"
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := strings.Join(lines, " | ")
	if out == "" {
		return "no output"
	}
	return out
}

// Probe runs "<binary> --version" and returns the reported version line.
func (o *Orchestrator) Probe(ctx context.Context) (string, error) {
	result, err := o.executor.Execute(ctx, tactile.Command{
		Binary:    o.cfg.Binary,
		Arguments: []string{"--version"},
		Limits:    &tactile.ResourceLimits{TimeoutMs: 10000},
	})
	if err != nil {
		return "", fmt.Errorf("probe renderer: %w", err)
	}
	if err := checkResult(result); err != nil {
		return "", fmt.Errorf("probe renderer %s: %w", o.cfg.Binary, err)
	}

	// openscad prints its version on stderr
	for _, line := range strings.Split(result.Output(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line, nil
		}
	}
	return "", fmt.Errorf("probe renderer %s: no version output", o.cfg.Binary)
}

// ExecutorConfig derives the tactile executor settings for the renderer.
func ExecutorConfig(cfg config.RendererConfig) tactile.ExecutorConfig {
	ec := tactile.DefaultExecutorConfig()
	ec.DefaultTimeout = cfg.GetTimeout()
	if cfg.MaxOutputBytes > 0 {
		ec.MaxOutputBytes = cfg.MaxOutputBytes
	}
	if len(cfg.AllowedEnv) > 0 {
		ec.AllowedEnvironment = cfg.AllowedEnv
	}
	return ec
}
