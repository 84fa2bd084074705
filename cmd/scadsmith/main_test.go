package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"scadsmith/internal/config"
	"scadsmith/internal/logging"
	"scadsmith/internal/render"
	"scadsmith/internal/session"
	"scadsmith/internal/types"
)

func TestJoinArgs(t *testing.T) {
	got := joinArgs([]string{"a", "wall", "bracket "})
	if got != "a wall bracket" {
		t.Fatalf("expected 'a wall bracket', got '%s'", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("a  very\nlong   prompt text", 12); got != "a very lo..." {
		t.Errorf("truncate(long) = %q", got)
	}
}

const goodOpenSCAD = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --version) echo "OpenSCAD version 2021.01" >&2; exit 0 ;;
    -o) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
printf '\211PNG\r\n\032\n' > "$out"
`

const brokenOpenSCAD = `#!/bin/sh
[ "$1" = "--version" ] && { echo "OpenSCAD version 2021.01" >&2; exit 0; }
echo "ERROR: CGAL error in CGAL_Nef_polyhedron3" >&2
exit 1
`

// scriptedClient replays canned model responses.
type scriptedClient struct {
	mu        sync.Mutex
	responses []string
	partCalls int
}

func (c *scriptedClient) reply() (<-chan string, <-chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	content := make(chan string, 1)
	errs := make(chan error, 1)
	if len(c.responses) == 0 {
		errs <- errors.New("no response queued")
	} else {
		content <- c.responses[0]
		c.responses = c.responses[1:]
	}
	close(content)
	close(errs)
	return content, errs
}

func (c *scriptedClient) CompleteWithStreaming(ctx context.Context, systemPrompt, userPrompt string) (<-chan string, <-chan error) {
	return c.reply()
}

func (c *scriptedClient) CompleteMultimodalStreaming(ctx context.Context, systemPrompt string, parts []types.Part) (<-chan string, <-chan error) {
	c.mu.Lock()
	c.partCalls++
	c.mu.Unlock()
	return c.reply()
}

func (c *scriptedClient) GetModel() string { return "scripted" }

const boxResponse = `<code>
cube([20, 20, 20]);
</code>
<views>
{"name": "front", "angle": [0, 0, 0], "distance": 200}
{"name": "top", "angle": [0, 90, 0], "distance": 200}
{"name": "iso", "angle": [45, 35, 0], "distance": 200}
</views>`

const hollowResponse = `<code>
difference() { cube([24, 24, 24]); translate([2, 2, 2]) cube([20, 20, 22]); }
</code>
<changes>Hollowed the box with 2mm thick walls.</changes>
<views>
{"name": "front", "angle": [0, 0, 0]}
{"name": "inside", "angle": [30, 60, 0], "distance": 300}
{"name": "iso", "angle": [45, 35, 0]}
</views>`

const sparseViewsResponse = `<code>
sphere(10);
</code>
<views>
{"name": "front", "angle": [0, 0, 0]}
{"name": "closeup", "angle": [15, 30], "distance": 80}
</views>`

type cliEnv struct {
	t      *testing.T
	dir    string
	bin    string
	client *scriptedClient
}

func newCLIEnv(t *testing.T, responses ...string) *cliEnv {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell script as the renderer")
	}

	env := &cliEnv{
		t:      t,
		dir:    t.TempDir(),
		bin:    filepath.Join(t.TempDir(), "openscad"),
		client: &scriptedClient{responses: responses},
	}
	env.setRenderer(goodOpenSCAD)

	for _, k := range []string{"OPENAI_API_KEY", "GEMINI_API_KEY", "SCADSMITH_PROVIDER", "SCADSMITH_MODEL", "SCADSMITH_STATE_DIR"} {
		t.Setenv(k, "")
	}
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("SCADSMITH_OPENSCAD", env.bin)

	orig := newLLMClient
	newLLMClient = func(ctx context.Context, cfg *config.Config) (types.LLMClient, error) {
		return env.client, nil
	}
	t.Cleanup(func() { newLLMClient = orig })
	return env
}

func (e *cliEnv) setRenderer(script string) {
	e.t.Helper()
	if err := os.WriteFile(e.bin, []byte(script), 0755); err != nil {
		e.t.Fatalf("failed to write renderer script: %v", err)
	}
}

// run executes the root command with fresh global flag state.
func (e *cliEnv) run(args ...string) (string, error) {
	e.t.Helper()
	verbose = false
	workspace = ""
	configPath = ""
	timeout = time.Minute
	historyLimit = 20
	exportIteration = 0
	forceInit = false
	logger = zap.NewNop()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"-w", e.dir}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCLI_CreateIterateStatusExport(t *testing.T) {
	env := newCLIEnv(t, boxResponse, hollowResponse)

	out, err := env.run("create", "a", "20mm", "box")
	if err != nil {
		t.Fatalf("create failed: %v\n%s", err, out)
	}
	for _, want := range []string{"Design created", "front, top, iso", "Rendered"} {
		if !strings.Contains(out, want) {
			t.Errorf("create output missing %q:\n%s", want, out)
		}
	}

	rendersRoot := filepath.Join(env.dir, config.StateDirName, "renders")
	batches, err := os.ReadDir(rendersRoot)
	if err != nil || len(batches) != 1 {
		t.Fatalf("expected one render batch under %s, got %v (%v)", rendersRoot, batches, err)
	}
	for _, name := range []string{"front.png", "top.png", "iso.png"} {
		if _, err := os.Stat(filepath.Join(rendersRoot, batches[0].Name(), name)); err != nil {
			t.Errorf("missing artifact %s: %v", name, err)
		}
	}

	out, err = env.run("iterate", "hollow it out")
	if err != nil {
		t.Fatalf("iterate failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2mm thick") {
		t.Errorf("iterate output missing changes summary:\n%s", out)
	}
	if env.client.partCalls != 1 {
		t.Errorf("expected one multimodal request, got %d", env.client.partCalls)
	}

	out, err = env.run("status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"a 20mm box", "hollow it out", "front, inside, iso"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	out, err = env.run("export")
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !strings.HasPrefix(out, "difference()") {
		t.Errorf("export should print latest code, got:\n%s", out)
	}

	file := filepath.Join(env.dir, "box.scad")
	if _, err := env.run("export", "--iteration", "1", file); err != nil {
		t.Fatalf("export to file failed: %v", err)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("failed to read export: %v", err)
	}
	if string(data) != "cube([20, 20, 20]);\n" {
		t.Errorf("unexpected exported code %q", data)
	}

	if _, err := env.run("export", "--iteration", "3"); err == nil {
		t.Error("expected out of range iteration to fail")
	}

	out, err = env.run("history")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(out, "2 iteration(s), 2 rendered") {
		t.Errorf("history output unexpected:\n%s", out)
	}
}

func TestCLI_IterateWithoutSession(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run("iterate", "bigger")
	if !errors.Is(err, session.ErrNoSessionFound) {
		t.Fatalf("expected ErrNoSessionFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "scadsmith create") {
		t.Errorf("error should point at create: %v", err)
	}

	if _, err := env.run("status"); !errors.Is(err, session.ErrNoSessionFound) {
		t.Errorf("status: expected ErrNoSessionFound, got %v", err)
	}
}

func TestCLI_RenderFailureThenRetry(t *testing.T) {
	env := newCLIEnv(t, boxResponse, hollowResponse)
	env.setRenderer(brokenOpenSCAD)

	out, err := env.run("create", "a box")
	if !errors.Is(err, render.ErrRenderFailed) {
		t.Fatalf("expected ErrRenderFailed, got %v", err)
	}
	if !strings.Contains(out, "Render failed") || !strings.Contains(err.Error(), "CGAL error") {
		t.Errorf("expected renderer diagnostics, got %v\n%s", err, out)
	}

	_, err = env.run("iterate", "hollow it out")
	if !errors.Is(err, session.ErrNoRendersYet) {
		t.Fatalf("expected ErrNoRendersYet, got %v", err)
	}
	if env.client.partCalls != 0 {
		t.Errorf("model must not be called before renders exist")
	}

	env.setRenderer(goodOpenSCAD)
	out, err = env.run("render")
	if err != nil {
		t.Fatalf("render failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Design rendered") {
		t.Errorf("render output unexpected:\n%s", out)
	}

	out, err = env.run("render")
	if err != nil || !strings.Contains(out, "already rendered") {
		t.Errorf("second render: err=%v out=%s", err, out)
	}

	if _, err := env.run("iterate", "hollow it out"); err != nil {
		t.Fatalf("iterate after render failed: %v", err)
	}
}

func TestCLI_CheckAndConfigInit(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run("check")
	if err != nil {
		t.Fatalf("check failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "OpenSCAD version 2021.01") {
		t.Errorf("check should report the renderer version:\n%s", out)
	}
	if !strings.Contains(out, "dimetric") {
		t.Errorf("check should list the fixed view names:\n%s", out)
	}

	t.Setenv("SCADSMITH_OPENSCAD", filepath.Join(env.dir, "missing-openscad"))
	if _, err := env.run("check"); err == nil {
		t.Error("expected check to fail with a missing renderer")
	}

	out, err = env.run("config", "init")
	if err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	path := config.DefaultPath(env.dir)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if _, err := env.run("config", "init"); err == nil {
		t.Error("expected config init to refuse overwriting")
	}
	if _, err := env.run("config", "init", "--force"); err != nil {
		t.Errorf("config init --force failed: %v", err)
	}

	out, err = env.run("config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if strings.Contains(out, "test-key") || !strings.Contains(out, "********") {
		t.Errorf("config show must mask the API key:\n%s", out)
	}
}

func TestCLI_CreateReportsSkippedViews(t *testing.T) {
	env := newCLIEnv(t, sparseViewsResponse)

	out, err := env.run("create", "a ball")
	if err != nil {
		t.Fatalf("create failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, `Warning: view entry 2 skipped (angle has 2 components, want 3)`) {
		t.Errorf("create output should report the skipped view:\n%s", out)
	}
	if !strings.Contains(out, "using the default views") {
		t.Errorf("create output should report the default view fallback:\n%s", out)
	}
	if !strings.Contains(out, "front, top, iso") {
		t.Errorf("expected default views to be rendered:\n%s", out)
	}
}

func TestCLI_FailedCommandStillClosesLogs(t *testing.T) {
	env := newCLIEnv(t)

	cfg := config.DefaultConfig()
	cfg.Logging.DebugMode = true
	if err := cfg.Save(config.DefaultPath(env.dir)); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := env.run("iterate", "bigger"); err == nil {
		t.Fatal("expected iterate without a session to fail")
	}
	if _, err := os.Stat(filepath.Join(env.dir, config.StateDirName, "logs")); err != nil {
		t.Fatalf("debug logging should have been initialized: %v", err)
	}
	if dir := logging.LogsDir(); dir != "" {
		t.Errorf("logs still open after a failed command: %s", dir)
	}
}
