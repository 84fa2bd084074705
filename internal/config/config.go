package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StateDirName is the per-workspace directory holding session state, renders,
// logs, history and config.
const StateDirName = ".scadsmith"

// Config holds all scadsmith configuration.
type Config struct {
	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Renderer (openscad) configuration
	Renderer RendererConfig `yaml:"renderer"`

	// Session persistence
	Session SessionConfig `yaml:"session"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// SessionConfig configures where state lives.
type SessionConfig struct {
	StateDir      string `yaml:"state_dir"`      // relative paths resolve against the workspace
	HistoryDB     string `yaml:"history_db"`     // relative to state_dir
	RecordHistory bool   `yaml:"record_history"` // mirror iterations into SQLite
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:          "anthropic",
			Model:             "", // provider default
			Timeout:           "5m",
			MaxTokens:         8192,
			Temperature:       0.2,
			RequestsPerMinute: 30,
		},

		Renderer: RendererConfig{
			Binary:         "openscad",
			ImageWidth:     800,
			ImageHeight:    600,
			ColorScheme:    "Tomorrow",
			Projection:     "ortho",
			FullRender:     false,
			ViewAll:        true,
			Timeout:        "120s",
			Concurrency:    1,
			MaxOutputBytes: 1024 * 1024,
			AllowedEnv:     []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "DISPLAY", "OPENSCADPATH"},
		},

		Session: SessionConfig{
			StateDir:      StateDirName,
			HistoryDB:     "history.db",
			RecordHistory: true,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultPath returns the config path for a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, StateDirName, "config.yaml")
}

// Load loads configuration from a YAML file. A missing file yields defaults.
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Write encodes the configuration as YAML to w.
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func (c *Config) applyEnvOverrides() {
	if p := os.Getenv("SCADSMITH_PROVIDER"); p != "" {
		c.LLM.Provider = strings.ToLower(p)
	}

	// The configured provider's key wins; otherwise the first key found
	// selects the provider.
	if key := os.Getenv(providerKeyEnv[c.LLM.Provider]); key != "" {
		c.LLM.APIKey = key
	} else if c.LLM.APIKey == "" {
		for _, p := range ValidProviders {
			if key := os.Getenv(providerKeyEnv[p]); key != "" {
				c.LLM.APIKey = key
				c.LLM.Provider = p
				break
			}
		}
	}

	if m := os.Getenv("SCADSMITH_MODEL"); m != "" {
		c.LLM.Model = m
	}
	if bin := os.Getenv("SCADSMITH_OPENSCAD"); bin != "" {
		c.Renderer.Binary = bin
	}
	if dir := os.Getenv("SCADSMITH_STATE_DIR"); dir != "" {
		c.Session.StateDir = dir
	}
}

var providerKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

// StateDir resolves the state directory against the workspace.
func (c *Config) StateDir(workspace string) string {
	if filepath.IsAbs(c.Session.StateDir) {
		return c.Session.StateDir
	}
	return filepath.Join(workspace, c.Session.StateDir)
}

// SessionPath is the fixed slot the current session is persisted to.
func (c *Config) SessionPath(workspace string) string {
	return filepath.Join(c.StateDir(workspace), "session.json")
}

// RendersRoot is where per-render artifact directories are created.
func (c *Config) RendersRoot(workspace string) string {
	return filepath.Join(c.StateDir(workspace), "renders")
}

// HistoryDBPath resolves the SQLite history database path.
func (c *Config) HistoryDBPath(workspace string) string {
	if filepath.IsAbs(c.Session.HistoryDB) {
		return c.Session.HistoryDB
	}
	return filepath.Join(c.StateDir(workspace), c.Session.HistoryDB)
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetRenderTimeout returns the per-view renderer timeout as a duration.
func (c *Config) GetRenderTimeout() time.Duration {
	return c.Renderer.GetTimeout()
}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"anthropic", "openai", "gemini"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set ANTHROPIC_API_KEY, OPENAI_API_KEY, or GEMINI_API_KEY)")
	}

	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}

	if _, err := time.ParseDuration(c.LLM.Timeout); err != nil {
		return fmt.Errorf("invalid llm.timeout %q: %w", c.LLM.Timeout, err)
	}

	return c.Renderer.Validate()
}
