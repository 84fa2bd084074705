package config

import "scadsmith/internal/logging"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	Format     string          `yaml:"format"`     // json, console
	DebugMode  bool            `yaml:"debug_mode"` // Master toggle - false = no file logging
	Categories map[string]bool `yaml:"categories"` // Per-category toggles
}

// Options converts to the logging package's options.
func (c LoggingConfig) Options() logging.Options {
	return logging.Options{
		Level:      c.Level,
		Format:     c.Format,
		DebugMode:  c.DebugMode,
		Categories: c.Categories,
	}
}
