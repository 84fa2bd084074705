package config

import (
	"fmt"
	"time"
)

// DefaultRenderTimeout applies when renderer.timeout is unset or invalid.
const DefaultRenderTimeout = 120 * time.Second

// RendererConfig configures the external openscad renderer.
type RendererConfig struct {
	Binary      string `yaml:"binary"`
	ImageWidth  int    `yaml:"image_width"`
	ImageHeight int    `yaml:"image_height"`
	ColorScheme string `yaml:"color_scheme"`
	Projection  string `yaml:"projection"`  // ortho, perspective
	FullRender  bool   `yaml:"full_render"` // --render (CGAL) instead of preview
	ViewAll     bool   `yaml:"view_all"`    // --viewall --autocenter
	Timeout     string `yaml:"timeout"`     // per view

	// Concurrency > 1 renders views in parallel, each in its own workspace.
	Concurrency    int      `yaml:"concurrency"`
	MaxOutputBytes int64    `yaml:"max_output_bytes"`
	AllowedEnv     []string `yaml:"allowed_env"`
}

// Validate checks renderer settings.
func (r RendererConfig) Validate() error {
	if r.Binary == "" {
		return fmt.Errorf("renderer.binary is required")
	}
	if r.ImageWidth <= 0 || r.ImageHeight <= 0 {
		return fmt.Errorf("renderer image size must be positive, got %dx%d", r.ImageWidth, r.ImageHeight)
	}
	switch r.Projection {
	case "", "ortho", "perspective":
	default:
		return fmt.Errorf("invalid renderer.projection: %s (valid: ortho, perspective)", r.Projection)
	}
	if r.Timeout != "" {
		if d, err := time.ParseDuration(r.Timeout); err != nil || d <= 0 {
			return fmt.Errorf("invalid renderer.timeout %q: must be a positive duration", r.Timeout)
		}
	}
	if r.Concurrency < 0 {
		return fmt.Errorf("renderer.concurrency must not be negative")
	}
	return nil
}

// GetTimeout returns the per-view timeout as a duration.
func (r RendererConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(r.Timeout)
	if err != nil || d <= 0 {
		return DefaultRenderTimeout
	}
	return d
}
