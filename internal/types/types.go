package types

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// =============================================================================
// DESIGN DATA MODEL
// =============================================================================

// ViewSpec is a named camera viewpoint requested for a design.
// Angle is (azimuth, elevation, tilt) in degrees; see internal/camera.
type ViewSpec struct {
	Name     string     `json:"name"`
	Angle    [3]float64 `json:"angle"`
	Distance float64    `json:"distance"`
}

// Validation errors for ViewSpec.
var (
	ErrEmptyViewName   = errors.New("view name is empty")
	ErrNonFiniteAngle  = errors.New("view angle has a non-finite component")
	ErrInvalidDistance = errors.New("view distance must be a positive number")
)

// NormalizeViewName lower-cases and trims a view name.
func NormalizeViewName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Validate checks the ViewSpec invariants.
func (v ViewSpec) Validate() error {
	if NormalizeViewName(v.Name) == "" {
		return ErrEmptyViewName
	}
	for i, a := range v.Angle {
		if math.IsNaN(a) || math.IsInf(a, 0) {
			return fmt.Errorf("%w: component %d", ErrNonFiniteAngle, i)
		}
	}
	if !(v.Distance > 0) || math.IsInf(v.Distance, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidDistance, v.Distance)
	}
	return nil
}

// Design is a parsed model response: source code plus the views it should be
// rendered from.
type Design struct {
	Code           string     `json:"code"`
	Views          []ViewSpec `json:"views"`
	ChangesSummary string     `json:"changes_summary,omitempty"`
}

// ViewNames returns the view names in order.
func (d Design) ViewNames() []string {
	names := make([]string, len(d.Views))
	for i, v := range d.Views {
		names[i] = v.Name
	}
	return names
}

// RenderResult is one rendered image of a design. Image is opaque PNG bytes.
type RenderResult struct {
	View     string `json:"view"`
	Image    []byte `json:"image"`
	MIMEType string `json:"mime_type,omitempty"`
	Path     string `json:"path,omitempty"`
}

// =============================================================================
// MODEL REQUEST PARTS
// =============================================================================

// PartType identifies the kind of content in a request part.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is one element of a multi-part model request.
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	MIMEType string   `json:"mime_type,omitempty"`
	Data     []byte   `json:"data,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ImagePart builds an image part. An empty mime type defaults to image/png.
func ImagePart(mimeType string, data []byte) Part {
	if mimeType == "" {
		mimeType = "image/png"
	}
	return Part{Type: PartImage, MIMEType: mimeType, Data: data}
}

// Stamp normalizes t to UTC with millisecond precision for persisted records.
func Stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
