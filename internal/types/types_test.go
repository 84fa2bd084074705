package types

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestViewSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		view    ViewSpec
		wantErr error
	}{
		{"valid", ViewSpec{Name: "front", Angle: [3]float64{0, 0, 0}, Distance: 200}, nil},
		{"blank name", ViewSpec{Name: "  ", Distance: 200}, ErrEmptyViewName},
		{"nan angle", ViewSpec{Name: "x", Angle: [3]float64{math.NaN(), 0, 0}, Distance: 200}, ErrNonFiniteAngle},
		{"inf angle", ViewSpec{Name: "x", Angle: [3]float64{0, math.Inf(1), 0}, Distance: 200}, ErrNonFiniteAngle},
		{"zero distance", ViewSpec{Name: "x", Distance: 0}, ErrInvalidDistance},
		{"negative distance", ViewSpec{Name: "x", Distance: -5}, ErrInvalidDistance},
		{"nan distance", ViewSpec{Name: "x", Distance: math.NaN()}, ErrInvalidDistance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.view.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeViewName(t *testing.T) {
	if got := NormalizeViewName("  Iso "); got != "iso" {
		t.Errorf("NormalizeViewName = %q, want %q", got, "iso")
	}
}

func TestImagePart_DefaultsToPNG(t *testing.T) {
	p := ImagePart("", []byte{1})
	if p.Type != PartImage || p.MIMEType != "image/png" {
		t.Errorf("unexpected part: %+v", p)
	}
}

func TestStamp(t *testing.T) {
	loc := time.FixedZone("x", 3600)
	in := time.Date(2025, 1, 2, 3, 4, 5, 123456789, loc)
	got := Stamp(in)
	if got.Location() != time.UTC {
		t.Errorf("Stamp location = %v, want UTC", got.Location())
	}
	if got.Nanosecond() != 123000000 {
		t.Errorf("Stamp nanos = %d, want 123000000", got.Nanosecond())
	}
}
