// Package camera maps named view specifications to concrete renderer camera
// parameters.
//
// Convention (shared by every path below): the world is Z-up and the front of a
// part faces -Y. A view angle is (azimuth, elevation, tilt) in degrees. Azimuth
// 0 looks from -Y, 90 from +X, 180 from +Y and 270 from -X. Elevation 90 looks
// straight down. Tilt nudges the look-at point sideways along the camera's
// screen-right axis.
package camera

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"scadsmith/internal/logging"
	"scadsmith/internal/types"
)

const (
	// MinDistance is the floor applied to every resolved camera distance.
	MinDistance = 50.0

	// TiltOffsetFactor scales the sideways center shift: d * sin(tilt) * factor.
	TiltOffsetFactor = 0.05

	// poleNudge offsets straight-down/up eyes along -Y so +Y stays up on screen.
	poleNudge = 1e-4
)

// Vec3 is a point or direction in model space.
type Vec3 struct {
	X, Y, Z float64
}

// CameraParams are the resolved camera settings for one view.
type CameraParams struct {
	Eye      Vec3
	Center   Vec3
	Up       Vec3 // informational; openscad derives up from +Z
	Distance float64
	Policy   string // policy name, or "" for the generic spherical path
}

// Arg formats the eye/center form of openscad's --camera value:
// eyex,eyey,eyez,centerx,centery,centerz.
func (p CameraParams) Arg() string {
	vals := []float64{p.Eye.X, p.Eye.Y, p.Eye.Z, p.Center.X, p.Center.Y, p.Center.Z}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = formatCoord(v)
	}
	return strings.Join(parts, ",")
}

func formatCoord(v float64) string {
	r := math.Round(v*1e4) / 1e4
	if r == 0 {
		r = 0 // drop negative zero
	}
	return strconv.FormatFloat(r, 'f', -1, 64)
}

// Policy fixes the direction of a canonical view. The angle triple of a view
// matching a policy is ignored; its distance is kept and scaled.
type Policy struct {
	Azimuth       float64
	Elevation     float64
	DistanceScale float64
}

var policies = map[string]Policy{
	"front":  {Azimuth: 0, Elevation: 0, DistanceScale: 1},
	"back":   {Azimuth: 180, Elevation: 0, DistanceScale: 1},
	"right":  {Azimuth: 90, Elevation: 0, DistanceScale: 1},
	"left":   {Azimuth: 270, Elevation: 0, DistanceScale: 1},
	"top":    {Azimuth: 0, Elevation: 90, DistanceScale: 1},
	"bottom": {Azimuth: 0, Elevation: -90, DistanceScale: 1},

	// Biased toward the front-right and pulled back so the whole part and
	// its depth read clearly.
	"iso":       {Azimuth: 45, Elevation: 30, DistanceScale: 1.15},
	"isometric": {Azimuth: 45, Elevation: 30, DistanceScale: 1.15},
	"dimetric":  {Azimuth: 30, Elevation: 20, DistanceScale: 1.1},
}

// PolicyFor returns the policy registered for a view name, if any.
func PolicyFor(name string) (Policy, bool) {
	p, ok := policies[types.NormalizeViewName(name)]
	return p, ok
}

// PolicyNames lists the canonical view names in sorted order.
func PolicyNames() []string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClampDistance applies the MinDistance floor. Non-finite or non-positive
// input also yields the floor.
func ClampDistance(d float64) float64 {
	if !(d >= MinDistance) || math.IsInf(d, 1) {
		return MinDistance
	}
	return d
}

// Resolve maps a view to camera parameters. It is pure and deterministic and
// never fails; invalid views are rejected by the parser before they get here.
func Resolve(view types.ViewSpec) CameraParams {
	name := types.NormalizeViewName(view.Name)

	if p, ok := PolicyFor(name); ok {
		d := ClampDistance(view.Distance * p.DistanceScale)
		params := orbit(p.Azimuth, p.Elevation, 0, d)
		params.Policy = name
		logging.CameraDebug("view %q -> policy %s eye=%+v d=%.2f", view.Name, name, params.Eye, d)
		return params
	}

	d := ClampDistance(view.Distance)
	params := orbit(view.Angle[0], view.Angle[1], view.Angle[2], d)
	logging.CameraDebug("view %q -> generic az=%.2f el=%.2f tilt=%.2f eye=%+v center=%+v",
		view.Name, view.Angle[0], view.Angle[1], view.Angle[2], params.Eye, params.Center)
	return params
}

// orbit places the eye on a sphere of radius d around the (tilt-shifted)
// center.
func orbit(azDeg, elDeg, tiltDeg, d float64) CameraParams {
	az := azDeg * math.Pi / 180
	el := elDeg * math.Pi / 180
	tilt := tiltDeg * math.Pi / 180

	shift := d * math.Sin(tilt) * TiltOffsetFactor
	center := Vec3{
		X: shift * math.Cos(az),
		Y: shift * math.Sin(az),
	}

	cosEl := math.Cos(el)
	eye := Vec3{
		X: center.X + d*math.Sin(az)*cosEl,
		Y: center.Y - d*math.Cos(az)*cosEl,
		Z: center.Z + d*math.Sin(el),
	}

	up := Vec3{Z: 1}
	if math.Abs(cosEl) < 1e-9 {
		eye.Y -= d * poleNudge
		up = Vec3{Y: 1}
	}

	return CameraParams{
		Eye:      eye,
		Center:   center,
		Up:       up,
		Distance: d,
	}
}
