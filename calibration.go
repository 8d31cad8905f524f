// Package haploscope runs a binocular-disparity psychophysics task on a
// two-screen haploscope rig.
//
// The package converts per-session rig geometry (interocular distance, focal
// distance, monitor dimensions) into mechanical and viewport positions,
// sequences each trial through fixation, stimulus, and response-prompt
// phases, inserts timed rest breaks, and records one result per attempted
// trial.
//
// Basic usage:
//
//	catalog, err := haploscope.LoadCatalog("stimuli")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	surface := haploscope.NewTeaSurface(cfg)
//	if err := surface.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer surface.Stop()
//
//	sched, err := haploscope.NewScheduler(surface, rig, cfg, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	record, err := sched.RunSession(catalog)
package haploscope

import (
	"fmt"
	"math"
)

// Physical zero positions of the rig hardware, in millimetres. Carriage and
// eye-stage positions are reported relative to these, matching the values
// stamped on the haploscope frame.
const (
	MinFocalDistanceMM = 387.5
	MinIODMM           = 56.0

	displayLeftZeroMM  = 551.0
	displayRightZeroMM = 1.0
	eyeLeftZeroMM      = 31.5
	eyeRightZeroMM     = 91.0
)

// RigGeometry describes the physical configuration of the haploscope for one
// session. All distances are strictly positive; ComputePositions rejects
// anything else. The session-level geometry is immutable; individual stimuli
// may override the IOD and focal distance through Overrides.
type RigGeometry struct {
	IODMM            float64 // interocular distance
	FocalDistanceMM  float64 // mirrors to focal plane
	ScreenDistanceMM float64 // mirrors to display surface
	MonitorWidthMM   float64
	MonitorHeightMM  float64
	ResolutionX      int
	ResolutionY      int
}

// DefaultRigGeometry returns the geometry of the lab rig as measured at its
// last service: paired 4K displays, 343x187 mm panels.
func DefaultRigGeometry() RigGeometry {
	return RigGeometry{
		IODMM:            65.0,
		FocalDistanceMM:  500.0,
		ScreenDistanceMM: 500.0,
		MonitorWidthMM:   343.0,
		MonitorHeightMM:  187.0,
		ResolutionX:      3840,
		ResolutionY:      2160,
	}
}

// Overrides carries per-stimulus parameter overrides. A nil field means "use
// the session value". DisparityPX and CurvatureMM do not affect mechanical
// positions; they ride along so results and logs can report them.
type Overrides struct {
	IODMM           *float64
	FocalDistanceMM *float64
	DisparityPX     *float64
	CurvatureMM     *float64
	Label           string
}

// Viewport is the screen-space rectangle one eye's image is rendered into.
type Viewport struct {
	X      int
	Y      int
	Width  int
	Height int
}

// MechanicalPosition is the Calibration Engine's output: everything the rig
// and renderer need to present one stimulus. It is a pure function of the
// session geometry merged with the stimulus overrides, recomputed before
// every trial and never mutated afterwards.
type MechanicalPosition struct {
	// Effective parameters after the override merge.
	IODMM           float64
	FocalDistanceMM float64

	// Per-eye horizontal offsets from screen center, millimetres. The left
	// eye's offset is negative (towards the left edge).
	LeftEyeOffsetMM  float64
	RightEyeOffsetMM float64

	// Toe-in rotation of each eye's optical path, degrees.
	LeftEyeRotationDeg  float64
	RightEyeRotationDeg float64

	// Hardware stage positions relative to the rig's zero marks.
	DisplayLeftMM  float64
	DisplayRightMM float64
	EyeLeftMM      float64
	EyeRightMM     float64

	ViewportLeft  Viewport
	ViewportRight Viewport

	// Clipped is set when a viewport had to be clamped at a monitor bound.
	// The session continues with the degraded viewport rather than aborting.
	Clipped bool
}

// ValidationError reports malformed rig geometry. It is fatal to session
// start: the caller must refuse to run trials rather than default the value.
type ValidationError struct {
	Field string
	Value float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rig geometry: %s = %g (must be positive)", e.Field, e.Value)
}

// merge applies the stimulus overrides on top of the session geometry.
// Total and side-effect-free: identical inputs yield identical output.
func merge(rig RigGeometry, ov Overrides) RigGeometry {
	merged := rig
	if ov.IODMM != nil {
		merged.IODMM = *ov.IODMM
	}
	if ov.FocalDistanceMM != nil {
		merged.FocalDistanceMM = *ov.FocalDistanceMM
	}
	return merged
}

func validate(g RigGeometry) error {
	checks := []struct {
		field string
		value float64
	}{
		{"iod_mm", g.IODMM},
		{"focal_distance_mm", g.FocalDistanceMM},
		{"screen_distance_mm", g.ScreenDistanceMM},
		{"monitor_width_mm", g.MonitorWidthMM},
		{"monitor_height_mm", g.MonitorHeightMM},
		{"resolution_x", float64(g.ResolutionX)},
		{"resolution_y", float64(g.ResolutionY)},
	}
	for _, c := range checks {
		if c.value <= 0 {
			return &ValidationError{Field: c.field, Value: c.value}
		}
	}
	return nil
}

// ComputePositions maps rig geometry plus per-stimulus overrides to the
// mechanical and viewport positions for one stimulus.
//
// The merge policy is: a non-nil override wins, otherwise the session value
// is used. The computation is deterministic and has no side effects, so
// repeated calls with identical inputs return bit-identical output.
//
// Each eye's horizontal offset from screen center is half the interocular
// distance scaled by the ratio of screen distance to focal distance. Toe-in
// rotation follows from atan2(iod/2, focal). Viewports are half-monitor
// panes shifted by the pixel offset and clamped to the monitor bounds; a
// clamped viewport never goes below one pixel wide, it only sets Clipped.
func ComputePositions(rig RigGeometry, ov Overrides) (MechanicalPosition, error) {
	g := merge(rig, ov)
	if err := validate(g); err != nil {
		return MechanicalPosition{}, err
	}

	half := g.IODMM / 2.0
	offsetMM := half * g.ScreenDistanceMM / g.FocalDistanceMM
	angleDeg := math.Atan2(half, g.FocalDistanceMM) * 180.0 / math.Pi

	// px per mm along each axis
	densityX := float64(g.ResolutionX) / g.MonitorWidthMM
	offsetPX := int(math.Round(offsetMM * densityX))

	focalDelta := math.Abs(g.FocalDistanceMM) - MinFocalDistanceMM
	iodDelta := (math.Abs(g.IODMM) - MinIODMM) / 2.0

	pos := MechanicalPosition{
		IODMM:           g.IODMM,
		FocalDistanceMM: g.FocalDistanceMM,

		LeftEyeOffsetMM:  -offsetMM,
		RightEyeOffsetMM: offsetMM,

		LeftEyeRotationDeg:  angleDeg,
		RightEyeRotationDeg: -angleDeg,

		DisplayLeftMM:  displayLeftZeroMM - focalDelta,
		DisplayRightMM: displayRightZeroMM + focalDelta,
		EyeLeftMM:      eyeLeftZeroMM - iodDelta,
		EyeRightMM:     eyeRightZeroMM + iodDelta,
	}

	var clippedLeft, clippedRight bool
	pos.ViewportLeft, clippedLeft = shiftedViewport(g, -offsetPX)
	pos.ViewportRight, clippedRight = shiftedViewport(g, offsetPX)
	pos.Clipped = clippedLeft || clippedRight

	return pos, nil
}

// shiftedViewport builds one eye's pane: half the monitor wide, full height,
// nominally centered, shifted horizontally by shift pixels. The pane is
// clamped to [0, ResolutionX); a pane pushed entirely past a bound
// degenerates to a one-pixel strip at that bound.
func shiftedViewport(g RigGeometry, shift int) (Viewport, bool) {
	width := g.ResolutionX / 2
	x := (g.ResolutionX-width)/2 + shift

	clipped := false
	if x < 0 {
		width += x // shrink by the overhang
		x = 0
		clipped = true
	}
	if x+width > g.ResolutionX {
		width = g.ResolutionX - x
		clipped = true
	}
	if width < 1 {
		width = 1
		clipped = true
		if x > g.ResolutionX-1 {
			x = g.ResolutionX - 1
		}
	}

	return Viewport{X: x, Y: 0, Width: width, Height: g.ResolutionY}, clipped
}

// HardwareSummary returns the calibration values keyed by the legacy console
// field names, so dry-run printouts line up with historical lab notebooks.
func (p MechanicalPosition) HardwareSummary() map[string]float64 {
	return map[string]float64{
		"DISPLAY_LEFT":  p.DisplayLeftMM,
		"DISPLAY_RIGHT": p.DisplayRightMM,
		"EYE_LEFT":      p.EyeLeftMM,
		"EYE_RIGHT":     p.EyeRightMM,
		"ANGLE":         p.LeftEyeRotationDeg,
	}
}
