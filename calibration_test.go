package haploscope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func TestComputePositions_DefaultGeometry(t *testing.T) {
	pos, err := ComputePositions(DefaultRigGeometry(), Overrides{})
	require.NoError(t, err)

	assert.Equal(t, 65.0, pos.IODMM)
	assert.Equal(t, 500.0, pos.FocalDistanceMM)

	// Screen distance equals focal distance, so each eye sits half the IOD
	// from center.
	assert.InDelta(t, -32.5, pos.LeftEyeOffsetMM, 1e-9)
	assert.InDelta(t, 32.5, pos.RightEyeOffsetMM, 1e-9)

	// atan2(32.5, 500) in degrees; the eyes toe in symmetrically.
	assert.InDelta(t, 3.7190, pos.LeftEyeRotationDeg, 1e-3)
	assert.InDelta(t, -pos.LeftEyeRotationDeg, pos.RightEyeRotationDeg, 1e-9)

	assert.False(t, pos.Clipped)
}

func TestComputePositions_Deterministic(t *testing.T) {
	rig := DefaultRigGeometry()
	ov := Overrides{IODMM: floatPtr(61.0), FocalDistanceMM: floatPtr(450.0)}

	a, err := ComputePositions(rig, ov)
	require.NoError(t, err)
	b, err := ComputePositions(rig, ov)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestComputePositions_OverrideMerge(t *testing.T) {
	rig := DefaultRigGeometry()

	pos, err := ComputePositions(rig, Overrides{IODMM: floatPtr(70.0)})
	require.NoError(t, err)
	assert.Equal(t, 70.0, pos.IODMM)
	assert.Equal(t, 500.0, pos.FocalDistanceMM, "unset fields keep the session value")
	assert.InDelta(t, 35.0, pos.RightEyeOffsetMM, 1e-9)

	// The input structs are untouched.
	assert.Equal(t, 65.0, rig.IODMM)
}

func TestComputePositions_HardwareStagePositions(t *testing.T) {
	pos, err := ComputePositions(DefaultRigGeometry(), Overrides{})
	require.NoError(t, err)

	// focal 500 is 112.5 mm past the near stop; IOD 65 is 9 mm past the
	// minimum, split across the two eye stages.
	assert.InDelta(t, 438.5, pos.DisplayLeftMM, 1e-9)
	assert.InDelta(t, 113.5, pos.DisplayRightMM, 1e-9)
	assert.InDelta(t, 27.0, pos.EyeLeftMM, 1e-9)
	assert.InDelta(t, 95.5, pos.EyeRightMM, 1e-9)

	summary := pos.HardwareSummary()
	assert.Equal(t, pos.DisplayLeftMM, summary["DISPLAY_LEFT"])
	assert.Equal(t, pos.DisplayRightMM, summary["DISPLAY_RIGHT"])
	assert.Equal(t, pos.EyeLeftMM, summary["EYE_LEFT"])
	assert.Equal(t, pos.EyeRightMM, summary["EYE_RIGHT"])
	assert.Equal(t, pos.LeftEyeRotationDeg, summary["ANGLE"])
}

func TestComputePositions_Viewports(t *testing.T) {
	pos, err := ComputePositions(DefaultRigGeometry(), Overrides{})
	require.NoError(t, err)

	// 32.5 mm at 3840px/343mm rounds to 364 px.
	assert.Equal(t, Viewport{X: 596, Y: 0, Width: 1920, Height: 2160}, pos.ViewportLeft)
	assert.Equal(t, Viewport{X: 1324, Y: 0, Width: 1920, Height: 2160}, pos.ViewportRight)
}

func TestComputePositions_ClipsAtMonitorBounds(t *testing.T) {
	// A short focal distance magnifies the offset past the pane's slack.
	pos, err := ComputePositions(DefaultRigGeometry(), Overrides{FocalDistanceMM: floatPtr(100.0)})
	require.NoError(t, err)

	assert.True(t, pos.Clipped)
	assert.Equal(t, 0, pos.ViewportLeft.X)
	assert.Less(t, pos.ViewportLeft.Width, 1920)
	assert.Equal(t, 3840, pos.ViewportRight.X+pos.ViewportRight.Width)
}

func TestComputePositions_ExtremeOffsetKeepsOnePixel(t *testing.T) {
	// Offsets wider than the monitor itself degenerate each pane to a
	// one-pixel strip at the bound instead of a zero or negative width.
	pos, err := ComputePositions(DefaultRigGeometry(), Overrides{FocalDistanceMM: floatPtr(40.0)})
	require.NoError(t, err)

	assert.True(t, pos.Clipped)
	assert.GreaterOrEqual(t, pos.ViewportLeft.Width, 1)
	assert.GreaterOrEqual(t, pos.ViewportRight.Width, 1)
	assert.Equal(t, Viewport{X: 0, Y: 0, Width: 1, Height: 2160}, pos.ViewportLeft)
	assert.Equal(t, Viewport{X: 3839, Y: 0, Width: 1, Height: 2160}, pos.ViewportRight)
}

func TestComputePositions_RejectsNonPositiveGeometry(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*RigGeometry)
		ov     Overrides
		field  string
	}{
		{"zero iod", func(g *RigGeometry) { g.IODMM = 0 }, Overrides{}, "iod_mm"},
		{"negative focal", func(g *RigGeometry) { g.FocalDistanceMM = -10 }, Overrides{}, "focal_distance_mm"},
		{"zero resolution", func(g *RigGeometry) { g.ResolutionX = 0 }, Overrides{}, "resolution_x"},
		{"zero monitor width", func(g *RigGeometry) { g.MonitorWidthMM = 0 }, Overrides{}, "monitor_width_mm"},
		{"override iod zero", func(g *RigGeometry) {}, Overrides{IODMM: floatPtr(0)}, "iod_mm"},
		{"override focal negative", func(g *RigGeometry) {}, Overrides{FocalDistanceMM: floatPtr(-1)}, "focal_distance_mm"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rig := DefaultRigGeometry()
			tc.mutate(&rig)

			_, err := ComputePositions(rig, tc.ov)
			require.Error(t, err)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tc.field, vErr.Field)
		})
	}
}
