package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/haploscope"
)

func TestApplyRigOverride(t *testing.T) {
	rig := haploscope.DefaultRigGeometry()

	require.NoError(t, applyRigOverride(&rig.IODMM, "iod-mm", 70))
	assert.Equal(t, 70.0, rig.IODMM)

	require.NoError(t, applyRigOverride(&rig.FocalDistanceMM, "focal-distance-mm", 0))
	assert.Equal(t, 500.0, rig.FocalDistanceMM, "zero keeps the rig default")

	err := applyRigOverride(&rig.IODMM, "iod-mm", -5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--iod-mm")
	assert.Equal(t, 70.0, rig.IODMM, "a rejected value changes nothing")
}

func TestDryRunReport(t *testing.T) {
	catalog := []haploscope.StimulusDescriptor{
		{ID: "cyl_squash_01", LeftImage: "cyl_squash_01_L.png", RightImage: "cyl_squash_01_R.png"},
	}

	var buf strings.Builder
	require.NoError(t, dryRunReport(&buf, catalog, haploscope.DefaultRigGeometry()))

	out := buf.String()
	assert.Contains(t, out, "Dry-run: 1 stimuli loaded.")
	assert.Contains(t, out, "cyl_squash_01")
	assert.Contains(t, out, "DISPLAY_LEFT")
	assert.Contains(t, out, "ANGLE")
	assert.Contains(t, out, "Dry-run complete.")
}
