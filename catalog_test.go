package haploscope

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.White)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func writePair(t *testing.T, dir, id string, w, h int) {
	t.Helper()
	writePNG(t, filepath.Join(dir, id+"_L.png"), w, h)
	writePNG(t, filepath.Join(dir, id+"_R.png"), w, h)
}

func TestLoadCatalog_SortedPairs(t *testing.T) {
	dir := t.TempDir()
	writePair(t, dir, "cyl_squash_02", 64, 48)
	writePair(t, dir, "cyl_stretch_01", 64, 48)
	writePair(t, dir, "cyl_squash_01", 64, 48)

	catalog, err := LoadCatalog(dir)
	require.NoError(t, err)
	require.Len(t, catalog, 3)

	assert.Equal(t, "cyl_squash_01", catalog[0].ID)
	assert.Equal(t, "cyl_squash_02", catalog[1].ID)
	assert.Equal(t, "cyl_stretch_01", catalog[2].ID)

	assert.Equal(t, filepath.Join(dir, "cyl_squash_01_L.png"), catalog[0].LeftImage)
	assert.Equal(t, filepath.Join(dir, "cyl_squash_01_R.png"), catalog[0].RightImage)
}

func TestLoadCatalog_Sidecar(t *testing.T) {
	dir := t.TempDir()
	writePair(t, dir, "cyl_01", 64, 48)
	sidecar := `{"label": "stretched", "iod_mm": 70.5, "disparity_px": 12}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cyl_01.json"), []byte(sidecar), 0o644))

	catalog, err := LoadCatalog(dir)
	require.NoError(t, err)
	require.Len(t, catalog, 1)

	ov := catalog[0].Overrides
	assert.Equal(t, "stretched", ov.Label)
	require.NotNil(t, ov.IODMM)
	assert.Equal(t, 70.5, *ov.IODMM)
	require.NotNil(t, ov.DisparityPX)
	assert.Equal(t, 12.0, *ov.DisparityPX)
	assert.Nil(t, ov.FocalDistanceMM, "absent sidecar fields stay unset")
	assert.Nil(t, ov.CurvatureMM)
}

func TestLoadCatalog_RejectsNonPositiveOverrides(t *testing.T) {
	cases := []struct {
		name    string
		sidecar string
		want    string
	}{
		{"negative iod", `{"iod_mm": -5}`, "iod_mm = -5"},
		{"zero iod", `{"iod_mm": 0}`, "iod_mm = 0"},
		{"negative focal", `{"focal_distance_mm": -387.5}`, "focal_distance_mm = -387.5"},
		{"zero focal", `{"focal_distance_mm": 0}`, "focal_distance_mm = 0"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writePair(t, dir, "cyl_01", 64, 48)
			writePair(t, dir, "cyl_02", 64, 48)
			require.NoError(t, os.WriteFile(filepath.Join(dir, "cyl_02.json"), []byte(tc.sidecar), 0o644))

			// The bad value aborts the load; it must never survive into a
			// catalog where only the trial that reaches it would fail.
			_, err := LoadCatalog(dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "cyl_02")
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadCatalog_OverridesComputePositions(t *testing.T) {
	// Every override a load accepts must be computable, so a session built
	// on a loaded catalog cannot hit a calibration error mid-run.
	dir := t.TempDir()
	writePair(t, dir, "cyl_01", 64, 48)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cyl_01.json"),
		[]byte(`{"iod_mm": 58.0, "focal_distance_mm": 400.0}`), 0o644))

	catalog, err := LoadCatalog(dir)
	require.NoError(t, err)

	for _, stim := range catalog {
		_, err := ComputePositions(DefaultRigGeometry(), stim.Overrides)
		assert.NoError(t, err)
	}
}

func TestLoadCatalog_MalformedSidecar(t *testing.T) {
	dir := t.TempDir()
	writePair(t, dir, "cyl_01", 64, 48)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cyl_01.json"), []byte("not json"), 0o644))

	_, err := LoadCatalog(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cyl_01")
}

func TestLoadCatalog_MissingRightEye(t *testing.T) {
	dir := t.TempDir()
	writePair(t, dir, "cyl_01", 64, 48)
	writePNG(t, filepath.Join(dir, "cyl_02_L.png"), 64, 48)

	_, err := LoadCatalog(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cyl_02_R.png")
}

func TestLoadCatalog_DimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "cyl_01_L.png"), 64, 48)
	writePNG(t, filepath.Join(dir, "cyl_01_R.png"), 64, 50)

	_, err := LoadCatalog(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimensions differ")
}

func TestLoadCatalog_EmptyDirectory(t *testing.T) {
	_, err := LoadCatalog(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no stereo stimuli")
}

func TestLoadCatalog_MissingDirectory(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestStimulusDescriptor_Label(t *testing.T) {
	assert.Equal(t, "flat", StimulusDescriptor{ID: "cyl_squash_01", Overrides: Overrides{Label: "flat"}}.Label(),
		"sidecar label wins over the id")
	assert.Equal(t, "squashed", StimulusDescriptor{ID: "cyl_SQUASH_01"}.Label())
	assert.Equal(t, "stretched", StimulusDescriptor{ID: "cyl_stretch_03"}.Label())
	assert.Equal(t, "", StimulusDescriptor{ID: "cyl_03"}.Label())
}
