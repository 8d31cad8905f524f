package haploscope

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	// PNG decoding for stereo pair validation.
	_ "image/png"
)

// StimulusDescriptor identifies one stereo image pair and its optional
// per-stimulus parameter overrides. Descriptors are built once at catalog
// load and read-only afterwards.
type StimulusDescriptor struct {
	ID         string
	LeftImage  string
	RightImage string
	Overrides  Overrides
}

// Label returns the human-readable stimulus label: the sidecar label when
// present, otherwise a guess from the id, otherwise empty.
func (s StimulusDescriptor) Label() string {
	if s.Overrides.Label != "" {
		return s.Overrides.Label
	}
	lower := strings.ToLower(s.ID)
	switch {
	case strings.Contains(lower, "squash"):
		return "squashed"
	case strings.Contains(lower, "stretch"):
		return "stretched"
	}
	return ""
}

// sidecar is the JSON shape of a per-stimulus metadata file. All fields are
// optional; absent fields fall back to the session geometry.
type sidecar struct {
	Label           string   `json:"label"`
	IODMM           *float64 `json:"iod_mm"`
	FocalDistanceMM *float64 `json:"focal_distance_mm"`
	DisparityPX     *float64 `json:"disparity_px"`
	CurvatureMM     *float64 `json:"curvature_mm"`
}

// LoadCatalog loads stereo pairs from dir, sorted by stimulus id.
//
// Pairs are PNG files named <id>_L.png and <id>_R.png. An optional <id>.json
// sidecar attaches overrides (iod_mm, focal_distance_mm, disparity_px,
// curvature_mm, label). Loading fails fast on a missing right-eye image, a
// malformed sidecar, a non-positive geometry override, a pair whose images
// decode to different pixel dimensions, or an empty directory: a bad catalog
// must be caught before the participant is seated, not mid-session.
func LoadCatalog(dir string) ([]StimulusDescriptor, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("stimulus directory %q: %w", dir, err)
	}

	lefts, err := filepath.Glob(filepath.Join(dir, "*_L.png"))
	if err != nil {
		return nil, fmt.Errorf("scan stimulus directory: %w", err)
	}
	sort.Strings(lefts)

	catalog := make([]StimulusDescriptor, 0, len(lefts))
	for _, left := range lefts {
		base := strings.TrimSuffix(filepath.Base(left), "_L.png")
		right := filepath.Join(dir, base+"_R.png")
		if _, err := os.Stat(right); err != nil {
			return nil, fmt.Errorf("right-eye image missing for %q: expected %q", filepath.Base(left), filepath.Base(right))
		}

		if err := checkPairDimensions(left, right); err != nil {
			return nil, fmt.Errorf("stimulus %q: %w", base, err)
		}

		ov, err := readSidecar(filepath.Join(dir, base+".json"))
		if err != nil {
			return nil, fmt.Errorf("stimulus %q: %w", base, err)
		}

		catalog = append(catalog, StimulusDescriptor{
			ID:         base,
			LeftImage:  left,
			RightImage: right,
			Overrides:  ov,
		})
	}

	if len(catalog) == 0 {
		return nil, fmt.Errorf("no stereo stimuli in %q: expected '*_L.png' / '*_R.png' pairs", dir)
	}
	return catalog, nil
}

// checkPairDimensions decodes both image headers and rejects pairs whose
// pixel dimensions differ. Mismatched panes would render with a vertical
// disparity the rig cannot correct for.
func checkPairDimensions(left, right string) error {
	lw, lh, err := imageSize(left)
	if err != nil {
		return err
	}
	rw, rh, err := imageSize(right)
	if err != nil {
		return err
	}
	if lw != rw || lh != rh {
		return fmt.Errorf("left/right dimensions differ: %dx%d vs %dx%d", lw, lh, rw, rh)
	}
	return nil
}

func imageSize(path string) (int, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	cfg, _, err := image.DecodeConfig(file)
	if err != nil {
		return 0, 0, fmt.Errorf("decode %q: %w", filepath.Base(path), err)
	}
	return cfg.Width, cfg.Height, nil
}

// readSidecar parses the optional metadata file next to a stereo pair.
// A missing file is fine; a file that is not a JSON object is not.
func readSidecar(path string) (Overrides, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Overrides{}, nil
	}
	if err != nil {
		return Overrides{}, fmt.Errorf("read sidecar: %w", err)
	}

	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return Overrides{}, fmt.Errorf("sidecar %q must contain a JSON object: %w", filepath.Base(path), err)
	}

	// Geometry overrides are validated here, not when the trial comes up:
	// a bad value must abort the load, never a seated session.
	if sc.IODMM != nil && *sc.IODMM <= 0 {
		return Overrides{}, fmt.Errorf("sidecar %q: iod_mm = %g (must be positive)", filepath.Base(path), *sc.IODMM)
	}
	if sc.FocalDistanceMM != nil && *sc.FocalDistanceMM <= 0 {
		return Overrides{}, fmt.Errorf("sidecar %q: focal_distance_mm = %g (must be positive)", filepath.Base(path), *sc.FocalDistanceMM)
	}

	return Overrides{
		IODMM:           sc.IODMM,
		FocalDistanceMM: sc.FocalDistanceMM,
		DisparityPX:     sc.DisparityPX,
		CurvatureMM:     sc.CurvatureMM,
		Label:           sc.Label,
	}, nil
}
