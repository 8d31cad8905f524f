package haploscope

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// FrameConfig defines how debug frames are rasterized.
type FrameConfig struct {
	Width      int        // frame width in characters
	Height     int        // frame height in characters
	Background color.RGBA // background color
	Foreground color.RGBA // text color
	OutputDir  string     // directory frames are written to
}

// DefaultFrameConfig renders white-on-black 80x24 frames into dir, matching
// the task's participant displays (dark background, light marks).
func DefaultFrameConfig(dir string) FrameConfig {
	return FrameConfig{
		Width:      80,
		Height:     24,
		Background: color.RGBA{0, 0, 0, 255},
		Foreground: color.RGBA{255, 255, 255, 255},
		OutputDir:  dir,
	}
}

// FrameRecorder rasterizes surface views to PNG files so a session that
// misbehaved can be reconstructed phase by phase afterwards. It is a debug
// facility: capture failures are reported but never interrupt a trial.
type FrameRecorder struct {
	config     FrameConfig
	buffer     [][]rune
	charWidth  int
	charHeight int
	font       font.Face
}

var ansiEscapes = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// NewFrameRecorder creates a recorder writing into config.OutputDir.
func NewFrameRecorder(config FrameConfig) *FrameRecorder {
	if config.OutputDir != "" {
		os.MkdirAll(config.OutputDir, 0755)
	}

	return &FrameRecorder{
		config:     config,
		buffer:     make([][]rune, config.Height),
		charWidth:  8,
		charHeight: 16,
		font:       basicfont.Face7x13,
	}
}

// CaptureText renders a styled view into the character buffer and writes it
// out as <name>.png. Styling escapes are stripped first; the capture records
// layout and content, not terminal colors.
func (r *FrameRecorder) CaptureText(view, name string) error {
	r.renderText(view)
	return r.capture(filepath.Join(r.config.OutputDir, name+".png"))
}

// renderText fills the character buffer from the view, clipping to the
// configured frame size.
func (r *FrameRecorder) renderText(view string) {
	for i := range r.buffer {
		if r.buffer[i] == nil {
			r.buffer[i] = make([]rune, r.config.Width)
		}
		for j := range r.buffer[i] {
			r.buffer[i][j] = ' '
		}
	}

	lines := strings.Split(view, "\n")
	for lineIdx, line := range lines {
		if lineIdx >= r.config.Height {
			break
		}
		clean := ansiEscapes.ReplaceAllString(line, "")
		for charIdx, char := range []rune(clean) {
			if charIdx >= r.config.Width {
				break
			}
			r.buffer[lineIdx][charIdx] = char
		}
	}
}

// capture rasterizes the buffer to a PNG file.
func (r *FrameRecorder) capture(filename string) error {
	width := r.config.Width * r.charWidth
	height := r.config.Height * r.charHeight

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, r.config.Background)
		}
	}

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(r.config.Foreground),
		Face: r.font,
	}

	for lineIdx, line := range r.buffer {
		for charIdx, char := range line {
			if char == ' ' || char == 0 {
				continue
			}

			x := charIdx * r.charWidth
			y := (lineIdx + 1) * r.charHeight
			drawer.Dot = fixed.Point26_6{
				X: fixed.Int26_6(x << 6),
				Y: fixed.Int26_6(y << 6),
			}
			drawer.DrawString(string(char))
		}
	}

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create frame file: %w", err)
	}
	defer file.Close()

	return png.Encode(file, img)
}
