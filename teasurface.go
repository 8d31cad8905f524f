package haploscope

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TeaSurface presents the task on a terminal through a BubbleTea program:
// a fixation cross, the left/right stimulus panes positioned per the
// calibration output, the response prompt with its key mapping, and the
// break countdown. A configured quit key raises the cancellation signal
// from any phase.
//
// The surface is the only concurrent piece of the runner: the BubbleTea
// program runs on its own goroutine and communicates with the sequencer
// through a buffered key channel and an atomic cancellation flag. The
// sequencer itself stays single-threaded and just polls.
type TeaSurface struct {
	cfg      Config
	program  *tea.Program
	keys     chan string
	cancel   atomic.Bool
	runErr   chan error
	started  bool
	recorder *FrameRecorder
	frameSeq int
}

// frameMsg delivers the next phase frame to the surface model.
type frameMsg struct {
	frame Frame
}

// NewTeaSurface creates a terminal surface for the given session config.
// When Config.FrameCaptureDir is set, every shown frame is also rendered to
// a PNG there for debugging.
func NewTeaSurface(cfg Config) *TeaSurface {
	s := &TeaSurface{
		cfg:    cfg,
		keys:   make(chan string, 16),
		runErr: make(chan error, 1),
	}
	if cfg.FrameCaptureDir != "" {
		s.recorder = NewFrameRecorder(DefaultFrameConfig(cfg.FrameCaptureDir))
	}
	return s
}

// Start launches the BubbleTea program on its own goroutine. It must be
// called before the scheduler runs and balanced with Stop.
func (s *TeaSurface) Start() error {
	if s.started {
		return nil
	}

	model := surfaceModel{surface: s, frame: Frame{Phase: PhaseIdle}}
	s.program = tea.NewProgram(model, tea.WithAltScreen())

	go func() {
		_, err := s.program.Run()
		s.runErr <- err
	}()

	s.started = true
	return nil
}

// Stop quits the program and waits for it to release the terminal.
func (s *TeaSurface) Stop() {
	if !s.started {
		return
	}
	s.program.Quit()
	select {
	case <-s.runErr:
	case <-time.After(2 * time.Second):
	}
	s.started = false
}

// Show implements Surface.
func (s *TeaSurface) Show(frame Frame) {
	if s.program != nil {
		s.program.Send(frameMsg{frame: frame})
	}
	if s.recorder != nil {
		name := fmt.Sprintf("frame_%04d_%s", s.frameSeq, frame.Phase)
		s.frameSeq++
		// Capture failures degrade debugging, never the session.
		_ = s.recorder.CaptureText(renderFrameText(frame), name)
	}
}

// WaitForElapsed implements Surface: a plain wall-clock sleep, reporting
// what actually elapsed.
func (s *TeaSurface) WaitForElapsed(d time.Duration) time.Duration {
	start := time.Now()
	time.Sleep(d)
	return time.Since(start)
}

// PollResponse implements Surface. Keypresses that are not in keys are
// discarded so stale input cannot satisfy a later poll.
func (s *TeaSurface) PollResponse(keys []string) (string, bool) {
	for {
		select {
		case k := <-s.keys:
			for _, want := range keys {
				if k == want {
					return k, true
				}
			}
		default:
			return "", false
		}
	}
}

// Cancelled implements Surface.
func (s *TeaSurface) Cancelled() bool {
	return s.cancel.Load()
}

// DrainInput implements Surface.
func (s *TeaSurface) DrainInput() {
	for {
		select {
		case <-s.keys:
		default:
			return
		}
	}
}

// pushKey routes a keypress from the program goroutine to the sequencer.
// Quit keys flip the cancellation flag instead of entering the key buffer.
func (s *TeaSurface) pushKey(key string) {
	for _, quit := range s.cfg.QuitKeys {
		if key == quit {
			s.cancel.Store(true)
			return
		}
	}
	select {
	case s.keys <- key:
	default:
		// Buffer full: drop. Only the freshest input matters during a poll.
	}
}

var (
	fixationStyle = lipgloss.NewStyle().Bold(true)
	paneStyle     = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			Padding(1, 3).
			Align(lipgloss.Center)
	promptStyle = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	optionStyle = lipgloss.NewStyle().Faint(true)
	breakStyle  = lipgloss.NewStyle().Bold(true)
)

// surfaceModel is the BubbleTea model behind TeaSurface. It only renders
// the current frame and routes keys; all sequencing decisions live in the
// sequencer and scheduler.
type surfaceModel struct {
	surface *TeaSurface
	frame   Frame
	width   int
	height  int
}

func (m surfaceModel) Init() tea.Cmd {
	return nil
}

func (m surfaceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			m.surface.cancel.Store(true)
			return m, nil
		}
		m.surface.pushKey(msg.String())
	case frameMsg:
		m.frame = msg.frame
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	}
	return m, nil
}

func (m surfaceModel) View() string {
	content := renderFrameText(m.frame)
	if m.width == 0 || m.height == 0 {
		return content
	}
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, content)
}

// renderFrameText renders a phase frame to styled text. It is a pure
// function of the frame so the debug frame recorder can reuse it.
func renderFrameText(frame Frame) string {
	switch frame.Phase {
	case PhaseFixation:
		return fixationStyle.Render("+")

	case PhaseStimulus:
		left := paneStyle.Render(stimulusPane("L", frame, frame.Position.ViewportLeft))
		right := paneStyle.Render(stimulusPane("R", frame, frame.Position.ViewportRight))
		return lipgloss.JoinHorizontal(lipgloss.Center, left, "   ", right)

	case PhasePrompt:
		var b strings.Builder
		b.WriteString(promptStyle.Render(frame.Text))
		for _, opt := range frame.Options {
			b.WriteString("\n")
			b.WriteString(optionStyle.Render(fmt.Sprintf("%s = %s", opt.Key, opt.Label)))
		}
		return b.String()

	case PhaseBreak:
		secs := int(frame.Remaining.Round(time.Second).Seconds())
		return breakStyle.Render(frame.Text) + "\n\n" +
			fmt.Sprintf("Resuming in %d s", secs)

	case PhaseCancelled:
		return "Session ended."

	default:
		return "Waiting..."
	}
}

// stimulusPane describes one eye's pane: which image it carries and where
// calibration put it. The terminal stands in for the haploscope displays,
// so the pane reports positions rather than rendering pixels.
func stimulusPane(eye string, frame Frame, vp Viewport) string {
	name := ""
	if frame.Stimulus != nil {
		if eye == "L" {
			name = frame.Stimulus.LeftImage
		} else {
			name = frame.Stimulus.RightImage
		}
		if i := strings.LastIndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		}
	}
	return fmt.Sprintf("%s\n%s\n@%d,%d %dx%d", eye, name, vp.X, vp.Y, vp.Width, vp.Height)
}
