package haploscope

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/haploscope/fault"
)

// Config holds the session parameters. It is an immutable value passed into
// the scheduler constructor; nothing in the package mutates it after that.
type Config struct {
	// MaxTrials caps the session; the catalog is truncated, never reordered
	// or sampled.
	MaxTrials int
	// BreakAfterTrials inserts a rest break after every Nth completed trial.
	BreakAfterTrials int
	BreakDuration    time.Duration
	// BreakResumeKey resumes a break early. Empty disables early resume and
	// every break runs its full countdown.
	BreakResumeKey string
	BreakMessage   string

	FixationDuration time.Duration
	StimulusDuration time.Duration
	// PromptDuration bounds the response wait. It is ignored when
	// PromptWaitsForever is set, which is the explicit way to configure an
	// unbounded prompt; a zero duration on its own is a config error, not a
	// hidden "wait forever".
	PromptDuration     time.Duration
	PromptWaitsForever bool
	PromptMessage      string

	// AcceptEarlyResponses lets a recognized key during STIMULUS count as
	// the response, with reaction time measured from stimulus onset.
	AcceptEarlyResponses bool

	// ResponseKeys maps semantic labels to input keys, e.g.
	// {"squashed": "1", "stretched": "2"}.
	ResponseKeys map[string]string
	// QuitKeys abort the session from any phase.
	QuitKeys []string

	Debug bool
	// FrameCaptureDir, when non-empty, saves a PNG of each phase view for
	// debugging.
	FrameCaptureDir string
}

// DefaultConfig returns the task defaults: 60 trials, a 120 s break after
// every 30th, 0.75 s fixation, 1.5 s stimulus, 5 s response window, and the
// keypad mapping 1=squashed / 2=stretched used by the original task.
func DefaultConfig() Config {
	return Config{
		MaxTrials:        60,
		BreakAfterTrials: 30,
		BreakDuration:    120 * time.Second,
		BreakResumeKey:   "3",
		BreakMessage:     "Take a short rest. The task resumes automatically.",

		FixationDuration: 750 * time.Millisecond,
		StimulusDuration: 1500 * time.Millisecond,
		PromptDuration:   5 * time.Second,
		PromptMessage:    "Did the surface appear squashed or stretched?",

		ResponseKeys: map[string]string{
			"squashed":  "1",
			"stretched": "2",
		},
		QuitKeys: []string{"esc"},
	}
}

// Validate rejects configurations that would hang or corrupt a session.
func (c Config) Validate() error {
	if c.MaxTrials <= 0 {
		return fmt.Errorf("config: max_trials must be positive, got %d", c.MaxTrials)
	}
	if c.BreakAfterTrials <= 0 {
		return fmt.Errorf("config: break_after_trials must be positive, got %d", c.BreakAfterTrials)
	}
	if c.BreakDuration <= 0 {
		return fmt.Errorf("config: break_duration must be positive, got %v", c.BreakDuration)
	}
	if c.FixationDuration <= 0 || c.StimulusDuration <= 0 {
		return fmt.Errorf("config: fixation and stimulus durations must be positive")
	}
	if !c.PromptWaitsForever && c.PromptDuration <= 0 {
		return fmt.Errorf("config: prompt_duration must be positive unless prompt_waits_forever is set")
	}
	if len(c.ResponseKeys) == 0 {
		return fmt.Errorf("config: at least one response key mapping is required")
	}
	seen := make(map[string]string, len(c.ResponseKeys))
	for label, key := range c.ResponseKeys {
		if key == "" {
			return fmt.Errorf("config: response label %q maps to an empty key", label)
		}
		if other, dup := seen[key]; dup {
			return fmt.Errorf("config: key %q mapped to both %q and %q", key, other, label)
		}
		seen[key] = label
	}
	return nil
}

// BreakEvent records one rest break: where it fell, how long it was meant to
// run, how long it actually ran, and whether the participant resumed early.
type BreakEvent struct {
	AfterTrial   int
	Planned      time.Duration
	Actual       time.Duration
	ResumedEarly bool
}

// SessionRecord wraps everything one session produced: the ordered results
// sequence (exactly one entry per attempted stimulus), the break events, and
// identifying metadata for the result sink.
type SessionRecord struct {
	ID          string
	Participant string
	StartedAt   time.Time
	EndedAt     time.Time
	Config      Config
	Rig         RigGeometry
	Results     []TrialResult
	Breaks      []BreakEvent
	Cancelled   bool
}

// Scheduler iterates a stimulus catalog through the trial sequencer,
// recomputing calibration before every trial, inserting breaks at the
// configured interval, and stopping cleanly on cancellation.
//
// Only the scheduler mutates session state; the sequencer returns results by
// value and never touches the session directly.
type Scheduler struct {
	surface Surface
	rig     RigGeometry
	cfg     Config
	seq     *TrialSequencer
	log     *slog.Logger
	faults  *fault.Handler
}

// NewScheduler validates the configuration and rig geometry and wires a
// scheduler. Validation failures are fatal: a session must never start on
// malformed geometry or a config that could hang it.
func NewScheduler(surface Surface, rig RigGeometry, cfg Config, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// Probe the session geometry with an empty override set so bad geometry
	// surfaces here, before any participant is seated.
	if _, err := ComputePositions(rig, Overrides{}); err != nil {
		return nil, err
	}

	return &Scheduler{
		surface: surface,
		rig:     rig,
		cfg:     cfg,
		seq:     NewTrialSequencer(surface, cfg, log),
		log:     log,
		faults:  fault.NewHandler("session", nil),
	}, nil
}

// Faults returns the fault handler with everything recorded this session.
func (s *Scheduler) Faults() *fault.Handler { return s.faults }

// RunSession runs the catalog through the trial sequencer and returns the
// session record. The catalog is truncated to MaxTrials in order. A
// cancelled trial stops the session with the results collected so far; that
// is a clean termination, not an error. The returned record holds exactly
// one result per attempted stimulus, in catalog order.
func (s *Scheduler) RunSession(catalog []StimulusDescriptor) (*SessionRecord, error) {
	if len(catalog) > s.cfg.MaxTrials {
		s.log.Info("truncating catalog", "stimuli", len(catalog), "max_trials", s.cfg.MaxTrials)
		catalog = catalog[:s.cfg.MaxTrials]
	}

	rec := &SessionRecord{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Config:    s.cfg,
		Rig:       s.rig,
		Results:   make([]TrialResult, 0, len(catalog)),
	}

	completed := 0
	nextBreak := s.cfg.BreakAfterTrials

	for i, stim := range catalog {
		// Recomputed every trial; positions are never cached across
		// stimuli with different overrides.
		pos, err := ComputePositions(s.rig, stim.Overrides)
		if err != nil {
			s.faults.Record(fault.New("calibration", err.Error(), fault.Fatal).
				WithContext("stimulus", stim.ID))
			rec.EndedAt = time.Now()
			return rec, fmt.Errorf("stimulus %q: %w", stim.ID, err)
		}
		if pos.Clipped {
			s.faults.Record(fault.New("calibration", "viewport clipped at monitor bound", fault.Degraded).
				WithContext("stimulus", stim.ID))
			s.log.Warn("degraded calibration: viewport clipped", "stimulus", stim.ID)
		}

		s.log.Debug("starting trial", "index", i+1, "stimulus", stim.ID)
		res := s.seq.Run(stim, pos)
		rec.Results = append(rec.Results, res)

		if res.Cancelled {
			rec.Cancelled = true
			s.faults.Record(fault.New("session", "cancelled by participant", fault.Abort).
				WithContext("trial", i+1))
			s.log.Info("session cancelled", "trials_run", len(rec.Results))
			break
		}
		completed++

		if completed == nextBreak {
			if i+1 >= len(catalog) {
				// Threshold crossed by the final trial: nothing follows,
				// so no break.
				s.log.Debug("skipping break after final trial", "completed", completed)
				continue
			}
			ev := s.runBreak(completed)
			rec.Breaks = append(rec.Breaks, ev)
			nextBreak += s.cfg.BreakAfterTrials
			if s.surface.Cancelled() {
				rec.Cancelled = true
				s.log.Info("session cancelled during break", "trials_run", len(rec.Results))
				break
			}
		}
	}

	rec.EndedAt = time.Now()
	s.log.Info("session finished",
		"trials_run", len(rec.Results),
		"breaks", len(rec.Breaks),
		"cancelled", rec.Cancelled)
	return rec, nil
}

// runBreak shows the countdown until it reaches zero, the participant
// presses the resume key, or the session is cancelled. The countdown is
// redrawn once per second; resume and cancellation are polled much faster.
func (s *Scheduler) runBreak(afterTrial int) BreakEvent {
	ev := BreakEvent{AfterTrial: afterTrial, Planned: s.cfg.BreakDuration}
	s.surface.DrainInput()

	var elapsed time.Duration
	lastShown := time.Duration(-1)
	for elapsed < ev.Planned {
		if s.surface.Cancelled() {
			break
		}
		remaining := ev.Planned - elapsed
		if sec := remaining.Truncate(time.Second); sec != lastShown {
			s.surface.Show(Frame{Phase: PhaseBreak, Text: s.cfg.BreakMessage, Remaining: remaining})
			lastShown = sec
		}
		if s.cfg.BreakResumeKey != "" {
			if _, ok := s.surface.PollResponse([]string{s.cfg.BreakResumeKey}); ok {
				ev.ResumedEarly = true
				break
			}
		}
		step := pollInterval
		if rem := ev.Planned - elapsed; rem < step {
			step = rem
		}
		elapsed += s.surface.WaitForElapsed(step)
	}

	ev.Actual = elapsed
	s.log.Info("break finished", "after_trial", afterTrial, "actual", elapsed, "resumed_early", ev.ResumedEarly)
	return ev
}
