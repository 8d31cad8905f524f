package haploscope

import (
	"log/slog"
	"sort"
	"time"
)

// Phase identifies one state of the trial state machine. A trial moves
// IDLE → FIXATION → STIMULUS → PROMPT and ends in exactly one of RESPONDED,
// TIMED_OUT, or CANCELLED before reaching DONE. Cancellation preempts every
// phase, including FIXATION and STIMULUS.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFixation
	PhaseStimulus
	PhasePrompt
	PhaseResponded
	PhaseTimedOut
	PhaseCancelled
	PhaseBreak
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFixation:
		return "fixation"
	case PhaseStimulus:
		return "stimulus"
	case PhasePrompt:
		return "prompt"
	case PhaseResponded:
		return "responded"
	case PhaseTimedOut:
		return "timed_out"
	case PhaseCancelled:
		return "cancelled"
	case PhaseBreak:
		return "break"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// pollInterval is how finely waits are sliced so that cancellation and
// keypresses are observed mid-phase rather than only at phase boundaries.
const pollInterval = 10 * time.Millisecond

// TrialResult records one attempted trial. Exactly one result exists per
// stimulus the sequencer attempted, including cancelled attempts, so the
// results sequence is a 1:1 audit trail of the session.
type TrialResult struct {
	StimulusID    string
	StimulusLabel string
	ResponseKey   string // empty when no response was collected
	ResponseLabel string
	ResponseTime  time.Duration // valid only when ResponseKey is set
	TimedOut      bool
	Cancelled     bool

	// Calibration is the position snapshot this trial ran under.
	Calibration MechanicalPosition

	// PhaseDurations holds the actual elapsed wall time per phase, which
	// may drift from the configured budgets; drift is reported, not
	// rounded away.
	PhaseDurations map[Phase]time.Duration

	Timestamp time.Time
}

// Outcome returns the terminal state this trial ended in.
func (r TrialResult) Outcome() Phase {
	switch {
	case r.Cancelled:
		return PhaseCancelled
	case r.TimedOut:
		return PhaseTimedOut
	default:
		return PhaseResponded
	}
}

// TrialSequencer drives a single stimulus through the trial state machine.
//
// The sequencer owns no mutable trial state between runs: calling Run twice
// with the same inputs produces two independent results. All waiting goes
// through the Surface so that timing and input can be scripted in tests.
type TrialSequencer struct {
	surface Surface
	cfg     Config
	log     *slog.Logger

	// response key mapping, fixed for the session
	keys    []string
	labels  map[string]string
	options []PromptOption
}

// NewTrialSequencer builds a sequencer for the session's response mapping.
func NewTrialSequencer(surface Surface, cfg Config, log *slog.Logger) *TrialSequencer {
	labels := make(map[string]string, len(cfg.ResponseKeys))
	keys := make([]string, 0, len(cfg.ResponseKeys))
	for label, key := range cfg.ResponseKeys {
		labels[key] = label
		keys = append(keys, key)
	}
	sort.Strings(keys)

	options := make([]PromptOption, 0, len(keys))
	for _, key := range keys {
		options = append(options, PromptOption{Key: key, Label: labels[key]})
	}

	return &TrialSequencer{
		surface: surface,
		cfg:     cfg,
		log:     log,
		keys:    keys,
		labels:  labels,
		options: options,
	}
}

// Run executes one trial for the given stimulus and precomputed position and
// returns its result. Control returns to the caller only from a terminal
// state; no phase transitions happen after that.
func (s *TrialSequencer) Run(stim StimulusDescriptor, pos MechanicalPosition) TrialResult {
	res := TrialResult{
		StimulusID:     stim.ID,
		StimulusLabel:  stim.Label(),
		Calibration:    pos,
		PhaseDurations: make(map[Phase]time.Duration),
		Timestamp:      time.Now(),
	}

	// FIXATION
	s.surface.Show(Frame{Phase: PhaseFixation})
	elapsed, cancelled := s.waitCancellable(s.cfg.FixationDuration)
	res.PhaseDurations[PhaseFixation] = elapsed
	if cancelled {
		return s.cancelled(res, PhaseFixation)
	}

	// STIMULUS. Buffered input from before stimulus onset must not count
	// as a response.
	s.surface.DrainInput()
	s.surface.Show(Frame{Phase: PhaseStimulus, Stimulus: &stim, Position: pos})
	if s.cfg.AcceptEarlyResponses {
		key, at, elapsed, cancelled := s.waitForKey(s.cfg.StimulusDuration, false)
		res.PhaseDurations[PhaseStimulus] = elapsed
		if cancelled {
			return s.cancelled(res, PhaseStimulus)
		}
		if key != "" {
			// Early response: reaction time runs from stimulus onset.
			return s.responded(res, key, at)
		}
	} else {
		elapsed, cancelled := s.waitCancellable(s.cfg.StimulusDuration)
		res.PhaseDurations[PhaseStimulus] = elapsed
		if cancelled {
			return s.cancelled(res, PhaseStimulus)
		}
	}

	// PROMPT
	s.surface.Show(Frame{Phase: PhasePrompt, Text: s.cfg.PromptMessage, Options: s.options})
	key, at, elapsed, cancelled := s.waitForKey(s.cfg.PromptDuration, s.cfg.PromptWaitsForever)
	res.PhaseDurations[PhasePrompt] = elapsed
	if cancelled {
		return s.cancelled(res, PhasePrompt)
	}
	if key == "" {
		res.TimedOut = true
		s.log.Debug("trial timed out", "stimulus", stim.ID, "prompt_elapsed", elapsed)
		return res
	}
	return s.responded(res, key, at)
}

func (s *TrialSequencer) responded(res TrialResult, key string, at time.Duration) TrialResult {
	res.ResponseKey = key
	res.ResponseLabel = s.labels[key]
	res.ResponseTime = at
	s.log.Debug("trial responded", "stimulus", res.StimulusID, "key", key, "label", res.ResponseLabel, "rt", at)
	return res
}

func (s *TrialSequencer) cancelled(res TrialResult, during Phase) TrialResult {
	res.Cancelled = true
	s.log.Debug("trial cancelled", "stimulus", res.StimulusID, "phase", during.String())
	return res
}

// waitCancellable waits for roughly d, slicing the wait so the cancellation
// signal is observed mid-phase. Returns the actual elapsed wall time and
// whether cancellation fired.
func (s *TrialSequencer) waitCancellable(d time.Duration) (time.Duration, bool) {
	var elapsed time.Duration
	for elapsed < d {
		if s.surface.Cancelled() {
			return elapsed, true
		}
		step := pollInterval
		if rem := d - elapsed; rem < step {
			step = rem
		}
		elapsed += s.surface.WaitForElapsed(step)
	}
	if s.surface.Cancelled() {
		return elapsed, true
	}
	return elapsed, false
}

// waitForKey waits up to d for one of the recognized response keys, or
// indefinitely when unbounded is set. Returns the key (empty on timeout),
// the elapsed time at which it was observed, the total elapsed wall time,
// and whether cancellation preempted the wait.
func (s *TrialSequencer) waitForKey(d time.Duration, unbounded bool) (key string, at time.Duration, elapsed time.Duration, cancelled bool) {
	for unbounded || elapsed < d {
		if s.surface.Cancelled() {
			return "", 0, elapsed, true
		}
		if k, ok := s.surface.PollResponse(s.keys); ok {
			return k, elapsed, elapsed, false
		}
		step := pollInterval
		if !unbounded {
			if rem := d - elapsed; rem < step {
				step = rem
			}
		}
		elapsed += s.surface.WaitForElapsed(step)
	}
	if s.surface.Cancelled() {
		return "", 0, elapsed, true
	}
	// One last poll at the deadline so a keypress racing the budget is not
	// dropped.
	if k, ok := s.surface.PollResponse(s.keys); ok {
		return k, elapsed, elapsed, false
	}
	return "", 0, elapsed, false
}
