package haploscope

import "time"

// Frame is everything a surface needs to draw one phase. Only the fields
// relevant to the current phase are populated: the stimulus and position
// during STIMULUS, prompt text and key options during PROMPT, the countdown
// during a break.
type Frame struct {
	Phase    Phase
	Stimulus *StimulusDescriptor
	Position MechanicalPosition
	Text     string
	Options  []PromptOption

	// Remaining is the break countdown still to run; zero outside breaks.
	Remaining time.Duration
}

// PromptOption is one recognized response: the key the participant presses
// and the semantic label it maps to.
type PromptOption struct {
	Key   string
	Label string
}

// Surface is the narrow capability set the sequencer and scheduler require
// from whatever presents the task: show a phase, wait on the wall clock,
// poll for a recognized keypress, and expose the cancellation signal.
//
// WaitForElapsed returns the actual elapsed wall time, which may differ from
// the request under scheduling jitter; callers record what actually
// happened rather than the budget. Cancellation must be observable between
// every wait, so the sequencer slices long waits into short ones and checks
// Cancelled after each.
type Surface interface {
	// Show presents a phase frame on all participant-facing displays.
	Show(frame Frame)
	// WaitForElapsed blocks for roughly d and returns the actual elapsed
	// wall time.
	WaitForElapsed(d time.Duration) time.Duration
	// PollResponse returns a buffered keypress matching one of keys, if any.
	// Keypresses outside keys are discarded.
	PollResponse(keys []string) (string, bool)
	// Cancelled reports whether the participant or operator has signalled
	// an abort. Once true it stays true for the rest of the session.
	Cancelled() bool
	// DrainInput discards any buffered keypresses, so a key mashed during
	// fixation cannot count as a stimulus response.
	DrainInput()
}
