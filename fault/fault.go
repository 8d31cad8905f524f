// Package fault provides the session-level error taxonomy for the
// haploscope task runner.
//
// Not everything that goes wrong mid-session is an error worth aborting a
// participant's run for. Faults carry a severity that says how the session
// should react: a Degraded fault is logged and flagged on the trial result
// while the session continues, an Abort fault ends the session cleanly with
// the data collected so far, and a Fatal fault means the session must not
// start (or continue) at all.
//
// Example usage:
//
//	f := fault.New("calibration", "viewport clipped at monitor bound", fault.Degraded).
//		WithContext("stimulus", "cyl_12_squash")
//
//	handler.Record(f)
//	if !handler.ShouldContinue() {
//		// stop issuing trials
//	}
package fault

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Severity says how the session should react to a fault.
type Severity int

const (
	// Degraded marks a condition the session can run through: a clipped
	// viewport, a dropped debug frame. Recorded as data, never an abort.
	Degraded Severity = iota

	// Abort marks a clean, expected termination: the participant or
	// operator quit mid-session. The results collected so far are valid.
	Abort

	// Fatal marks a condition the session must not start or continue
	// under: malformed rig geometry, an unloadable catalog, a config that
	// would hang.
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Degraded:
		return "degraded"
	case Abort:
		return "abort"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Fault is one recorded condition with enough context to reconstruct what
// happened from the session log alone.
type Fault struct {
	Kind      string // subsystem: "calibration", "session", "catalog", ...
	Message   string
	Context   map[string]any
	Severity  Severity
	Timestamp time.Time
}

// New creates a fault stamped with the current time.
func New(kind, message string, severity Severity) *Fault {
	return &Fault{
		Kind:      kind,
		Message:   message,
		Severity:  severity,
		Timestamp: time.Now(),
	}
}

// WithContext attaches one key/value pair of debugging context.
func (f *Fault) WithContext(key string, value any) *Fault {
	if f.Context == nil {
		f.Context = make(map[string]any)
	}
	f.Context[key] = value
	return f
}

// Error implements the error interface.
func (f *Fault) Error() string {
	return fmt.Sprintf("[%s:%s] %s", f.Kind, f.Severity, f.Message)
}

// Recoverable reports whether the session can keep running past this fault.
func (f *Fault) Recoverable() bool {
	return f.Severity == Degraded
}

// DetailedString renders the fault with its timestamp and context, one line
// per context key, keys sorted for stable output.
func (f *Fault) DetailedString() string {
	var b strings.Builder
	b.WriteString(f.Error())
	b.WriteString(fmt.Sprintf("\n  Time: %s", f.Timestamp.Format("15:04:05.000")))
	if len(f.Context) > 0 {
		keys := make([]string, 0, len(f.Context))
		for k := range f.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n  Context:")
		for _, k := range keys {
			b.WriteString(fmt.Sprintf("\n    %s: %v", k, f.Context[k]))
		}
	}
	return b.String()
}

// Policy bounds how much degradation a session tolerates before it is no
// longer scientifically usable.
type Policy struct {
	// StopOnFatal stops the session immediately on any Fatal fault.
	StopOnFatal bool
	// MaxDegraded stops the session once more than this many Degraded
	// faults have accumulated. Zero means unlimited.
	MaxDegraded int
}

// DefaultPolicy stops on fatal faults and tolerates up to ten degraded ones.
func DefaultPolicy() *Policy {
	return &Policy{
		StopOnFatal: true,
		MaxDegraded: 10,
	}
}

// Handler collects faults for one component and answers whether the session
// should keep running.
type Handler struct {
	component string
	faults    []*Fault
	degraded  []*Fault
	policy    *Policy
}

// NewHandler creates a handler for a component. A nil policy gets
// DefaultPolicy.
func NewHandler(component string, policy *Policy) *Handler {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Handler{
		component: component,
		faults:    make([]*Fault, 0),
		degraded:  make([]*Fault, 0),
		policy:    policy,
	}
}

// Record adds a fault to the handler's collection.
func (h *Handler) Record(f *Fault) {
	if f.Severity == Degraded {
		h.degraded = append(h.degraded, f)
		return
	}
	h.faults = append(h.faults, f)
}

// ShouldContinue reports whether the session may keep issuing trials.
func (h *Handler) ShouldContinue() bool {
	if h.policy.StopOnFatal {
		for _, f := range h.faults {
			if f.Severity == Fatal {
				return false
			}
		}
	}
	for _, f := range h.faults {
		if f.Severity == Abort {
			return false
		}
	}
	if h.policy.MaxDegraded > 0 && len(h.degraded) > h.policy.MaxDegraded {
		return false
	}
	return true
}

// Faults returns the recorded Abort and Fatal faults.
func (h *Handler) Faults() []*Fault { return h.faults }

// Degraded returns the recorded degraded-but-continuing faults.
func (h *Handler) Degraded() []*Fault { return h.degraded }

// Summary is a one-line overview for the end-of-session log.
func (h *Handler) Summary() string {
	if len(h.faults) == 0 && len(h.degraded) == 0 {
		return fmt.Sprintf("[%s] no faults recorded", h.component)
	}
	return fmt.Sprintf("[%s] %d faults, %d degraded", h.component, len(h.faults), len(h.degraded))
}

// DetailedReport lists every recorded fault with full context.
func (h *Handler) DetailedReport() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("=== %s fault report ===\n", h.component))
	b.WriteString(h.Summary() + "\n")

	if len(h.faults) > 0 {
		b.WriteString("\nFaults:\n")
		for i, f := range h.faults {
			b.WriteString(fmt.Sprintf("%d. %s\n", i+1, f.DetailedString()))
		}
	}
	if len(h.degraded) > 0 {
		b.WriteString("\nDegraded:\n")
		for i, f := range h.degraded {
			b.WriteString(fmt.Sprintf("%d. %s\n", i+1, f.DetailedString()))
		}
	}
	return b.String()
}
