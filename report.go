package haploscope

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// csvColumns is the column set of the exported per-trial CSV, kept aligned
// with the lab's historical analysis scripts.
var csvColumns = []string{
	"participant",
	"session_id",
	"trial_index",
	"stimulus_id",
	"stimulus_label",
	"response_key",
	"response_label",
	"rt_s",
	"timed_out",
	"cancelled",
	"clipped",
	"iod_mm",
	"focal_distance_mm",
	"fixation_s",
	"stimulus_s",
	"prompt_s",
	"timestamp",
}

// WriteCSV exports one row per attempted trial, in session order.
func WriteCSV(w io.Writer, rec *SessionRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvColumns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for i, res := range rec.Results {
		rt := ""
		if res.ResponseKey != "" {
			rt = strconv.FormatFloat(res.ResponseTime.Seconds(), 'f', 4, 64)
		}
		row := []string{
			rec.Participant,
			rec.ID,
			strconv.Itoa(i + 1),
			res.StimulusID,
			res.StimulusLabel,
			res.ResponseKey,
			res.ResponseLabel,
			rt,
			strconv.FormatBool(res.TimedOut),
			strconv.FormatBool(res.Cancelled),
			strconv.FormatBool(res.Calibration.Clipped),
			strconv.FormatFloat(res.Calibration.IODMM, 'f', 2, 64),
			strconv.FormatFloat(res.Calibration.FocalDistanceMM, 'f', 2, 64),
			phaseSeconds(res, PhaseFixation),
			phaseSeconds(res, PhaseStimulus),
			phaseSeconds(res, PhasePrompt),
			res.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %d: %w", i+1, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func phaseSeconds(res TrialResult, phase Phase) string {
	d, ok := res.PhaseDurations[phase]
	if !ok {
		return ""
	}
	return strconv.FormatFloat(d.Seconds(), 'f', 4, 64)
}

// Summarize renders a human-readable end-of-session report: outcome counts,
// per-label response tallies, response timing, and break placement.
func Summarize(rec *SessionRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Session %s", rec.ID)
	if rec.Participant != "" {
		fmt.Fprintf(&b, " (participant %s)", rec.Participant)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Started:  %s\n", rec.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Duration: %s\n", rec.EndedAt.Sub(rec.StartedAt).Round(time.Second))

	responded, timedOut, cancelled, clipped := 0, 0, 0, 0
	labelCounts := make(map[string]int)
	var rtSum time.Duration
	for _, res := range rec.Results {
		switch res.Outcome() {
		case PhaseResponded:
			responded++
			rtSum += res.ResponseTime
			labelCounts[res.ResponseLabel]++
		case PhaseTimedOut:
			timedOut++
		case PhaseCancelled:
			cancelled++
		}
		if res.Calibration.Clipped {
			clipped++
		}
	}

	fmt.Fprintf(&b, "Trials:   %d (%d responded, %d timed out, %d cancelled)\n",
		len(rec.Results), responded, timedOut, cancelled)
	if rec.Cancelled {
		b.WriteString("Session ended early: cancelled by participant.\n")
	}
	if clipped > 0 {
		fmt.Fprintf(&b, "Degraded: %d trials ran with a clipped viewport\n", clipped)
	}

	if responded > 0 {
		mean := rtSum / time.Duration(responded)
		fmt.Fprintf(&b, "Mean RT:  %.3f s\n", mean.Seconds())

		labels := make([]string, 0, len(labelCounts))
		for label := range labelCounts {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		b.WriteString("Responses:\n")
		for _, label := range labels {
			fmt.Fprintf(&b, "  %-12s %d\n", label, labelCounts[label])
		}
	}

	for _, ev := range rec.Breaks {
		resumed := "ran out"
		if ev.ResumedEarly {
			resumed = "resumed early"
		}
		fmt.Fprintf(&b, "Break after trial %d: %s after %s\n",
			ev.AfterTrial, resumed, ev.Actual.Round(time.Second))
	}

	return b.String()
}
