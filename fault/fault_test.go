package fault

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFault_Error(t *testing.T) {
	f := New("calibration", "viewport clipped at monitor bound", Degraded)
	assert.Equal(t, "[calibration:degraded] viewport clipped at monitor bound", f.Error())
	assert.False(t, f.Timestamp.IsZero())
}

func TestFault_Recoverable(t *testing.T) {
	assert.True(t, New("calibration", "clipped", Degraded).Recoverable())
	assert.False(t, New("session", "cancelled", Abort).Recoverable())
	assert.False(t, New("catalog", "unloadable", Fatal).Recoverable())
}

func TestFault_WithContext(t *testing.T) {
	f := New("calibration", "clipped", Degraded).
		WithContext("stimulus", "cyl_12").
		WithContext("offset_px", 1819)

	require.Len(t, f.Context, 2)
	assert.Equal(t, "cyl_12", f.Context["stimulus"])

	detail := f.DetailedString()
	assert.Contains(t, detail, "offset_px: 1819")
	// Context keys render sorted.
	assert.Less(t, strings.Index(detail, "offset_px"), strings.Index(detail, "stimulus"))
}

func TestSeverity_String(t *testing.T) {
	assert.Equal(t, "degraded", Degraded.String())
	assert.Equal(t, "abort", Abort.String())
	assert.Equal(t, "fatal", Fatal.String())
	assert.Equal(t, "unknown", Severity(99).String())
}

func TestHandler_SeverityRouting(t *testing.T) {
	h := NewHandler("session", nil)
	assert.True(t, h.ShouldContinue())

	h.Record(New("calibration", "clipped", Degraded))
	assert.True(t, h.ShouldContinue(), "degraded faults do not stop the session")
	assert.Len(t, h.Degraded(), 1)
	assert.Empty(t, h.Faults())

	h.Record(New("session", "cancelled by participant", Abort))
	assert.False(t, h.ShouldContinue())
	assert.Len(t, h.Faults(), 1)
}

func TestHandler_StopOnFatal(t *testing.T) {
	h := NewHandler("session", &Policy{StopOnFatal: true})
	h.Record(New("calibration", "bad geometry", Fatal))
	assert.False(t, h.ShouldContinue())

	// With the switch off a fatal fault is still recorded but not acted on
	// by the handler; the caller decides.
	h = NewHandler("session", &Policy{StopOnFatal: false})
	h.Record(New("calibration", "bad geometry", Fatal))
	assert.True(t, h.ShouldContinue())
	assert.Len(t, h.Faults(), 1)
}

func TestHandler_MaxDegraded(t *testing.T) {
	h := NewHandler("session", &Policy{MaxDegraded: 2})
	h.Record(New("calibration", "clipped", Degraded))
	h.Record(New("calibration", "clipped", Degraded))
	assert.True(t, h.ShouldContinue())

	h.Record(New("calibration", "clipped", Degraded))
	assert.False(t, h.ShouldContinue(), "more than MaxDegraded stops the session")

	unlimited := NewHandler("session", &Policy{MaxDegraded: 0})
	for i := 0; i < 50; i++ {
		unlimited.Record(New("calibration", "clipped", Degraded))
	}
	assert.True(t, unlimited.ShouldContinue())
}

func TestHandler_Summary(t *testing.T) {
	h := NewHandler("session", nil)
	assert.Equal(t, "[session] no faults recorded", h.Summary())

	h.Record(New("calibration", "clipped", Degraded))
	h.Record(New("session", "cancelled", Abort))
	assert.Equal(t, "[session] 1 faults, 1 degraded", h.Summary())

	report := h.DetailedReport()
	assert.Contains(t, report, "=== session fault report ===")
	assert.Contains(t, report, "[session:abort] cancelled")
	assert.Contains(t, report, "[calibration:degraded] clipped")
}
