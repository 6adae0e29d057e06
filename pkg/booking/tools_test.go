package booking

import (
	"context"
	"strings"
	"testing"

	"github.com/lyravoice/lyra/pkg/errorsx"
)

func TestRegistryAvailableSlots(t *testing.T) {
	eng, cal := newEngine(t)
	cal.Seed("clinic", at(10, 0), at(10, 30))
	reg := NewRegistry(eng, "s1")

	result, err := reg.HandleTool(context.Background(), "get_available_slots", map[string]any{"date": "2026-09-01", "durationMinutes": 30})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(result, "09:00") || !strings.Contains(result, "10:30") {
		t.Fatalf("slots missing from result: %q", result)
	}
	if strings.Contains(result, "10:00,") || strings.HasSuffix(result, "10:00") {
		t.Fatalf("busy slot surfaced: %q", result)
	}
}

func TestRegistryBookAppointment(t *testing.T) {
	eng, _ := newEngine(t)
	reg := NewRegistry(eng, "s1")

	result, err := reg.HandleTool(context.Background(), "book_appointment", map[string]any{
		"date":          "2026-09-01",
		"time":          "09:30",
		"customerName":  "Maria Diaz",
		"customerEmail": "maria@example.com",
		"customerPhone": "+15015550123",
		"notes":         "cleaning",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(result, "booked 2026-09-01 at 09:30 for Maria Diaz") {
		t.Fatalf("unexpected result %q", result)
	}
}

func TestRegistryBookConflictKeepsTalking(t *testing.T) {
	eng, cal := newEngine(t)
	cal.Seed("clinic", at(10, 0), at(10, 30))
	reg := NewRegistry(eng, "s1")

	result, err := reg.HandleTool(context.Background(), "book_appointment", map[string]any{
		"date":          "2026-09-01",
		"time":          "10:00",
		"customerName":  "Maria Diaz",
		"customerEmail": "maria@example.com",
		"customerPhone": "+15015550123",
	})
	if !errorsx.HasReason(err, errorsx.ReasonSlotConflict) {
		t.Fatalf("expected slot_conflict, got %v", err)
	}
	if !strings.Contains(result, "offer the caller a different slot") {
		t.Fatalf("conflict result must steer the model: %q", result)
	}
}

func TestRegistryRejectsBadArguments(t *testing.T) {
	eng, _ := newEngine(t)
	reg := NewRegistry(eng, "s1")

	cases := []struct {
		name string
		tool string
		args map[string]any
	}{
		{"bad date", "get_available_slots", map[string]any{"date": "tomorrow", "durationMinutes": 30}},
		{"missing duration", "get_available_slots", map[string]any{"date": "2026-09-01"}},
		{"zero duration", "get_available_slots", map[string]any{"date": "2026-09-01", "durationMinutes": 0}},
		{"bad time", "book_appointment", fullBookArgs(map[string]any{"time": "9 thirty"})},
		{"missing customerName", "book_appointment", fullBookArgs(map[string]any{"customerName": ""})},
		{"missing customerEmail", "book_appointment", fullBookArgs(map[string]any{"customerEmail": "   "})},
		{"missing customerPhone", "book_appointment", fullBookArgs(map[string]any{"customerPhone": ""})},
		{"unknown tool", "cancel_everything", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.HandleTool(context.Background(), tc.tool, tc.args)
			if !errorsx.HasReason(err, errorsx.ReasonBookingValidation) {
				t.Fatalf("expected booking_validation, got %v", err)
			}
		})
	}
	if eng.confirmed.Len() != 0 {
		t.Fatal("a rejected request still produced a booking")
	}
}

// fullBookArgs is a valid book_appointment argument set with overrides
// applied, so each case isolates one bad field.
func fullBookArgs(overrides map[string]any) map[string]any {
	args := map[string]any{
		"date":          "2026-09-01",
		"time":          "09:30",
		"customerName":  "Maria Diaz",
		"customerEmail": "maria@example.com",
		"customerPhone": "+15015550123",
	}
	for k, v := range overrides {
		args[k] = v
	}
	return args
}
