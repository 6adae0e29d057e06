package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lyravoice/lyra/pkg/configutil"
	"github.com/lyravoice/lyra/pkg/errorsx"
	"github.com/lyravoice/lyra/pkg/llm"
)

// Registry exposes the booking engine to the model as callable
// functions. Recoverable failures come back as descriptive result text
// plus a reasoned error so the orchestrator can log the reason while the
// model talks its way to another slot.
type Registry struct {
	engine *Engine
	// owner scopes holds and idempotency to one call session.
	owner string
}

func NewRegistry(engine *Engine, owner string) *Registry {
	return &Registry{engine: engine, owner: owner}
}

func (r *Registry) Tools() []llm.Tool {
	return []llm.Tool{
		{
			Name:        "get_available_slots",
			Description: "List the open appointment start times for a given day and appointment length.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"date":            map[string]any{"type": "string", "description": "Day to check, formatted YYYY-MM-DD."},
					"durationMinutes": map[string]any{"type": "integer", "description": "Appointment length in minutes, e.g. 30 or 60."},
				},
				"required": []string{"date", "durationMinutes"},
			},
		},
		{
			Name:        "book_appointment",
			Description: "Book an appointment at a specific time. Only call this after the caller has explicitly agreed to the time and given their name, email, and phone number.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"date":            map[string]any{"type": "string", "description": "Appointment day, formatted YYYY-MM-DD."},
					"time":            map[string]any{"type": "string", "description": "Start time, 24-hour HH:MM."},
					"durationMinutes": map[string]any{"type": "integer", "description": "Appointment length in minutes. Defaults to one slot."},
					"customerName":    map[string]any{"type": "string", "description": "The caller's full name."},
					"customerEmail":   map[string]any{"type": "string", "description": "The caller's email address."},
					"customerPhone":   map[string]any{"type": "string", "description": "The caller's phone number."},
					"notes":           map[string]any{"type": "string", "description": "Optional context for the appointment, e.g. the reason for the visit."},
				},
				"required": []string{"date", "time", "customerName", "customerEmail", "customerPhone"},
			},
		},
	}
}

func (r *Registry) HandleTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "get_available_slots":
		return r.availableSlots(ctx, args)
	case "book_appointment":
		return r.bookAppointment(ctx, args)
	default:
		return "", errorsx.New("unknown function "+name, errorsx.ReasonBookingValidation)
	}
}

type slotsArgs struct {
	Date            string `mapstructure:"date"`
	DurationMinutes int    `mapstructure:"durationMinutes"`
}

func (r *Registry) availableSlots(ctx context.Context, args map[string]any) (string, error) {
	var in slotsArgs
	if err := configutil.DecodeSettings(args, &in); err != nil {
		return "error: invalid arguments", errorsx.Wrap(err, errorsx.ReasonBookingValidation)
	}
	day, err := time.ParseInLocation("2006-01-02", in.Date, r.engine.Location())
	if err != nil {
		return "error: date must be formatted YYYY-MM-DD", errorsx.Wrap(err, errorsx.ReasonBookingValidation)
	}
	if in.DurationMinutes <= 0 {
		return "error: durationMinutes must be a positive number of minutes",
			errorsx.New("durationMinutes must be positive", errorsx.ReasonBookingValidation)
	}

	slots, err := r.engine.AvailableSlots(ctx, day, r.owner, time.Duration(in.DurationMinutes)*time.Minute)
	if err != nil {
		if errorsx.HasReason(err, errorsx.ReasonBookingValidation) {
			return "error: " + err.Error(), err
		}
		return "error: could not check the calendar", err
	}
	if len(slots) == 0 {
		return fmt.Sprintf("no availability on %s", in.Date), nil
	}
	times := make([]string, len(slots))
	for i, s := range slots {
		times[i] = s.Format("15:04")
	}
	return fmt.Sprintf("open times on %s: %s", in.Date, strings.Join(times, ", ")), nil
}

type bookArgs struct {
	Date            string `mapstructure:"date"`
	Time            string `mapstructure:"time"`
	DurationMinutes int    `mapstructure:"durationMinutes"`
	CustomerName    string `mapstructure:"customerName"`
	CustomerEmail   string `mapstructure:"customerEmail"`
	CustomerPhone   string `mapstructure:"customerPhone"`
	Notes           string `mapstructure:"notes"`
}

func (r *Registry) bookAppointment(ctx context.Context, args map[string]any) (string, error) {
	var in bookArgs
	if err := configutil.DecodeSettings(args, &in); err != nil {
		return "error: invalid arguments", errorsx.Wrap(err, errorsx.ReasonBookingValidation)
	}
	start, err := time.ParseInLocation("2006-01-02 15:04", in.Date+" "+in.Time, r.engine.Location())
	if err != nil {
		return "error: date must be YYYY-MM-DD and time must be 24-hour HH:MM", errorsx.Wrap(err, errorsx.ReasonBookingValidation)
	}
	for _, field := range []struct{ name, value string }{
		{"customerName", in.CustomerName},
		{"customerEmail", in.CustomerEmail},
		{"customerPhone", in.CustomerPhone},
	} {
		if strings.TrimSpace(field.value) == "" {
			return "error: " + field.name + " is required, ask the caller for it",
				errorsx.New(field.name+" is required", errorsx.ReasonBookingValidation)
		}
	}
	if in.DurationMinutes < 0 {
		return "error: durationMinutes must be a positive number of minutes",
			errorsx.New("durationMinutes must be positive", errorsx.ReasonBookingValidation)
	}

	rec, err := r.engine.Book(ctx, r.owner, Request{
		Start:    start,
		Duration: time.Duration(in.DurationMinutes) * time.Minute,
		Customer: Customer{
			Name:  strings.TrimSpace(in.CustomerName),
			Email: strings.TrimSpace(in.CustomerEmail),
			Phone: strings.TrimSpace(in.CustomerPhone),
		},
		Notes: in.Notes,
	})
	switch {
	case err == nil:
		return fmt.Sprintf("booked %s at %s for %s, confirmation %s", in.Date, rec.Start.Format("15:04"), rec.Customer.Name, rec.EventID), nil
	case errorsx.HasReason(err, errorsx.ReasonSlotConflict):
		return "that time was just taken, offer the caller a different slot", err
	case errorsx.HasReason(err, errorsx.ReasonBookingValidation):
		return "error: " + err.Error(), err
	default:
		return "error: booking failed, ask the caller to try again", err
	}
}

var _ llm.ToolRegistry = (*Registry)(nil)
