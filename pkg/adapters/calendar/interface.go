package calendar

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned by CreateEvent when the interval was taken by
// another writer between the free/busy check and the insert.
var ErrConflict = errors.New("calendar: slot already booked")

// Interval is one busy span on a calendar.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two half-open intervals intersect.
func (i Interval) Overlaps(start, end time.Time) bool {
	return i.Start.Before(end) && start.Before(i.End)
}

// Event is a calendar entry to create. IdempotencyKey must be stable for
// retries of the same logical booking; implementations use it to dedupe.
type Event struct {
	CalendarID     string
	Summary        string
	Description    string
	Start          time.Time
	End            time.Time
	Attendees      []string
	IdempotencyKey string
}

// Ref identifies a created event.
type Ref struct {
	EventID string
	HTMLURL string
}

// Service is the calendar capability consumed by the booking engine.
type Service interface {
	Name() string
	// FreeBusy returns the busy intervals for calendarID between from and to.
	FreeBusy(ctx context.Context, calendarID string, from, to time.Time) ([]Interval, error)
	// CreateEvent inserts an event, returning ErrConflict when the slot
	// was booked elsewhere. Reusing an idempotency key must not create a
	// second event.
	CreateEvent(ctx context.Context, ev Event) (Ref, error)
}
