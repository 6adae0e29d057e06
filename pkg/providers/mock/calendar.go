package mock

import (
	"context"
	"sync"

	"time"

	"github.com/google/uuid"
	"github.com/lyravoice/lyra/pkg/adapters/calendar"
)

// Calendar is an in-memory calendar.Service with overlap detection and
// idempotency-key dedupe, mirroring what the hosted calendar guarantees.
type Calendar struct {
	mu     sync.Mutex
	busy   map[string][]calendar.Interval
	events map[string]storedEvent // idempotency key -> event
	// CreateDelay simulates a slow backend between the free/busy check
	// and the insert, exposing booking races in tests.
	CreateDelay time.Duration
}

type storedEvent struct {
	ref calendar.Ref
	ev  calendar.Event
}

func NewCalendar() *Calendar {
	return &Calendar{
		busy:   make(map[string][]calendar.Interval),
		events: make(map[string]storedEvent),
	}
}

func (c *Calendar) Name() string { return "mock_calendar" }

// Seed marks an interval busy without creating a bookable event.
func (c *Calendar) Seed(calendarID string, start, end time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy[calendarID] = append(c.busy[calendarID], calendar.Interval{Start: start, End: end})
}

func (c *Calendar) FreeBusy(ctx context.Context, calendarID string, from, to time.Time) ([]calendar.Interval, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []calendar.Interval
	for _, iv := range c.busy[calendarID] {
		if iv.Overlaps(from, to) {
			out = append(out, iv)
		}
	}
	return out, nil
}

func (c *Calendar) CreateEvent(ctx context.Context, ev calendar.Event) (calendar.Ref, error) {
	if c.CreateDelay > 0 {
		select {
		case <-ctx.Done():
			return calendar.Ref{}, ctx.Err()
		case <-time.After(c.CreateDelay):
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.IdempotencyKey != "" {
		if stored, ok := c.events[ev.IdempotencyKey]; ok {
			return stored.ref, nil
		}
	}
	for _, iv := range c.busy[ev.CalendarID] {
		if iv.Overlaps(ev.Start, ev.End) {
			return calendar.Ref{}, calendar.ErrConflict
		}
	}
	ref := calendar.Ref{EventID: uuid.NewString()}
	c.busy[ev.CalendarID] = append(c.busy[ev.CalendarID], calendar.Interval{Start: ev.Start, End: ev.End})
	if ev.IdempotencyKey != "" {
		c.events[ev.IdempotencyKey] = storedEvent{ref: ref, ev: ev}
	}
	return ref, nil
}

// EventCount reports how many distinct events were created.
func (c *Calendar) EventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Events returns every created event, for assertions on what landed on
// the calendar.
func (c *Calendar) Events() []calendar.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]calendar.Event, 0, len(c.events))
	for _, stored := range c.events {
		out = append(out, stored.ev)
	}
	return out
}

var _ calendar.Service = (*Calendar)(nil)
