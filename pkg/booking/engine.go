package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lyravoice/lyra/pkg/adapters/calendar"
	"github.com/lyravoice/lyra/pkg/errorsx"
	"github.com/lyravoice/lyra/pkg/metrics"
)

const (
	DefaultOpenHour    = 9
	DefaultCloseHour   = 17
	DefaultSlotMinutes = 30
)

// idemNamespace seeds deterministic idempotency keys: the same session
// booking the same slot always produces the same key, across retries and
// restarts.
var idemNamespace = uuid.MustParse("9d1c9a74-0b1e-4f67-8c1a-5f2b7a3d9e41")

// Config describes the bookable calendar.
type Config struct {
	CalendarID string
	// OpenHour/CloseHour bound the bookable day, in Location's clock.
	OpenHour  int
	CloseHour int
	// SlotMinutes is the booking granularity.
	SlotMinutes int
	// HoldTTL bounds how long a reserve can sit unconfirmed.
	HoldTTL      time.Duration
	Location     *time.Location
	EventSummary string
}

// Engine books appointments with reserve-then-confirm semantics: a slot
// is held in process, rechecked against the calendar inside the hold,
// and only then written. Two sessions racing for one slot get exactly
// one event and one slot_conflict.
type Engine struct {
	svc       calendar.Service
	holds     *HoldTable
	confirmed *ConfirmationStore
	cfg       Config
	obs       metrics.Observer
	log       *slog.Logger
	now       func() time.Time
}

func NewEngine(svc calendar.Service, holds *HoldTable, cfg Config) *Engine {
	if cfg.OpenHour <= 0 {
		cfg.OpenHour = DefaultOpenHour
	}
	if cfg.CloseHour <= 0 {
		cfg.CloseHour = DefaultCloseHour
	}
	if cfg.SlotMinutes <= 0 {
		cfg.SlotMinutes = DefaultSlotMinutes
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.EventSummary == "" {
		cfg.EventSummary = "Phone appointment"
	}
	if holds == nil {
		holds = NewHoldTable(cfg.HoldTTL)
	}
	return &Engine{
		svc:       svc,
		holds:     holds,
		confirmed: NewConfirmationStore(),
		cfg:       cfg,
		obs:       metrics.NoopObserver{},
		log:       slog.Default(),
		now:       time.Now,
	}
}

func (e *Engine) SetObserver(obs metrics.Observer) {
	if obs != nil {
		e.obs = obs
	}
}

func (e *Engine) SetLogger(log *slog.Logger) {
	if log != nil {
		e.log = log.With("component", "booking", "calendar_id", e.cfg.CalendarID)
	}
}

// Holds exposes the hold table so session teardown can release
// everything a caller still has reserved.
func (e *Engine) Holds() *HoldTable { return e.holds }

// Location reports the clock the bookable day is expressed in.
func (e *Engine) Location() *time.Location { return e.cfg.Location }

// slotFor validates and normalizes a requested appointment window. A
// zero duration means one slot; longer appointments must cover whole
// slots so the hold table can reserve every one of them.
func (e *Engine) slotFor(start time.Time, duration time.Duration) (time.Time, time.Time, error) {
	start = start.In(e.cfg.Location)
	granularity := time.Duration(e.cfg.SlotMinutes) * time.Minute
	if duration <= 0 {
		duration = granularity
	}
	if duration%granularity != 0 {
		return time.Time{}, time.Time{}, errorsx.New(
			fmt.Sprintf("duration must be a multiple of %d minutes", e.cfg.SlotMinutes),
			errorsx.ReasonBookingValidation)
	}
	if start.Second() != 0 || start.Nanosecond() != 0 || start.Minute()%e.cfg.SlotMinutes != 0 {
		return time.Time{}, time.Time{}, errorsx.New(
			fmt.Sprintf("start time %s is not aligned to %d-minute slots", start.Format("15:04"), e.cfg.SlotMinutes),
			errorsx.ReasonBookingValidation)
	}
	end := start.Add(duration)
	dayOpen := time.Date(start.Year(), start.Month(), start.Day(), e.cfg.OpenHour, 0, 0, 0, e.cfg.Location)
	dayClose := time.Date(start.Year(), start.Month(), start.Day(), e.cfg.CloseHour, 0, 0, 0, e.cfg.Location)
	if start.Before(dayOpen) || end.After(dayClose) {
		return time.Time{}, time.Time{}, errorsx.New(
			fmt.Sprintf("%s is outside business hours (%02d:00-%02d:00)", start.Format("15:04"), e.cfg.OpenHour, e.cfg.CloseHour),
			errorsx.ReasonBookingValidation)
	}
	if !start.After(e.now()) {
		return time.Time{}, time.Time{}, errorsx.New("requested time is in the past", errorsx.ReasonBookingValidation)
	}
	return start, end, nil
}

// AvailableSlots returns the open start times for one day where an
// appointment of the given duration fits, in chronological order. Starts
// already begun, windows busy on the calendar, and windows touching a
// slot held by another session are excluded. A zero duration means one
// slot.
func (e *Engine) AvailableSlots(ctx context.Context, day time.Time, owner string, duration time.Duration) ([]time.Time, error) {
	day = day.In(e.cfg.Location)
	dayOpen := time.Date(day.Year(), day.Month(), day.Day(), e.cfg.OpenHour, 0, 0, 0, e.cfg.Location)
	dayClose := time.Date(day.Year(), day.Month(), day.Day(), e.cfg.CloseHour, 0, 0, 0, e.cfg.Location)

	granularity := time.Duration(e.cfg.SlotMinutes) * time.Minute
	if duration <= 0 {
		duration = granularity
	}
	if duration%granularity != 0 {
		return nil, errorsx.New(
			fmt.Sprintf("duration must be a multiple of %d minutes", e.cfg.SlotMinutes),
			errorsx.ReasonBookingValidation)
	}

	busy, err := e.svc.FreeBusy(ctx, e.cfg.CalendarID, dayOpen, dayClose)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonCalendarQuery)
	}

	now := e.now()
	var open []time.Time
	for start := dayOpen; !start.Add(duration).After(dayClose); start = start.Add(granularity) {
		if !start.After(now) {
			continue
		}
		if overlapsAny(busy, start, start.Add(duration)) {
			continue
		}
		if e.anyHeldByOther(start, start.Add(duration), owner) {
			continue
		}
		open = append(open, start)
	}
	return open, nil
}

// windowStarts lists every slot start covered by [start, end).
func (e *Engine) windowStarts(start, end time.Time) []time.Time {
	granularity := time.Duration(e.cfg.SlotMinutes) * time.Minute
	var starts []time.Time
	for s := start; s.Before(end); s = s.Add(granularity) {
		starts = append(starts, s)
	}
	return starts
}

func (e *Engine) anyHeldByOther(start, end time.Time, owner string) bool {
	for _, s := range e.windowStarts(start, end) {
		if e.holds.HeldByOther(e.cfg.CalendarID, s, owner) {
			return true
		}
	}
	return false
}

// Customer identifies who the appointment is for. All three fields are
// required before a booking may dispatch.
type Customer struct {
	Name  string
	Email string
	Phone string
}

// Request is one booking attempt: the appointment window plus the
// caller's contact details.
type Request struct {
	Start    time.Time
	Duration time.Duration
	Customer Customer
	Notes    string
}

func (r Request) description() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Caller: %s\nPhone: %s\nEmail: %s", r.Customer.Name, r.Customer.Phone, r.Customer.Email)
	if r.Notes != "" {
		fmt.Fprintf(&b, "\nNotes: %s", r.Notes)
	}
	return b.String()
}

// Book creates the requested appointment for owner. Retrying the same
// (owner, window) returns the original confirmation without a second
// calendar write.
func (e *Engine) Book(ctx context.Context, owner string, req Request) (Confirmation, error) {
	start, end, err := e.slotFor(req.Start, req.Duration)
	if err != nil {
		return Confirmation{}, err
	}

	idemKey := uuid.NewSHA1(idemNamespace,
		[]byte(owner+"|"+holdKey(e.cfg.CalendarID, start)+"|"+end.UTC().Format(time.RFC3339))).String()
	if rec, ok := e.confirmed.Get(idemKey); ok {
		e.log.Info("booking_replayed", "owner", owner, "event_id", rec.EventID)
		return rec, nil
	}

	// Every slot the window covers gets a hold, so a one-hour booking
	// cannot race a half-hour booking of its back half.
	var held []time.Time
	for _, s := range e.windowStarts(start, end) {
		if !e.holds.Acquire(e.cfg.CalendarID, s, owner) {
			for _, h := range held {
				e.holds.Release(e.cfg.CalendarID, h, owner)
			}
			e.recordConflict(owner, start, "held")
			return Confirmation{}, errorsx.Wrap(calendar.ErrConflict, errorsx.ReasonSlotConflict)
		}
		held = append(held, s)
	}
	defer func() {
		for _, h := range held {
			e.holds.Release(e.cfg.CalendarID, h, owner)
		}
	}()

	// Recheck inside the hold: the calendar may have changed between the
	// availability quote and the booking decision.
	busy, err := e.svc.FreeBusy(ctx, e.cfg.CalendarID, start, end)
	if err != nil {
		return Confirmation{}, errorsx.Wrap(err, errorsx.ReasonCalendarQuery)
	}
	if overlapsAny(busy, start, end) {
		e.recordConflict(owner, start, "busy")
		return Confirmation{}, errorsx.Wrap(calendar.ErrConflict, errorsx.ReasonSlotConflict)
	}

	summary := e.cfg.EventSummary
	if req.Customer.Name != "" {
		summary += ": " + req.Customer.Name
	}
	ref, err := e.svc.CreateEvent(ctx, calendar.Event{
		CalendarID:     e.cfg.CalendarID,
		Summary:        summary,
		Description:    req.description(),
		Start:          start,
		End:            end,
		Attendees:      []string{req.Customer.Email},
		IdempotencyKey: idemKey,
	})
	if err != nil {
		if errors.Is(err, calendar.ErrConflict) {
			e.recordConflict(owner, start, "write")
			return Confirmation{}, errorsx.Wrap(err, errorsx.ReasonSlotConflict)
		}
		return Confirmation{}, errorsx.Wrap(err, errorsx.ReasonCalendarQuery)
	}

	rec := confirmationFromRef(idemKey, e.cfg.CalendarID, summary, ref, start, end)
	rec.Customer = req.Customer
	e.confirmed.Put(rec)
	e.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventBookingConfirmed,
		Time: time.Now(),
		Tags: map[string]string{"session_id": owner, "calendar_id": e.cfg.CalendarID},
	})
	e.log.Info("booking_confirmed", "owner", owner, "event_id", ref.EventID, "start", start.Format(time.RFC3339))
	return rec, nil
}

func (e *Engine) recordConflict(owner string, start time.Time, stage string) {
	e.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventSlotConflict,
		Time: time.Now(),
		Tags: map[string]string{"session_id": owner, "stage": stage},
	})
	e.log.Info("slot_conflict", "owner", owner, "start", start.Format(time.RFC3339), "stage", stage)
}

func overlapsAny(busy []calendar.Interval, start, end time.Time) bool {
	for _, iv := range busy {
		if iv.Overlaps(start, end) {
			return true
		}
	}
	return false
}
