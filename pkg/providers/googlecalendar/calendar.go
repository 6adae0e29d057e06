package googlecalendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/lyravoice/lyra/pkg/adapters/calendar"
	"github.com/lyravoice/lyra/pkg/logging"
	"github.com/lyravoice/lyra/pkg/resilience"
)

// Settings are the vendor knobs, decoded from the
// providers.calendar.settings config map.
type Settings struct {
	// CredentialsFile points at a service-account JSON key with access
	// to the target calendar.
	CredentialsFile string `mapstructure:"credentials_file"`
}

// Service implements calendar.Service on the Google Calendar API.
// Google happily double-books overlapping events, so conflict safety
// lives upstream in the booking engine; what this layer contributes is
// free/busy truth and an idempotent insert keyed by event ID.
type Service struct {
	svc   *gcal.Service
	retry resilience.RetryPolicy
	log   *slog.Logger
}

func New(ctx context.Context, settings Settings) (*Service, error) {
	opts := []option.ClientOption{option.WithScopes(gcal.CalendarScope)}
	if settings.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(settings.CredentialsFile))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google calendar client: %w", err)
	}
	return &Service{
		svc:   svc,
		retry: resilience.NewRetryPolicy(2, 200*time.Millisecond),
		log:   logging.NewComponentLogger(slog.Default(), "google_calendar"),
	}, nil
}

func (s *Service) Name() string { return "google_calendar" }

func (s *Service) FreeBusy(ctx context.Context, calendarID string, from, to time.Time) ([]calendar.Interval, error) {
	var resp *gcal.FreeBusyResponse
	err := s.retry.DoContext(ctx, func() error {
		var qErr error
		resp, qErr = s.svc.Freebusy.Query(&gcal.FreeBusyRequest{
			TimeMin: from.Format(time.RFC3339),
			TimeMax: to.Format(time.RFC3339),
			Items:   []*gcal.FreeBusyRequestItem{{Id: calendarID}},
		}).Context(ctx).Do()
		return qErr
	})
	if err != nil {
		return nil, fmt.Errorf("freebusy query: %w", err)
	}

	cal, ok := resp.Calendars[calendarID]
	if !ok {
		return nil, fmt.Errorf("calendar %s missing from freebusy response", calendarID)
	}
	out := make([]calendar.Interval, 0, len(cal.Busy))
	for _, period := range cal.Busy {
		start, err := time.Parse(time.RFC3339, period.Start)
		if err != nil {
			return nil, fmt.Errorf("busy period start: %w", err)
		}
		end, err := time.Parse(time.RFC3339, period.End)
		if err != nil {
			return nil, fmt.Errorf("busy period end: %w", err)
		}
		out = append(out, calendar.Interval{Start: start, End: end})
	}
	s.log.Debug("freebusy_result",
		slog.String("calendar_id", calendarID),
		slog.Int("busy_periods", len(out)))
	return out, nil
}

func (s *Service) CreateEvent(ctx context.Context, ev calendar.Event) (calendar.Ref, error) {
	wire := &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)},
		End:         &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339)},
	}
	if ev.IdempotencyKey != "" {
		wire.Id = eventID(ev.IdempotencyKey)
	}
	for _, email := range ev.Attendees {
		wire.Attendees = append(wire.Attendees, &gcal.EventAttendee{Email: email})
	}

	// Retrying the insert is safe: the event ID is derived from the
	// idempotency key, so a replayed insert collides instead of
	// double-booking.
	var created *gcal.Event
	err := s.retry.DoContext(ctx, func() error {
		var iErr error
		created, iErr = s.svc.Events.Insert(ev.CalendarID, wire).Context(ctx).Do()
		return iErr
	})
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 409 && wire.Id != "" {
			// The event ID already exists: this is a replayed create, not
			// a booking race. Return the original event.
			existing, getErr := s.svc.Events.Get(ev.CalendarID, wire.Id).Context(ctx).Do()
			if getErr != nil {
				return calendar.Ref{}, fmt.Errorf("replayed insert lookup: %w", getErr)
			}
			s.log.Info("event_insert_replayed",
				slog.String("calendar_id", ev.CalendarID),
				slog.String("event_id", existing.Id))
			return calendar.Ref{EventID: existing.Id, HTMLURL: existing.HtmlLink}, nil
		}
		return calendar.Ref{}, fmt.Errorf("event insert: %w", err)
	}

	s.log.Info("event_created",
		slog.String("calendar_id", ev.CalendarID),
		slog.String("event_id", created.Id),
		slog.String("start", ev.Start.Format(time.RFC3339)))
	return calendar.Ref{EventID: created.Id, HTMLURL: created.HtmlLink}, nil
}

// eventID maps an idempotency key onto Google's event ID alphabet
// (lowercase base32hex). UUID hex digits are already inside it; only the
// dashes have to go.
func eventID(idemKey string) string {
	return strings.ToLower(strings.ReplaceAll(idemKey, "-", ""))
}

var _ calendar.Service = (*Service)(nil)
