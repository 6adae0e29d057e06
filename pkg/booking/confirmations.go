package booking

import (
	"sync"
	"time"

	"github.com/lyravoice/lyra/pkg/adapters/calendar"
)

// Confirmation records one successfully created appointment.
type Confirmation struct {
	IdemKey    string
	CalendarID string
	EventID    string
	HTMLURL    string
	Start      time.Time
	End        time.Time
	Summary    string
	Customer   Customer
}

// ConfirmationStore remembers completed bookings by idempotency key so a
// retried book request returns the original confirmation instead of
// touching the calendar again.
type ConfirmationStore struct {
	mu    sync.Mutex
	items map[string]Confirmation
}

func NewConfirmationStore() *ConfirmationStore {
	return &ConfirmationStore{items: make(map[string]Confirmation)}
}

func (s *ConfirmationStore) Get(idemKey string) (Confirmation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[idemKey]
	return rec, ok
}

func (s *ConfirmationStore) Put(record Confirmation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[record.IdemKey] = record
}

func (s *ConfirmationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func confirmationFromRef(idemKey, calendarID, summary string, ref calendar.Ref, start, end time.Time) Confirmation {
	return Confirmation{
		IdemKey:    idemKey,
		CalendarID: calendarID,
		EventID:    ref.EventID,
		HTMLURL:    ref.HTMLURL,
		Start:      start,
		End:        end,
		Summary:    summary,
	}
}
