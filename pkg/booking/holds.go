package booking

import (
	"sync"
	"time"
)

const DefaultHoldTTL = 30 * time.Second

type hold struct {
	owner     string
	expiresAt time.Time
}

// HoldTable serializes slot reservations across concurrent sessions.
// A hold is scoped to (calendar, start time), owned by one session, and
// expires on its own so an abandoned call can never pin a slot forever.
type HoldTable struct {
	mu    sync.Mutex
	ttl   time.Duration
	holds map[string]hold
	now   func() time.Time
}

func NewHoldTable(ttl time.Duration) *HoldTable {
	if ttl <= 0 {
		ttl = DefaultHoldTTL
	}
	return &HoldTable{
		ttl:   ttl,
		holds: make(map[string]hold),
		now:   time.Now,
	}
}

func holdKey(calendarID string, start time.Time) string {
	return calendarID + "|" + start.UTC().Format(time.RFC3339)
}

// Acquire takes the hold for owner. It reports false when another owner
// holds the slot and that hold has not expired. Re-acquiring one's own
// hold refreshes it.
func (t *HoldTable) Acquire(calendarID string, start time.Time, owner string) bool {
	key := holdKey(calendarID, start)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.holds[key]; ok && h.owner != owner && now.Before(h.expiresAt) {
		return false
	}
	t.holds[key] = hold{owner: owner, expiresAt: now.Add(t.ttl)}
	return true
}

// Release drops the hold if owner still has it.
func (t *HoldTable) Release(calendarID string, start time.Time, owner string) {
	key := holdKey(calendarID, start)
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.holds[key]; ok && h.owner == owner {
		delete(t.holds, key)
	}
}

// ReleaseOwner drops every hold owned by owner and reports how many were
// released. Called on session teardown.
func (t *HoldTable) ReleaseOwner(owner string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	released := 0
	for key, h := range t.holds {
		if h.owner == owner {
			delete(t.holds, key)
			released++
		}
	}
	return released
}

// HeldByOther reports whether someone other than owner holds the slot.
func (t *HoldTable) HeldByOther(calendarID string, start time.Time, owner string) bool {
	key := holdKey(calendarID, start)
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.holds[key]
	return ok && h.owner != owner && now.Before(h.expiresAt)
}
