package booking

import (
	"testing"
	"time"
)

func TestHoldTableAcquireRelease(t *testing.T) {
	table := NewHoldTable(30 * time.Second)
	slot := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	if !table.Acquire("clinic", slot, "s1") {
		t.Fatal("first acquire failed")
	}
	if table.Acquire("clinic", slot, "s2") {
		t.Fatal("second owner acquired a held slot")
	}
	if !table.Acquire("clinic", slot, "s1") {
		t.Fatal("owner could not refresh its own hold")
	}

	table.Release("clinic", slot, "s2")
	if table.Acquire("clinic", slot, "s2") {
		t.Fatal("release by non-owner must be a no-op")
	}

	table.Release("clinic", slot, "s1")
	if !table.Acquire("clinic", slot, "s2") {
		t.Fatal("slot still held after owner release")
	}
}

func TestHoldTableExpiry(t *testing.T) {
	table := NewHoldTable(10 * time.Second)
	current := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	table.now = func() time.Time { return current }
	slot := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	if !table.Acquire("clinic", slot, "s1") {
		t.Fatal("acquire failed")
	}
	current = current.Add(5 * time.Second)
	if table.Acquire("clinic", slot, "s2") {
		t.Fatal("hold expired early")
	}
	current = current.Add(6 * time.Second)
	if !table.Acquire("clinic", slot, "s2") {
		t.Fatal("expired hold still blocking")
	}
}

func TestHoldTableReleaseOwner(t *testing.T) {
	table := NewHoldTable(time.Minute)
	base := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

	table.Acquire("clinic", base, "s1")
	table.Acquire("clinic", base.Add(30*time.Minute), "s1")
	table.Acquire("clinic", base.Add(time.Hour), "s2")

	if released := table.ReleaseOwner("s1"); released != 2 {
		t.Fatalf("released %d holds, want 2", released)
	}
	if !table.Acquire("clinic", base, "s3") {
		t.Fatal("slot still held after ReleaseOwner")
	}
	if table.Acquire("clinic", base.Add(time.Hour), "s3") {
		t.Fatal("ReleaseOwner touched another owner's hold")
	}
}
