package window

import (
	"context"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryCounter_CountsOnlyInsideWindow(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	c.Record(ctx, "k", t0.Add(-25*time.Hour), 24*time.Hour)
	c.Record(ctx, "k", t0.Add(-23*time.Hour), 24*time.Hour)
	c.Record(ctx, "k", t0.Add(-1*time.Hour), 24*time.Hour)

	u, err := c.Usage(ctx, "k", 10, 24*time.Hour, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Count != 2 {
		t.Fatalf("expected 2 events in window, got %d", u.Count)
	}
	if u.Exhausted() {
		t.Fatal("budget should not be exhausted")
	}
	if u.Remaining() != 8 {
		t.Errorf("expected 8 remaining, got %d", u.Remaining())
	}
}

func TestMemoryCounter_EventLeavesWindowExactlyAtBoundary(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()
	c.Record(ctx, "k", t0, time.Hour)

	u, _ := c.Usage(ctx, "k", 1, time.Hour, t0.Add(time.Hour-time.Nanosecond))
	if u.Count != 1 {
		t.Fatalf("event should still count just before the boundary, got %d", u.Count)
	}

	u, _ = c.Usage(ctx, "k", 1, time.Hour, t0.Add(time.Hour))
	if u.Count != 0 {
		t.Fatalf("event should leave the window at the boundary, got %d", u.Count)
	}
}

func TestMemoryCounter_ClearsAtUsesOldestBlockingEvent(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	// Recorded out of order on purpose.
	c.Record(ctx, "k", t0.Add(-2*time.Hour), 24*time.Hour)
	c.Record(ctx, "k", t0.Add(-5*time.Hour), 24*time.Hour)

	u, _ := c.Usage(ctx, "k", 2, 24*time.Hour, t0)
	if !u.Exhausted() {
		t.Fatal("expected exhausted budget")
	}
	want := t0.Add(-5 * time.Hour).Add(24 * time.Hour)
	if !u.ClearsAt.Equal(want) {
		t.Fatalf("expected ClearsAt %s, got %s", want, u.ClearsAt)
	}
}

func TestMemoryCounter_UnlimitedNeverExhausts(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		c.Record(ctx, "k", t0, time.Hour)
	}
	u, _ := c.Usage(ctx, "k", 0, time.Hour, t0)
	if u.Exhausted() {
		t.Fatal("limit 0 is unlimited")
	}
	if u.Count != 5 {
		t.Fatalf("expected count 5, got %d", u.Count)
	}
}

func TestClearsAt(t *testing.T) {
	evs := []time.Time{t0, t0.Add(time.Minute), t0.Add(2 * time.Minute)}

	tests := []struct {
		name  string
		limit int
		want  time.Time
	}{
		{"below_limit", 4, time.Time{}},
		{"at_limit", 3, t0.Add(time.Hour)},
		{"over_limit", 2, t0.Add(time.Minute).Add(time.Hour)},
		{"unlimited", 0, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClearsAt(evs, tt.limit, time.Hour); !got.Equal(tt.want) {
				t.Errorf("ClearsAt(limit=%d) = %s, want %s", tt.limit, got, tt.want)
			}
		})
	}
}
