package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

// fakeClock lets tests move past the reset timeout without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(cfg, testLogger())
	cb.now = clk.now
	return cb, clk
}

func fail(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func succeed(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordSuccess()
	}
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensWhenRatioExceedsThreshold(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "test", ErrorThresholdPercent: 50, WindowSize: 10, MinRequests: 4})

	succeed(cb, 2)
	fail(cb, 2)
	// 2/4 = 50% is not above the threshold.
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed at exactly the threshold, got %s", cb.GetState())
	}

	fail(cb, 1)
	// 3/5 = 60%
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_NeedsMinRequests(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "test", ErrorThresholdPercent: 50, WindowSize: 10, MinRequests: 5})
	fail(cb, 4)
	if cb.GetState() != StateClosed {
		t.Fatal("window below MinRequests must not trip")
	}
	fail(cb, 1)
	if cb.GetState() != StateOpen {
		t.Fatal("expected open once MinRequests is reached")
	}
}

func TestCircuitBreaker_OldOutcomesRollOff(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "test", ErrorThresholdPercent: 50, WindowSize: 4, MinRequests: 4})

	succeed(cb, 1)
	fail(cb, 2)
	succeed(cb, 1)
	fail(cb, 1)
	// Window now holds F F S F = 75%.
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	cb.Reset()
	fail(cb, 2)
	succeed(cb, 4)
	// The two failures rolled out of the 4-call window.
	if got := cb.Stats().ErrorPercent; got != 0 {
		t.Fatalf("expected 0%% after roll-off, got %.1f", got)
	}
}

func TestCircuitBreaker_HalfOpenLifecycle(t *testing.T) {
	cfg := Config{Name: "test", ErrorThresholdPercent: 50, WindowSize: 4, MinRequests: 2, ResetTimeout: 30 * time.Second}

	t.Run("probe_success_closes", func(t *testing.T) {
		cb, clk := newTestBreaker(cfg)
		fail(cb, 2)
		clk.advance(29 * time.Second)
		if cb.Allow() {
			t.Fatal("should still be open before the reset timeout")
		}
		clk.advance(time.Second)
		if !cb.Allow() {
			t.Fatal("should allow a probe after the reset timeout")
		}
		if cb.GetState() != StateHalfOpen {
			t.Fatalf("expected half-open, got %s", cb.GetState())
		}
		if cb.Allow() {
			t.Fatal("second half-open request should be rejected")
		}
		cb.RecordSuccess()
		if cb.GetState() != StateClosed {
			t.Fatalf("expected closed, got %s", cb.GetState())
		}
	})

	t.Run("probe_failure_reopens", func(t *testing.T) {
		cb, clk := newTestBreaker(cfg)
		fail(cb, 2)
		clk.advance(30 * time.Second)
		cb.Allow()
		cb.RecordFailure()
		if cb.GetState() != StateOpen {
			t.Fatalf("expected open, got %s", cb.GetState())
		}
		if cb.Allow() {
			t.Fatal("reopened circuit should wait a full reset timeout again")
		}
	})
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := New(Config{Name: "stats-test", WindowSize: 10}, testLogger())
	succeed(cb, 2)
	fail(cb, 1)

	stats := cb.Stats()
	if stats.Name != "stats-test" {
		t.Fatalf("name = %s", stats.Name)
	}
	if stats.TotalRequests != 3 || stats.TotalSuccesses != 2 || stats.TotalFailures != 1 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
	if stats.WindowCalls != 3 {
		t.Fatalf("window_calls = %d", stats.WindowCalls)
	}
}

func TestCircuitBreaker_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig("svc")
	if cfg.ErrorThresholdPercent != 50 || cfg.WindowSize != 20 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ResetTimeout != 30*time.Second {
		t.Fatalf("reset_timeout = %v", cfg.ResetTimeout)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

// --- Call Tests ---

func TestCall_FailFastWithFallback(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "wa", ErrorThresholdPercent: 50, WindowSize: 2, MinRequests: 2})
	down := errors.New("provider down")

	for i := 0; i < 2; i++ {
		Call(cb, func() (string, error) { return "", down }, nil)
	}

	calls := 0
	v, err := Call(cb, func() (string, error) {
		calls++
		return "real", nil
	}, func(err error) (string, error) {
		if !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("fallback got %v", err)
		}
		return "cached", nil
	})
	if err != nil || v != "cached" {
		t.Fatalf("expected fallback value, got %q, %v", v, err)
	}
	if calls != 0 {
		t.Fatal("fn must not run while open")
	}
}

func TestCall_NoFallbackReturnsErrCircuitOpen(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "ig", WindowSize: 1, MinRequests: 1})
	Call(cb, func() (int, error) { return 0, errors.New("boom") }, nil)

	if _, err := Call(cb, func() (int, error) { return 1, nil }, nil); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCall_IsFailureFiltersErrors(t *testing.T) {
	badInput := errors.New("invalid recipient")
	cb, _ := newTestBreaker(Config{
		Name: "fb", WindowSize: 2, MinRequests: 2,
		IsFailure: func(err error) bool { return !errors.Is(err, badInput) },
	})

	for i := 0; i < 5; i++ {
		if _, err := Call(cb, func() (int, error) { return 0, badInput }, nil); !errors.Is(err, badInput) {
			t.Fatalf("expected caller error to pass through, got %v", err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatal("errors that are not provider failures must not trip the circuit")
	}
}
