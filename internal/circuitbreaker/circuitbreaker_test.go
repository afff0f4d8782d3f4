package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_ClosedAllows(t *testing.T) {
	t.Parallel()

	b := NewBreaker(DefaultConfig())
	if !b.Allow() {
		t.Fatal("closed breaker should allow")
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensOnConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: 30 * time.Second}
	b := NewBreaker(cfg)

	b.RecordError()
	b.RecordError()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed (below threshold)", b.State())
	}

	b.RecordError()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker should reject")
	}
}

func TestBreaker_SuccessResetsFailureCounterInClosed(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: 30 * time.Second}
	b := NewBreaker(cfg)

	b.RecordError()
	b.RecordError()
	b.RecordSuccess() // resets the counter
	b.RecordError()
	b.RecordError()

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed (counter was reset)", b.State())
	}
}

func TestBreaker_OpenToHalfOpenAfterResetTimeout(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: 1 * time.Millisecond}
	b := NewBreaker(cfg)

	b.RecordError()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(5 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("should allow probe once reset timeout has elapsed")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 1, SuccessThreshold: 3, ResetTimeout: 1 * time.Millisecond}
	b := NewBreaker(cfg)

	b.RecordError()
	time.Sleep(5 * time.Millisecond)
	b.Allow() // Open -> HalfOpen

	b.RecordSuccess()
	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open (below success threshold)", b.State())
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 1, SuccessThreshold: 3, ResetTimeout: 1 * time.Millisecond}
	b := NewBreaker(cfg)

	b.RecordError()
	time.Sleep(5 * time.Millisecond)
	b.Allow() // Open -> HalfOpen

	b.RecordSuccess()
	b.RecordError() // any failure in half-open reopens
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after half-open failure", b.State())
	}

	// Failure counter was reset by the reopen; subsequent failure shouldn't
	// immediately retrip past the threshold check before the timer elapses.
	if b.Allow() {
		t.Fatal("freshly reopened breaker should reject until reset timeout elapses again")
	}
}

func TestBreaker_HalfOpenAdmitsProbes(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 1, SuccessThreshold: 5, ResetTimeout: 1 * time.Millisecond}
	b := NewBreaker(cfg)

	b.RecordError()
	time.Sleep(5 * time.Millisecond)
	b.Allow() // Open -> HalfOpen

	if !b.Allow() || !b.Allow() {
		t.Fatal("half-open breaker should admit probe requests")
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{FailureThreshold: 100, SuccessThreshold: 100, ResetTimeout: time.Millisecond})

	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 100 {
				b.Allow()
				b.RecordSuccess()
				b.RecordError()
				_ = b.State()
				_ = b.LastUsed()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}
	// No race detected = pass (test runs with -race).
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
