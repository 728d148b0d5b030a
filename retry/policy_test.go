package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	p := Default()

	if p.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", p.MaxAttempts)
	}
	if p.InitialDelay != 2*time.Second {
		t.Errorf("InitialDelay = %v, want 2s", p.InitialDelay)
	}
	if p.MaxDelay != time.Minute {
		t.Errorf("MaxDelay = %v, want 1m", p.MaxDelay)
	}
	if p.Retryable != nil {
		t.Error("Default() should retry every non-permanent error")
	}
}

func TestNoRetry(t *testing.T) {
	p := NoRetry()

	if p.ShouldRetry(1, errors.New("boom")) {
		t.Error("NoRetry().ShouldRetry(1) = true, want false")
	}
}

func TestNextDelay(t *testing.T) {
	p := &Policy{
		MaxAttempts:  4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     300 * time.Millisecond,
		Multiplier:   2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{-1, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond}, // capped
		{10, 300 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
			if got := p.NextDelay(tt.attempt); got != tt.want {
				t.Errorf("NextDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestNextDelay_Jitter(t *testing.T) {
	p := &Policy{InitialDelay: time.Second, Multiplier: 1.0, Jitter: 0.2}

	for i := 0; i < 200; i++ {
		d := p.NextDelay(1)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("NextDelay(1) = %v, want within [800ms, 1200ms]", d)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	errTransient := errors.New("connection reset")
	errConflict := errors.New("sequence conflict")

	onlyConflicts := &Policy{
		MaxAttempts: 3,
		Retryable:   func(err error) bool { return errors.Is(err, errConflict) },
	}

	tests := []struct {
		name    string
		policy  *Policy
		attempt int
		err     error
		want    bool
	}{
		{"transient first attempt", Default(), 1, errTransient, true},
		{"attempts exhausted", Default(), 5, errTransient, false},
		{"nil error", Default(), 1, nil, false},
		{"permanent", Default(), 1, Permanent(errTransient), false},
		{"wrapped permanent", Default(), 1, fmt.Errorf("deliver: %w", Permanent(errTransient)), false},
		{"classified retryable", onlyConflicts, 1, fmt.Errorf("append: %w", errConflict), true},
		{"classified not retryable", onlyConflicts, 1, errTransient, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.ShouldRetry(tt.attempt, tt.err); got != tt.want {
				t.Errorf("ShouldRetry(%d, %v) = %v, want %v", tt.attempt, tt.err, got, tt.want)
			}
		})
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}

	cause := errors.New("unknown action")
	err := Permanent(cause)
	if !errors.Is(err, cause) {
		t.Error("Permanent should unwrap to its cause")
	}
	if err.Error() != cause.Error() {
		t.Errorf("Error() = %q, want %q", err.Error(), cause.Error())
	}
	if IsPermanent(cause) {
		t.Error("IsPermanent(cause) = true, want false")
	}
}
