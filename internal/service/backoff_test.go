package service

import (
	"testing"
	"time"
)

func TestBackoffPolicyDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		policy  BackoffPolicy
		attempt int
		want    time.Duration
	}{
		{name: "first retry", policy: DefaultBackoffPolicy(), attempt: 1, want: 2 * time.Second},
		{name: "third retry", policy: DefaultBackoffPolicy(), attempt: 3, want: 8 * time.Second},
		{name: "fractional base", policy: BackoffPolicy{Base: 1.5, Unit: time.Second}, attempt: 2, want: 2250 * time.Millisecond},
		{name: "millisecond unit", policy: BackoffPolicy{Base: 3, Unit: time.Millisecond}, attempt: 2, want: 9 * time.Millisecond},
		{name: "zero unit defaults to seconds", policy: BackoffPolicy{Base: 2}, attempt: 1, want: 2 * time.Second},
		{name: "capped", policy: BackoffPolicy{Base: 100, Unit: time.Second}, attempt: 10, want: maxBackoffDelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.policy.Delay(tt.attempt); got != tt.want {
				t.Fatalf("Delay(%d) = %s, want %s", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestBackoffPolicyDelayIsMonotonic(t *testing.T) {
	t.Parallel()

	for _, base := range []float64{1.1, 2, 3, 10} {
		policy := BackoffPolicy{Base: base, Unit: time.Second}
		prev := policy.Delay(1)
		for k := 2; k <= 10; k++ {
			next := policy.Delay(k)
			if next < prev {
				t.Fatalf("base %v: Delay(%d) = %s < Delay(%d) = %s", base, k, next, k-1, prev)
			}
			if next == prev && next != maxBackoffDelay {
				t.Fatalf("base %v: Delay(%d) = Delay(%d) = %s below the cap", base, k, k-1, next)
			}
			prev = next
		}
	}
}
