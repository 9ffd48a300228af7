package graph

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"single attempt", RetryPolicy{MaxAttempts: 1}, false},
		{"typical", RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}, false},
		{"zero attempts", RetryPolicy{MaxAttempts: 0}, true},
		{"negative attempts", RetryPolicy{MaxAttempts: -1}, true},
		{"max below base", RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Millisecond}, true},
		{"uncapped", RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidRetryPolicy) {
				t.Errorf("Validate() = %v, want ErrInvalidRetryPolicy", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	t.Run("grows exponentially", func(t *testing.T) {
		base := 10 * time.Millisecond
		d1 := computeBackoff(1, base, 0, rng)
		d4 := computeBackoff(4, base, 0, rng)
		// 2^1*base vs 2^4*base; jitter adds at most one base each.
		if d4 <= d1 {
			t.Errorf("attempt 4 delay %v not greater than attempt 1 delay %v", d4, d1)
		}
		if d1 < 2*base || d1 > 3*base {
			t.Errorf("attempt 1 delay %v outside [2b, 3b]", d1)
		}
	})

	t.Run("caps at max delay", func(t *testing.T) {
		base := 10 * time.Millisecond
		maxDelay := 50 * time.Millisecond
		d := computeBackoff(10, base, maxDelay, rng)
		if d > maxDelay+base {
			t.Errorf("delay %v exceeds cap plus jitter", d)
		}
	})

	t.Run("zero base means no delay", func(t *testing.T) {
		if d := computeBackoff(3, 0, time.Second, rng); d != 0 {
			t.Errorf("delay = %v, want 0", d)
		}
	})
}
