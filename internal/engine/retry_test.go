package engine

import (
	"testing"
	"time"
)

func TestDecideRetry(t *testing.T) {
	base := 100 * time.Millisecond
	capAt := time.Second

	tests := []struct {
		name       string
		attempts   int
		maxRetries int
		wantRetry  bool
		wantDelay  time.Duration
	}{
		{"first failure retries", 1, 3, true, 100 * time.Millisecond},
		{"second failure doubles", 2, 3, true, 200 * time.Millisecond},
		{"third failure doubles again", 3, 3, true, 400 * time.Millisecond},
		{"retries exhausted", 4, 3, false, 0},
		{"no retries allowed", 1, 0, false, 0},
		{"delay capped", 6, 10, true, time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := decideRetry(tc.attempts, tc.maxRetries, base, capAt)
			if d.retry != tc.wantRetry {
				t.Errorf("retry = %v, want %v", d.retry, tc.wantRetry)
			}
			if d.delay != tc.wantDelay {
				t.Errorf("delay = %v, want %v", d.delay, tc.wantDelay)
			}
		})
	}
}

func TestBackoffDelayOverflow(t *testing.T) {
	capAt := 5 * time.Minute
	// Shift counts large enough to overflow a duration must clamp to the cap.
	for _, attempts := range []int{63, 64, 100, 1 << 20} {
		if d := backoffDelay(attempts, time.Second, capAt); d != capAt {
			t.Errorf("backoffDelay(%d) = %v, want cap %v", attempts, d, capAt)
		}
	}
}

func TestBackoffDelayZeroBase(t *testing.T) {
	if d := backoffDelay(3, 0, time.Minute); d != 0 {
		t.Errorf("backoffDelay with zero base = %v, want 0", d)
	}
}
