package job

import (
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempts int
		max      time.Duration
		want     time.Duration
	}{
		{1, 30 * time.Second, 2 * time.Second},
		{2, 30 * time.Second, 4 * time.Second},
		{3, 30 * time.Second, 8 * time.Second},
		{4, 30 * time.Second, 16 * time.Second},
		{5, 30 * time.Second, 30 * time.Second}, // 32s capped
		{10, 30 * time.Second, 30 * time.Second},
		{2, 3 * time.Second, 3 * time.Second}, // low ceiling
	}
	for _, tt := range tests {
		if got := RetryDelay(tt.attempts, tt.max); got != tt.want {
			t.Errorf("RetryDelay(%d, %s) = %s, want %s", tt.attempts, tt.max, got, tt.want)
		}
	}
}

func TestRetryDelayMonotonic(t *testing.T) {
	prev := time.Duration(0)
	for n := 1; n <= 10; n++ {
		d := RetryDelay(n, DefaultMaxBackoff)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %s < %s", n, d, prev)
		}
		prev = d
	}
}

func TestRetryDelayDefaults(t *testing.T) {
	if got := RetryDelay(1, 0); got != 2*time.Second {
		t.Errorf("RetryDelay with zero ceiling = %s, want 2s", got)
	}
	if got := RetryDelay(40, DefaultMaxBackoff); got != DefaultMaxBackoff {
		t.Errorf("RetryDelay with huge attempts = %s, want %s", got, DefaultMaxBackoff)
	}
}
