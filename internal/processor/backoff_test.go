package processor

import (
	"testing"
	"time"
)

func TestBackoffBounds(t *testing.T) {
	tests := []struct {
		k    int
		min  time.Duration
		max  time.Duration
	}{
		{1, 2 * time.Second, 3 * time.Second},
		{2, 4 * time.Second, 5 * time.Second},
		{3, 8 * time.Second, 9 * time.Second},
		{5, 32 * time.Second, 33 * time.Second},
	}

	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := backoff(tt.k)
			if d < tt.min || d >= tt.max {
				t.Fatalf("backoff(%d) = %v, want in [%v, %v)", tt.k, d, tt.min, tt.max)
			}
		}
	}
}

func TestBackoffGrowsWithAttempt(t *testing.T) {
	if backoff(5) <= backoff(1) {
		t.Error("expected backoff to grow with attempt count (up to jitter)")
	}
}
