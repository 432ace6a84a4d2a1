package jobs

import (
	"testing"
	"time"
)

func TestRetryDelayBounds(t *testing.T) {
	// 期待中央値: 500ms, 1s, 2s, 4s, ...
	for attempt := 1; attempt <= 6; attempt++ {
		base := 500 * time.Millisecond * time.Duration(1<<(attempt-1))
		if base > backoffMax {
			base = backoffMax
		}
		min := time.Duration(float64(base) * 0.8)
		max := time.Duration(float64(base) * 1.2)

		for i := 0; i < 50; i++ {
			d := RetryDelay(attempt)
			if d < min || d > max {
				t.Fatalf("RetryDelay(%d) = %v, want in [%v, %v]", attempt, d, min, max)
			}
		}
	}
}

func TestRetryDelayCapped(t *testing.T) {
	// 指数的増加は上限で頭打ちになる
	for i := 0; i < 50; i++ {
		d := RetryDelay(20)
		if d > time.Duration(float64(backoffMax)*1.2) {
			t.Fatalf("RetryDelay(20) = %v exceeds cap with jitter", d)
		}
		if d < time.Duration(float64(backoffMax)*0.8) {
			t.Fatalf("RetryDelay(20) = %v below capped minimum", d)
		}
	}
}

func TestRetryDelayNonPositiveAttempt(t *testing.T) {
	if d := RetryDelay(0); d <= 0 {
		t.Fatalf("RetryDelay(0) = %v, want positive", d)
	}
	if d := RetryDelay(-1); d <= 0 {
		t.Fatalf("RetryDelay(-1) = %v, want positive", d)
	}
}
