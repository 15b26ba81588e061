package client

import (
	"testing"
	"time"
)

func TestBaseDelayDoublesAndClamps(t *testing.T) {
	b := BackoffConfig{Base: time.Second, Max: 30 * time.Second}
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, w := range want {
		if got := b.BaseDelay(attempt); got != w {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, w)
		}
	}
}

func TestDelayStaysWithinJitterBand(t *testing.T) {
	b := BackoffConfig{Base: time.Second, Max: 30 * time.Second, JitterFactor: 0.2}
	for attempt := 0; attempt < 6; attempt++ {
		base := b.BaseDelay(attempt)
		lo := time.Duration(float64(base) * 0.8)
		hi := time.Duration(float64(base) * 1.2)
		for i := 0; i < 100; i++ {
			d := b.Delay(attempt)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestZeroJitterIsDeterministic(t *testing.T) {
	b := BackoffConfig{Base: 500 * time.Millisecond, Max: 10 * time.Second}
	for i := 0; i < 10; i++ {
		if got := b.Delay(2); got != 2*time.Second {
			t.Fatalf("got %v, want 2s", got)
		}
	}
}
