package backoff_test

import (
	"testing"
	"time"

	"github.com/DEEJ4Y/procengine/backoff"
)

func TestConstant(t *testing.T) {
	c := backoff.NewConstant(5 * time.Second)
	for attempt := 0; attempt <= 10; attempt++ {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 5*time.Second)
		}
	}
}

func TestLinear(t *testing.T) {
	l := backoff.NewLinear(time.Second, 5*time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{3, 3 * time.Second},
		{5, 5 * time.Second},
		{100, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := l.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{200, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialWithJitter_StaysInRange(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, 8*time.Second)

	for attempt := 1; attempt <= 6; attempt++ {
		limit := time.Second << (attempt - 1)
		if limit > 8*time.Second {
			limit = 8 * time.Second
		}
		for range 50 {
			if got := e.Delay(attempt); got < 0 || got > limit {
				t.Fatalf("Delay(%d) = %v, want within [0, %v]", attempt, got, limit)
			}
		}
	}
}

func TestFunc(t *testing.T) {
	var seen int
	f := backoff.Func(func(attempt int) time.Duration {
		seen = attempt
		return time.Duration(attempt) * time.Millisecond
	})

	if got := f.Delay(-3); got != time.Millisecond {
		t.Errorf("Delay(-3) = %v, want 1ms", got)
	}
	if seen != 1 {
		t.Errorf("attempt passed through = %d, want 1", seen)
	}
}

func TestDefaultStrategy(t *testing.T) {
	s := backoff.DefaultStrategy()
	if got := s.Delay(1); got > 10*time.Second {
		t.Errorf("first delay %v exceeds initial interval", got)
	}
}
