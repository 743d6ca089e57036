package retry

import (
	"testing"
	"time"
)

func TestBackoffSequence(t *testing.T) {
	want := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		300 * time.Second,
		900 * time.Second,
	}
	for attempt, expected := range want {
		if got := Backoff(attempt); got != expected {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestBackoffHoldsAtFinalInterval(t *testing.T) {
	last := 900 * time.Second
	for _, attempt := range []int{5, 6, 10, 1000} {
		if got := Backoff(attempt); got != last {
			t.Errorf("Backoff(%d) = %v, want hold at %v", attempt, got, last)
		}
	}
}

func TestBackoffIsNonDecreasing(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		got := Backoff(attempt)
		if got < prev {
			t.Fatalf("Backoff(%d) = %v decreased from %v", attempt, got, prev)
		}
		prev = got
	}
}

func TestBackoffDefinedForNegativeAttempt(t *testing.T) {
	if got := Backoff(-1); got != 30*time.Second {
		t.Errorf("Backoff(-1) = %v, want %v", got, 30*time.Second)
	}
}

func TestMediaBackoffSequence(t *testing.T) {
	want := []time.Duration{
		time.Second,
		5 * time.Second,
		30 * time.Second,
		60 * time.Second,
		5 * time.Minute,
		15 * time.Minute,
		time.Hour,
	}
	for attempt, expected := range want {
		if got := MediaBackoff(attempt); got != expected {
			t.Errorf("MediaBackoff(%d) = %v, want %v", attempt, got, expected)
		}
	}
	if got := MediaBackoff(99); got != time.Hour {
		t.Errorf("MediaBackoff(99) = %v, want hold at %v", got, time.Hour)
	}
}

func TestBackoffForSelectsSchedule(t *testing.T) {
	tests := []struct {
		contentType string
		attempt     int
		want        time.Duration
	}{
		{"text", 0, 30 * time.Second},
		{"image", 0, time.Second},
		{"image/jpeg", 1, 5 * time.Second},
		{"audio/ogg", 2, 30 * time.Second},
		{"video", 6, time.Hour},
		{"file", 0, time.Second},
	}
	for _, tt := range tests {
		if got := BackoffFor(tt.contentType, tt.attempt); got != tt.want {
			t.Errorf("BackoffFor(%q, %d) = %v, want %v", tt.contentType, tt.attempt, got, tt.want)
		}
	}
}
