// Package retry drives the timer-based resend loop over the outbox, gated
// by the connection status.
package retry

import (
	"strings"
	"time"
)

// textSchedule is the retry delay before attempt n+1 of a text message.
var textSchedule = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	900 * time.Second,
}

// mediaSchedule is the longer schedule used for media transfers.
var mediaSchedule = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
	60 * time.Second,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

// Backoff returns the delay before the next attempt given how many attempts
// have already completed. It is defined for every attempt >= 0: past the
// end of the schedule it holds at the final interval; the outbox TTL is
// what ultimately ends retrying.
func Backoff(attempt int) time.Duration {
	return pick(textSchedule, attempt)
}

// MediaBackoff is Backoff for media transfers.
func MediaBackoff(attempt int) time.Duration {
	return pick(mediaSchedule, attempt)
}

// BackoffFor selects the schedule from the message content type.
func BackoffFor(contentType string, attempt int) time.Duration {
	if IsMedia(contentType) {
		return MediaBackoff(attempt)
	}
	return Backoff(attempt)
}

// IsMedia reports whether a content type uses the media retry schedule.
func IsMedia(contentType string) bool {
	for _, prefix := range []string{"image", "audio", "video", "file"} {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}

func pick(schedule []time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[attempt]
}
