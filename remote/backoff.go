package remote

import (
	"math"
	"time"
)

type BackoffSettings struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// 0 means retry forever
	MaxAttempts int
}

func DefaultBackoffSettings() *BackoffSettings {
	return &BackoffSettings{
		InitialDelay: 1 * time.Second,
		Multiplier:   1.5,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  0,
	}
}

// backoff computes the retry delay sequence
// min(initial * multiplier^attempt, max). Not safe for concurrent use.
type backoff struct {
	settings *BackoffSettings
	attempt  int
}

func newBackoff(settings *BackoffSettings) *backoff {
	return &backoff{
		settings: settings,
	}
}

// NextDelay returns the delay for the current attempt and advances.
func (self *backoff) NextDelay() time.Duration {
	delay := self.delayForAttempt(self.attempt)
	self.attempt += 1
	return delay
}

func (self *backoff) delayForAttempt(attempt int) time.Duration {
	// compare in float space so a large exponent cannot overflow Duration
	delay := float64(self.settings.InitialDelay) * math.Pow(self.settings.Multiplier, float64(attempt))
	if float64(self.settings.MaxDelay) < delay {
		return self.settings.MaxDelay
	}
	return time.Duration(delay)
}

// Reset returns to the initial delay. Called after a successful open.
func (self *backoff) Reset() {
	self.attempt = 0
}

// Exhausted reports whether the attempt limit was reached.
func (self *backoff) Exhausted() bool {
	return 0 < self.settings.MaxAttempts && self.settings.MaxAttempts <= self.attempt
}
