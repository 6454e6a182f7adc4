package engine

import (
	"time"

	"github.com/coachpo/stratdesk/internal/runstate"
)

// Clock supplies time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) runstate.Timer
}

type systemClock struct{}

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) runstate.Timer {
	return time.AfterFunc(d, f)
}
