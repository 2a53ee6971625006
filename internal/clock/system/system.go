// Package system is the real time source behind monitor.Clock.
package system

import "time"

// Clock reads the wall clock. Timestamps are normalized to UTC so the window
// gate's fixed-offset math never sees the host timezone.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
