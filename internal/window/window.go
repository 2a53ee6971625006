// Package window converts wall-clock time into the daily active monitoring
// window. All evaluation happens in a fixed offset from UTC so behavior does
// not depend on the deployment host's zone.
package window

import (
	"fmt"
	"time"
)

// Gate answers whether monitoring is currently permitted and how long until it
// next is. The active window is the half-open interval [StartHour, EndHour)
// within one calendar day in the fixed offset. Gate is pure and safe for
// concurrent use.
type Gate struct {
	loc   *time.Location
	start int
	end   int
}

// New builds a Gate for the window [startHour, endHour) evaluated at
// utcOffsetHours east of UTC.
func New(utcOffsetHours, startHour, endHour int) (*Gate, error) {
	if utcOffsetHours < -12 || utcOffsetHours > 14 {
		return nil, fmt.Errorf("utc offset %d out of range [-12, 14]", utcOffsetHours)
	}
	if startHour < 0 || startHour > 23 {
		return nil, fmt.Errorf("start hour %d out of range [0, 23]", startHour)
	}
	if endHour < 1 || endHour > 24 {
		return nil, fmt.Errorf("end hour %d out of range [1, 24]", endHour)
	}
	if startHour >= endHour {
		return nil, fmt.Errorf("window start %d must precede end %d", startHour, endHour)
	}
	name := fmt.Sprintf("UTC%+d", utcOffsetHours)
	return &Gate{
		loc:   time.FixedZone(name, utcOffsetHours*3600),
		start: startHour,
		end:   endHour,
	}, nil
}

// IsOpen reports whether now falls inside the active window.
func (g *Gate) IsOpen(now time.Time) bool {
	local := now.In(g.loc)
	return local.Hour() >= g.start && local.Hour() < g.end
}

// UntilOpen returns how long until the window is (next) open: zero when
// already inside it, the same-day gap when before it, and the wrap-around gap
// through midnight when past it.
func (g *Gate) UntilOpen(now time.Time) time.Duration {
	local := now.In(g.loc)
	opens := time.Date(local.Year(), local.Month(), local.Day(), g.start, 0, 0, 0, g.loc)
	if local.Before(opens) {
		return opens.Sub(local)
	}
	closes := time.Date(local.Year(), local.Month(), local.Day(), g.end, 0, 0, 0, g.loc)
	if local.Before(closes) {
		return 0
	}
	return opens.AddDate(0, 0, 1).Sub(local)
}

// Bounds returns the configured start and end hours.
func (g *Gate) Bounds() (start, end int) {
	return g.start, g.end
}
