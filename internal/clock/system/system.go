// Package system provides the wall-clock implementation of bib.Clock.
package system

import "time"

// Clock reports the current UTC time.
type Clock struct{}

// New returns a system clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
