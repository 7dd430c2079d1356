// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock returns UTC wall time truncated to a fixed precision, so timestamps
// read back from any store compare equal to the ones written.
type Clock struct {
	precision time.Duration
}

// New returns a clock with microsecond precision, the finest Postgres keeps.
func New() *Clock {
	return &Clock{precision: time.Microsecond}
}

// NewWithPrecision returns a clock truncating to p. Non-positive p keeps
// full precision.
func NewWithPrecision(p time.Duration) *Clock {
	return &Clock{precision: p}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	now := time.Now().UTC()
	if c == nil || c.precision <= 0 {
		return now
	}
	return now.Truncate(c.precision)
}
