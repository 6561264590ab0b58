// Package clock abstracts time for components that schedule or compare it.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// MockClock is a manually advanced clock for tests.
type MockClock struct {
	currentTime time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{currentTime: start}
}

func (c *MockClock) Now() time.Time { return c.currentTime }

func (c *MockClock) Advance(d time.Duration) { c.currentTime = c.currentTime.Add(d) }
