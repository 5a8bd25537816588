// Package clock provides an injectable time source so TTL and window math
// can be tested deterministically. Production code uses System; tests use
// a Fake advanced by hand.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// Fake is a manually advanced clock. Safe for concurrent use.
type Fake struct {
	mu sync.Mutex
	t  time.Time
}

// NewFake returns a Fake pinned to start.
func NewFake(start time.Time) *Fake {
	return &Fake{t: start}
}

// Now returns the current fake instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t
}

// Or returns c when non-nil and System otherwise. Options structs use it to
// default their Clock field.
func Or(c Clock) Clock {
	if c != nil {
		return c
	}
	return System{}
}
