// Package clock supplies wall-clock time and randomness as injectable
// dependencies.
package clock

import (
	"crypto/rand"
	"io"
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// System reads the process clock.
type System struct{}

func New() System {
	return System{}
}

func (System) Now() time.Time {
	return time.Now()
}

// Random is the default cryptographically secure source.
func Random() io.Reader {
	return rand.Reader
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
