// Package clock lets the storage and upload loops read time through an
// injectable source. Production code uses Real(); tests use Fake() and move
// time forward explicitly with Advance.
package clock

import "time"

type Clock interface {
	Now() time.Time
	// After behaves like time.After. A non-positive d fires immediately.
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
