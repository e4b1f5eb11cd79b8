package retry

import (
	"errors"
	"fmt"
	"sync"
)

// ErrTripped is returned by [Breaker.Execute] once too many consecutive
// calls have failed.
var ErrTripped = errors.New("too many consecutive failures")

// Breaker stops a repeated operation after MaxFailures failures in a
// row.  A success resets the count.  Unlike a service circuit breaker it
// never half-opens: once tripped it stays tripped until [Breaker.Reset].
type Breaker struct {
	// MaxFailures is the number of consecutive failures that trips the
	// breaker (default 3).
	MaxFailures int
	// OnTrip is called once, with the failure that tripped it.
	OnTrip func(failures int, err error)

	mu       sync.Mutex
	failures int
	tripped  bool
}

// Execute runs fn unless the breaker has tripped.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	if b.tripped {
		n := b.failures
		b.mu.Unlock()
		return fmt.Errorf("%w (%d)", ErrTripped, n)
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	if err == nil {
		b.failures = 0
		b.mu.Unlock()
		return nil
	}
	b.failures++
	trip := !b.tripped && b.failures >= b.limit()
	if trip {
		b.tripped = true
	}
	n := b.failures
	b.mu.Unlock()

	if trip && b.OnTrip != nil {
		b.OnTrip(n, err)
	}
	return err
}

// Tripped reports whether the breaker refuses further calls.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset clears the failure count and re-arms the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.tripped = false
	b.mu.Unlock()
}

func (b *Breaker) limit() int {
	if b.MaxFailures <= 0 {
		return 3
	}
	return b.MaxFailures
}
