package retry

import (
	"errors"
	"fmt"
	"testing"
)

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	var tripped int
	b := &Breaker{MaxFailures: 2, OnTrip: func(n int, _ error) { tripped = n }}
	fail := func() error { return fmt.Errorf("overflow") }

	_ = b.Execute(fail)
	if b.Tripped() {
		t.Fatal("tripped after one failure")
	}
	_ = b.Execute(fail)
	if !b.Tripped() || tripped != 2 {
		t.Fatalf("tripped=%v onTrip=%d", b.Tripped(), tripped)
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrTripped) {
		t.Fatalf("err = %v, want ErrTripped", err)
	}
	if called {
		t.Fatal("fn must not run once tripped")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := &Breaker{MaxFailures: 2}
	_ = b.Execute(func() error { return fmt.Errorf("x") })
	_ = b.Execute(func() error { return nil })
	if b.Failures() != 0 {
		t.Fatalf("failures = %d, want 0", b.Failures())
	}
	_ = b.Execute(func() error { return fmt.Errorf("x") })
	if b.Tripped() {
		t.Fatal("non-consecutive failures must not trip")
	}
}

func TestBreaker_DefaultAndReset(t *testing.T) {
	b := &Breaker{}
	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return fmt.Errorf("x") })
	}
	if !b.Tripped() {
		t.Fatal("default limit is 3")
	}
	b.Reset()
	if b.Tripped() || b.Failures() != 0 {
		t.Fatal("Reset should re-arm")
	}
}
