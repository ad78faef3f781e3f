package reminder

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	all := []State{StatePending, StateFired, StateDelivered, StateCancelled}
	allowed := map[[2]State]bool{
		{StatePending, StateFired}:     true,
		{StateFired, StateDelivered}:   true,
		{StatePending, StateCancelled}: true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]State{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestPastTimeErrorMatchesSentinel(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	err := fmt.Errorf("schedule: %w", &PastTimeError{ID: 7, FireAt: now.Add(-time.Minute), Now: now})
	if !errors.Is(err, ErrPastTime) {
		t.Fatal("errors.Is(err, ErrPastTime) = false")
	}
	var pe *PastTimeError
	if !errors.As(err, &pe) || pe.ID != 7 {
		t.Fatalf("errors.As failed: %v", pe)
	}
}

func TestParseID(t *testing.T) {
	t.Parallel()
	id, err := ParseID(ID(42).String())
	if err != nil || id != 42 {
		t.Fatalf("ParseID = %d, %v", id, err)
	}
	if _, err := ParseID("x"); err == nil {
		t.Fatal("expected error for non-numeric id")
	}
}
