package reminder

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPastTime   = errors.New("fire time is in the past")
	ErrNotFound   = errors.New("reminder not found")
	ErrNotPending = errors.New("reminder is not pending")
	ErrNotFired   = errors.New("reminder has not fired")
	ErrEmptyText  = errors.New("reminder text is empty")
)

// PastTimeError is returned by the timeline when a job's fire time is before now.
// It matches ErrPastTime with errors.Is.
type PastTimeError struct {
	ID     ID
	FireAt time.Time
	Now    time.Time
}

func (e *PastTimeError) Error() string {
	return fmt.Sprintf("reminder %d: fire time %s is before %s", e.ID, e.FireAt.Format(time.RFC3339), e.Now.Format(time.RFC3339))
}

func (e *PastTimeError) Is(target error) bool { return target == ErrPastTime }
