// Package reminder holds the reminder data model shared by the extractor,
// the timeline, the delivery coordinator and the stores.
package reminder

import (
	"strconv"
	"time"
)

// ID is assigned by the durable store before a reminder is scheduled.
type ID int64

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseID parses the decimal form produced by ID.String.
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ID(n), nil
}

type State string

const (
	StatePending   State = "pending"
	StateFired     State = "fired"
	StateDelivered State = "delivered"
	StateCancelled State = "cancelled"
)

func (s State) Valid() bool {
	switch s {
	case StatePending, StateFired, StateDelivered, StateCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateDelivered || s == StateCancelled }

// CanTransition allows pending->fired, fired->delivered and pending->cancelled only.
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateFired || to == StateCancelled
	case StateFired:
		return to == StateDelivered
	}
	return false
}

// Job is the scheduled unit held by the timeline.
type Job struct {
	ID      ID        `json:"id"`
	Owner   int64     `json:"owner"`
	Content string    `json:"content"`
	FireAt  time.Time `json:"fire_at"`
	State   State     `json:"state"`
}

// Reminder is the durable row.
type Reminder struct {
	Job
	CreatedAt   time.Time `json:"created_at"`
	FiredAt     time.Time `json:"fired_at,omitempty"`
	DeliveredAt time.Time `json:"delivered_at,omitempty"`
}
