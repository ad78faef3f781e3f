package delivery

import (
	"context"
	"errors"
	"time"

	"remindbot/internal/reminder"
)

var ErrStopped = errors.New("delivery coordinator stopped")

// Deliverer hands a fired reminder to its owner (chat message, webhook...).
type Deliverer interface {
	Deliver(ctx context.Context, owner int64, content string, id reminder.ID) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, owner int64, content string, id reminder.ID) error

func (f DelivererFunc) Deliver(ctx context.Context, owner int64, content string, id reminder.ID) error {
	return f(ctx, owner, content, id)
}

// Store is the part of storage.Store the coordinator needs.
type Store interface {
	MarkFired(ctx context.Context, id reminder.ID, at time.Time) error
	MarkDelivered(ctx context.Context, id reminder.ID, at time.Time) error
}

// Config controls the delivery workers.
//
// Workers and QueueSize apply on Start. RatePerSec, Burst, SendTimeout and
// HistorySize can change live via Apply.
type Config struct {
	Workers   int
	QueueSize int

	// RatePerSec caps sends across all workers. 0 means unlimited.
	RatePerSec float64
	Burst      int

	SendTimeout time.Duration
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	// OutcomeSkipped: the reminder was cancelled or deleted before it could be claimed.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeStoreError: the fired claim could not be written; the row stays pending.
	OutcomeStoreError Outcome = "store_error"
)

// Attempt is one pass of a fired job through the pipeline. It is kept in
// history and published as event data.
type Attempt struct {
	AttemptID  string        `json:"attempt_id"`
	ReminderID reminder.ID   `json:"reminder_id"`
	Owner      int64         `json:"owner"`
	FireAt     time.Time     `json:"fire_at"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Outcome    Outcome       `json:"outcome"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`

	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
	Skipped    uint64 `json:"skipped"`
	StoreError uint64 `json:"store_error"`

	History []Attempt `json:"history"`
}
