package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// Store is the durable side of the reminder lifecycle.
//
// Transitions are conditional: MarkFired and MarkCancelled require Pending and
// return reminder.ErrNotPending otherwise; MarkDelivered requires Fired and
// returns reminder.ErrNotFired. Unknown ids return reminder.ErrNotFound.
type Store interface {
	CreateReminder(ctx context.Context, owner int64, content string, fireAt time.Time) (reminder.ID, error)
	Get(ctx context.Context, id reminder.ID) (reminder.Reminder, error)
	MarkFired(ctx context.Context, id reminder.ID, at time.Time) error
	MarkDelivered(ctx context.Context, id reminder.ID, at time.Time) error
	MarkCancelled(ctx context.Context, id reminder.ID) error
	DeleteReminder(ctx context.Context, id reminder.ID) error
	// ListByState returns rows ordered by fire time. limit <= 0 means no limit.
	ListByState(ctx context.Context, state reminder.State, limit int) ([]reminder.Reminder, error)
	// ListForOwner returns rows ordered by fire time. No states means all.
	ListForOwner(ctx context.Context, owner int64, states ...reminder.State) ([]reminder.Reminder, error)
	// PruneFinished deletes delivered and cancelled rows created before olderThan.
	PruneFinished(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func wantState(states []reminder.State, s reminder.State) bool {
	if len(states) == 0 {
		return true
	}
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// conflictErr maps a failed transition out of current to the caller-facing error.
func conflictErr(to reminder.State) error {
	if to == reminder.StateDelivered {
		return reminder.ErrNotFired
	}
	return reminder.ErrNotPending
}

func fromState(to reminder.State) reminder.State {
	if to == reminder.StateDelivered {
		return reminder.StateFired
	}
	return reminder.StatePending
}
