package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dialect carries the few differences between the SQL backends.
type dialect struct {
	name      string
	migration string
	// dollar switches ? placeholders to $1, $2...
	dollar bool
}

var (
	sqliteDialect   = dialect{name: "sqlite", migration: "migrations/sqlite.sql"}
	postgresDialect = dialect{name: "postgres", migration: "migrations/postgres.sql", dollar: true}
)

func (d dialect) bind(q string) string {
	if !d.dollar {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore implements Store on database/sql. Times are stored as unix millis.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

const reminderColumns = `id, owner, content, state, fire_at_ms, created_at_ms, fired_at_ms, delivered_at_ms`

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, d: d, log: log}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile(s.d.migration)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("%s migrate: %w", s.d.name, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) CreateReminder(ctx context.Context, owner int64, content string, fireAt time.Time) (reminder.ID, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.d.bind(
		`INSERT INTO reminders (owner, content, state, fire_at_ms, created_at_ms)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`),
		owner, content, string(reminder.StatePending), toMillis(fireAt), time.Now().UnixMilli(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create reminder: %w", err)
	}
	return reminder.ID(id), nil
}

func (s *sqlStore) Get(ctx context.Context, id reminder.ID) (reminder.Reminder, error) {
	row := s.db.QueryRowContext(ctx, s.d.bind(`SELECT `+reminderColumns+` FROM reminders WHERE id = ?`), int64(id))
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, reminder.ErrNotFound
	}
	return r, err
}

func (s *sqlStore) MarkFired(ctx context.Context, id reminder.ID, at time.Time) error {
	return s.transition(ctx, id, reminder.StateFired,
		`UPDATE reminders SET state = ?, fired_at_ms = ? WHERE id = ? AND state = ?`,
		string(reminder.StateFired), toMillis(at), int64(id), string(reminder.StatePending))
}

func (s *sqlStore) MarkDelivered(ctx context.Context, id reminder.ID, at time.Time) error {
	return s.transition(ctx, id, reminder.StateDelivered,
		`UPDATE reminders SET state = ?, delivered_at_ms = ? WHERE id = ? AND state = ?`,
		string(reminder.StateDelivered), toMillis(at), int64(id), string(reminder.StateFired))
}

func (s *sqlStore) MarkCancelled(ctx context.Context, id reminder.ID) error {
	return s.transition(ctx, id, reminder.StateCancelled,
		`UPDATE reminders SET state = ? WHERE id = ? AND state = ?`,
		string(reminder.StateCancelled), int64(id), string(reminder.StatePending))
}

// transition runs a conditional UPDATE. When no row changed it looks the row
// up to tell a missing id from a state conflict.
func (s *sqlStore) transition(ctx context.Context, id reminder.ID, to reminder.State, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.d.bind(q), args...)
	if err != nil {
		return fmt.Errorf("mark %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var cur string
	err = s.db.QueryRowContext(ctx, s.d.bind(`SELECT state FROM reminders WHERE id = ?`), int64(id)).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.ErrNotFound
	}
	if err != nil {
		return err
	}
	return conflictErr(to)
}

func (s *sqlStore) DeleteReminder(ctx context.Context, id reminder.ID) error {
	res, err := s.db.ExecContext(ctx, s.d.bind(`DELETE FROM reminders WHERE id = ?`), int64(id))
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return reminder.ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListByState(ctx context.Context, state reminder.State, limit int) ([]reminder.Reminder, error) {
	q := `SELECT ` + reminderColumns + ` FROM reminders WHERE state = ? ORDER BY fire_at_ms, id`
	args := []any{string(state)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, q, args...)
}

func (s *sqlStore) ListForOwner(ctx context.Context, owner int64, states ...reminder.State) ([]reminder.Reminder, error) {
	q := `SELECT ` + reminderColumns + ` FROM reminders WHERE owner = ?`
	args := []any{owner}
	if len(states) > 0 {
		q += ` AND state IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ") + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY fire_at_ms, id`
	return s.query(ctx, q, args...)
}

func (s *sqlStore) PruneFinished(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.d.bind(
		`DELETE FROM reminders WHERE state IN (?, ?) AND created_at_ms < ?`),
		string(reminder.StateDelivered), string(reminder.StateCancelled), olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune reminders: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, s.d.bind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]reminder.Reminder, 0)
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(sc rowScanner) (reminder.Reminder, error) {
	var r reminder.Reminder
	var id, fireAt, createdAt, firedAt, delivAt int64
	var state string
	if err := sc.Scan(&id, &r.Owner, &r.Content, &state, &fireAt, &createdAt, &firedAt, &delivAt); err != nil {
		return reminder.Reminder{}, err
	}
	r.ID = reminder.ID(id)
	r.State = reminder.State(state)
	r.FireAt = fromMillis(fireAt)
	r.CreatedAt = fromMillis(createdAt)
	r.FiredAt = fromMillis(firedAt)
	r.DeliveredAt = fromMillis(delivAt)
	return r, nil
}
