package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// fileStore keeps every reminder in memory and persists mutations as JSON lines.
//
// Files:
//   - <prefix>.reminders.snapshot.json (periodic snapshot)
//   - <prefix>.reminders.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot on open, every compactEvery writes
// and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	rows   map[reminder.ID]reminder.Reminder
	nextID reminder.ID

	writes       int
	compactEvery int
}

type fileSnapshot struct {
	NextID    reminder.ID         `json:"next_id"`
	Reminders []reminder.Reminder `json:"reminders"`
}

type journalRecord struct {
	Op       string             `json:"op"` // put | del
	ID       reminder.ID        `json:"id"`
	Reminder *reminder.Reminder `json:"reminder,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".reminders.snapshot.json",
		rows:         map[reminder.ID]reminder.Reminder{},
		nextID:       1,
		compactEvery: 500,
	}
	journalPath := prefix + ".reminders.journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	// Fold the replayed journal into a fresh snapshot so a torn tail never
	// prefixes the next append.
	if err := s.compactLocked(); err != nil {
		_ = jf.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("path", path), logx.Int("reminders", len(s.rows)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) CreateReminder(ctx context.Context, owner int64, content string, fireAt time.Time) (reminder.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	id := s.nextID
	r := reminder.Reminder{
		Job: reminder.Job{
			ID:      id,
			Owner:   owner,
			Content: content,
			FireAt:  fireAt,
			State:   reminder.StatePending,
		},
		CreatedAt: time.Now(),
	}
	if err := s.putLocked(r); err != nil {
		return 0, err
	}
	s.nextID++
	return id, nil
}

func (s *fileStore) Get(ctx context.Context, id reminder.ID) (reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return reminder.Reminder{}, reminder.ErrNotFound
	}
	return r, nil
}

func (s *fileStore) MarkFired(ctx context.Context, id reminder.ID, at time.Time) error {
	return s.transition(id, reminder.StateFired, func(r *reminder.Reminder) { r.FiredAt = at })
}

func (s *fileStore) MarkDelivered(ctx context.Context, id reminder.ID, at time.Time) error {
	return s.transition(id, reminder.StateDelivered, func(r *reminder.Reminder) { r.DeliveredAt = at })
}

func (s *fileStore) MarkCancelled(ctx context.Context, id reminder.ID) error {
	return s.transition(id, reminder.StateCancelled, nil)
}

func (s *fileStore) transition(id reminder.ID, to reminder.State, mutate func(*reminder.Reminder)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	r, ok := s.rows[id]
	if !ok {
		return reminder.ErrNotFound
	}
	if !reminder.CanTransition(r.State, to) {
		return conflictErr(to)
	}
	r.State = to
	if mutate != nil {
		mutate(&r)
	}
	return s.putLocked(r)
}

func (s *fileStore) DeleteReminder(ctx context.Context, id reminder.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.rows[id]; !ok {
		return reminder.ErrNotFound
	}
	return s.deleteLocked(id)
}

func (s *fileStore) ListByState(ctx context.Context, state reminder.State, limit int) ([]reminder.Reminder, error) {
	s.mu.Lock()
	out := make([]reminder.Reminder, 0)
	for _, r := range s.rows {
		if r.State == state {
			out = append(out, r)
		}
	}
	s.mu.Unlock()
	sortByFireAt(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) ListForOwner(ctx context.Context, owner int64, states ...reminder.State) ([]reminder.Reminder, error) {
	s.mu.Lock()
	out := make([]reminder.Reminder, 0)
	for _, r := range s.rows {
		if r.Owner == owner && wantState(states, r.State) {
			out = append(out, r)
		}
	}
	s.mu.Unlock()
	sortByFireAt(out)
	return out, nil
}

func (s *fileStore) PruneFinished(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	n := 0
	for id, r := range s.rows {
		if r.State.Terminal() && r.CreatedAt.Before(olderThan) {
			if err := s.deleteLocked(id); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (s *fileStore) putLocked(r reminder.Reminder) error {
	if err := s.appendLocked(journalRecord{Op: "put", ID: r.ID, Reminder: &r}); err != nil {
		return err
	}
	s.rows[r.ID] = r
	return nil
}

func (s *fileStore) deleteLocked(id reminder.ID) error {
	if err := s.appendLocked(journalRecord{Op: "del", ID: id}); err != nil {
		return err
	}
	delete(s.rows, id)
	return nil
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{NextID: s.nextID, Reminders: make([]reminder.Reminder, 0, len(s.rows))}
	for _, r := range s.rows {
		snap.Reminders = append(snap.Reminders, r)
	}
	sort.Slice(snap.Reminders, func(i, j int) bool { return snap.Reminders[i].ID < snap.Reminders[j].ID })

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, r := range snap.Reminders {
		s.rows[r.ID] = r
	}
	if snap.NextID > s.nextID {
		s.nextID = snap.NextID
	}
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// torn tail write
			continue
		}
		switch rec.Op {
		case "put":
			if rec.Reminder != nil {
				s.rows[rec.ID] = *rec.Reminder
			}
		case "del":
			delete(s.rows, rec.ID)
		}
		if rec.ID >= s.nextID {
			s.nextID = rec.ID + 1
		}
	}
	return sc.Err()
}

func sortByFireAt(rs []reminder.Reminder) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].FireAt.Equal(rs[j].FireAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].FireAt.Before(rs[j].FireAt)
	})
}
