package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/reminder/timeline"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

var (
	ist = time.FixedZone("IST", 5*3600+30*60)
	t0  = time.Date(2025, 6, 10, 10, 0, 0, 0, ist)
)

type jobLog struct {
	mu   sync.Mutex
	jobs []reminder.Job
}

func (l *jobLog) add(j reminder.Job) {
	l.mu.Lock()
	l.jobs = append(l.jobs, j)
	l.mu.Unlock()
}

func (l *jobLog) list() []reminder.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]reminder.Job(nil), l.jobs...)
}

func (l *jobLog) Dispatch(_ context.Context, j reminder.Job) error {
	l.add(j)
	return nil
}

type fixture struct {
	svc        *Service
	store      storage.Store
	tl         *timeline.Timeline
	fc         *clock.Fake
	fired      *jobLog
	dispatched *jobLog
	bus        *eventbus.MemBus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "r.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store:      st,
		fc:         clock.NewFake(t0),
		fired:      &jobLog{},
		dispatched: &jobLog{},
		bus:        eventbus.New(),
	}
	f.tl = timeline.New(timeline.WithClock(f.fc), timeline.WithFireHandler(f.fired.add))
	if cfg.Location == nil {
		cfg.Location = ist
	}
	f.svc = New(cfg, st, f.tl, f.dispatched, WithClock(f.fc), WithBus(f.bus))
	return f
}

func (f *fixture) state(t *testing.T, id reminder.ID) reminder.State {
	t.Helper()
	r, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	return r.State
}

func TestSubmitSchedules(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text    string
		content string
		fireAt  time.Time
		tier    int
	}{
		{"Remind me to call mom in 2 hours", "call mom", t0.Add(2 * time.Hour), 1},
		{"remind me to buy milk tomorrow at 5pm", "buy milk", time.Date(2025, 6, 11, 17, 0, 0, 0, ist), 1},
		{"water the plants", "water the plants", t0.Add(time.Hour), 3},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Config{})
			res, err := f.svc.SubmitReminderText(context.Background(), 42, tt.text)
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if res.Content != tt.content || res.Tier != tt.tier {
				t.Fatalf("result = %+v", res)
			}
			if !res.FireAt.Equal(tt.fireAt) {
				t.Fatalf("fire at %s, want %s", res.FireAt, tt.fireAt)
			}
			if got := f.state(t, res.ID); got != reminder.StatePending {
				t.Fatalf("state = %s", got)
			}
			if f.tl.Len() != 1 {
				t.Fatalf("timeline len = %d", f.tl.Len())
			}

			f.fc.Set(tt.fireAt)
			got := f.fired.list()
			if len(got) != 1 || got[0].ID != res.ID || got[0].Owner != 42 {
				t.Fatalf("fired = %+v", got)
			}
		})
	}
}

func TestSubmitEmptyText(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := f.svc.SubmitReminderText(context.Background(), 1, text); !errors.Is(err, reminder.ErrEmptyText) {
			t.Fatalf("Submit(%q) = %v", text, err)
		}
	}
}

func TestSubmitPastTimeRollsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	events, unsub := f.bus.Subscribe(4)
	defer unsub()

	_, err := f.svc.SubmitReminderText(context.Background(), 7, "remind me to stretch in -5 minutes")
	var pe *reminder.PastTimeError
	if !errors.As(err, &pe) || !errors.Is(err, reminder.ErrPastTime) {
		t.Fatalf("err = %v, want PastTimeError", err)
	}
	if !pe.FireAt.Equal(t0.Add(-5*time.Minute)) || !pe.Now.Equal(t0) {
		t.Fatalf("past error = %+v", pe)
	}
	rows, err := f.store.ListForOwner(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("rolled back row still stored: %+v", rows)
	}
	if f.tl.Len() != 0 {
		t.Fatalf("timeline len = %d", f.tl.Len())
	}
	select {
	case e := <-events:
		if e.Type != reminder.EventRolledBack {
			t.Fatalf("event = %s", e.Type)
		}
	default:
		t.Fatal("no rolled_back event")
	}
}

func TestSubmitUnrepresentableOffsetRollsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	_, err := f.svc.SubmitReminderText(context.Background(), 7, "remind me to renew passport in 40000 weeks")
	if !errors.Is(err, reminder.ErrPastTime) {
		t.Fatalf("err = %v, want ErrPastTime", err)
	}
	rows, err := f.store.ListForOwner(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 || f.tl.Len() != 0 {
		t.Fatalf("rows = %+v, timeline len = %d", rows, f.tl.Len())
	}
}

func TestSubmitScheduleErrorRollsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.tl.Stop()

	_, err := f.svc.SubmitReminderText(context.Background(), 7, "remind me to stretch in 5 minutes")
	if !errors.Is(err, timeline.ErrStopped) {
		t.Fatalf("err = %v", err)
	}
	rows, _ := f.store.ListForOwner(context.Background(), 7)
	if len(rows) != 0 {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	res, err := f.svc.SubmitReminderText(ctx, 42, "remind me to call mom in 2 hours")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.Cancel(ctx, 99, res.ID); !errors.Is(err, reminder.ErrNotFound) {
		t.Fatalf("cancel by stranger = %v", err)
	}
	if err := f.svc.Cancel(ctx, 42, res.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := f.state(t, res.ID); got != reminder.StateCancelled {
		t.Fatalf("state = %s", got)
	}
	if f.tl.Len() != 0 {
		t.Fatalf("timeline len = %d", f.tl.Len())
	}
	if err := f.svc.Cancel(ctx, 42, res.ID); !errors.Is(err, reminder.ErrNotPending) {
		t.Fatalf("second cancel = %v", err)
	}
	if err := f.svc.Cancel(ctx, 42, 999); !errors.Is(err, reminder.ErrNotFound) {
		t.Fatalf("cancel unknown = %v", err)
	}

	f.fc.Advance(3 * time.Hour)
	if n := len(f.fired.list()); n != 0 {
		t.Fatalf("cancelled reminder fired %d times", n)
	}
}

func TestCancelAfterFire(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	res, err := f.svc.SubmitReminderText(ctx, 42, "remind me to stretch in 1 minute")
	if err != nil {
		t.Fatal(err)
	}
	f.fc.Advance(time.Minute)
	if n := len(f.fired.list()); n != 1 {
		t.Fatalf("fired %d", n)
	}
	if err := f.svc.CancelByID(ctx, res.ID); !errors.Is(err, reminder.ErrNotPending) {
		t.Fatalf("cancel after fire = %v", err)
	}
}

func TestUpcoming(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	late, err := f.svc.SubmitReminderText(ctx, 42, "remind me to pay rent in 3 days")
	if err != nil {
		t.Fatal(err)
	}
	soon, err := f.svc.SubmitReminderText(ctx, 42, "remind me to stretch in 10 minutes")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SubmitReminderText(ctx, 43, "remind me to sleep in 1 hour"); err != nil {
		t.Fatal(err)
	}

	got, err := f.svc.Upcoming(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != soon.ID || got[1].ID != late.ID {
		t.Fatalf("upcoming = %+v", got)
	}
}

func TestRecover(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MisfireGrace: 10 * time.Minute})
	ctx := context.Background()
	events, unsub := f.bus.Subscribe(16)
	defer unsub()

	mk := func(content string, at time.Time) reminder.ID {
		id, err := f.store.CreateReminder(ctx, 5, content, at)
		if err != nil {
			t.Fatal(err)
		}
		return id
	}
	future := mk("future", t0.Add(time.Hour))
	recent := mk("recent", t0.Add(-2*time.Minute))
	old := mk("old", t0.Add(-time.Hour))
	orphan := mk("orphan", t0.Add(-3*time.Hour))
	if err := f.store.MarkFired(ctx, orphan, t0.Add(-3*time.Hour)); err != nil {
		t.Fatal(err)
	}

	rep, err := f.svc.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	want := RecoveryReport{Pending: 3, Scheduled: 1, Dispatched: 1, Missed: 1, Orphans: 1}
	if rep != want {
		t.Fatalf("report = %+v, want %+v", rep, want)
	}
	if j, ok := f.tl.Get(future); !ok || j.Content != "future" {
		t.Fatalf("future not on timeline: %+v %v", j, ok)
	}
	if d := f.dispatched.list(); len(d) != 1 || d[0].ID != recent {
		t.Fatalf("dispatched = %+v", d)
	}
	if got := f.state(t, old); got != reminder.StateCancelled {
		t.Fatalf("old state = %s", got)
	}
	if got := f.state(t, orphan); got != reminder.StateFired {
		t.Fatalf("orphan state = %s, must not be repaired", got)
	}

	seen := map[string]int{}
	for len(events) > 0 {
		seen[(<-events).Type]++
	}
	if seen[reminder.EventMissed] != 1 || seen[reminder.EventOrphanDetected] != 1 {
		t.Fatalf("events = %v", seen)
	}
}

func TestScanOrphansSkipsInFlight(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{OrphanAfter: 5 * time.Minute})
	ctx := context.Background()
	id, err := f.store.CreateReminder(ctx, 1, "x", t0.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkFired(ctx, id, t0.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	got, err := f.svc.ScanOrphans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("in-flight reported as orphan: %+v", got)
	}

	f.fc.Advance(10 * time.Minute)
	got, err = f.svc.ScanOrphans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("orphans = %+v", got)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Retention: 24 * time.Hour})
	ctx := context.Background()
	done, err := f.store.CreateReminder(ctx, 1, "done", t0)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkCancelled(ctx, done); err != nil {
		t.Fatal(err)
	}
	live, err := f.store.CreateReminder(ctx, 1, "live", t0)
	if err != nil {
		t.Fatal(err)
	}

	// Rows carry a wall-clock creation time; jump past the retention window.
	f.fc.Set(time.Now().Add(48 * time.Hour))
	n, err := f.svc.Prune(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, err := f.store.Get(ctx, done); !errors.Is(err, reminder.ErrNotFound) {
		t.Fatalf("done row still present: %v", err)
	}
	if _, err := f.store.Get(ctx, live); err != nil {
		t.Fatalf("live row: %v", err)
	}
}
