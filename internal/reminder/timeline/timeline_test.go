package timeline

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
)

var t0 = time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)

type recorder struct {
	mu    sync.Mutex
	fired []reminder.Job
}

func (r *recorder) fire(j reminder.Job) {
	r.mu.Lock()
	r.fired = append(r.fired, j)
	r.mu.Unlock()
}

func (r *recorder) jobs() []reminder.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reminder.Job(nil), r.fired...)
}

func newTimeline(t *testing.T) (*Timeline, *clock.Fake, *recorder) {
	t.Helper()
	fc := clock.NewFake(t0)
	rec := &recorder{}
	return New(WithClock(fc), WithFireHandler(rec.fire)), fc, rec
}

func job(id int64, at time.Time) reminder.Job {
	return reminder.Job{ID: reminder.ID(id), Owner: 100, Content: "stretch", FireAt: at}
}

func TestScheduleFiresOnce(t *testing.T) {
	t.Parallel()
	tl, fc, rec := newTimeline(t)

	at, err := tl.Schedule(job(1, t0.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !at.Equal(t0.Add(2 * time.Minute)) {
		t.Fatalf("scheduled at %s", at)
	}
	fc.Advance(time.Minute)
	if n := len(rec.jobs()); n != 0 {
		t.Fatalf("fired early: %d", n)
	}
	fc.Advance(time.Minute)
	got := rec.jobs()
	if len(got) != 1 {
		t.Fatalf("fired %d times, want 1", len(got))
	}
	if got[0].State != reminder.StateFired || got[0].ID != 1 {
		t.Fatalf("fired job = %+v", got[0])
	}
	if tl.Len() != 0 {
		t.Fatalf("Len after fire = %d", tl.Len())
	}
	fc.Advance(time.Hour)
	if n := len(rec.jobs()); n != 1 {
		t.Fatalf("fired %d times after more time, want 1", n)
	}
}

func TestRescheduleKeepsOneTimer(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		t1   time.Duration
		t2   time.Duration
	}{
		{name: "later", t1: time.Minute, t2: 5 * time.Minute},
		{name: "earlier", t1: 5 * time.Minute, t2: time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tl, fc, rec := newTimeline(t)
			if _, err := tl.Schedule(job(5, t0.Add(tt.t1))); err != nil {
				t.Fatalf("Schedule T1: %v", err)
			}
			if _, err := tl.Schedule(job(5, t0.Add(tt.t2))); err != nil {
				t.Fatalf("Schedule T2: %v", err)
			}
			if tl.Len() != 1 || fc.Pending() != 1 {
				t.Fatalf("Len = %d, clock pending = %d, want 1/1", tl.Len(), fc.Pending())
			}
			fc.Advance(10 * time.Minute)
			got := rec.jobs()
			if len(got) != 1 {
				t.Fatalf("fired %d times, want 1", len(got))
			}
			if !got[0].FireAt.Equal(t0.Add(tt.t2)) {
				t.Fatalf("fired FireAt = %s, want T2", got[0].FireAt)
			}
		})
	}
}

// stickyClock returns timers whose Stop never succeeds, like a timer whose
// callback is already running.
type stickyClock struct{ *clock.Fake }

type stickyTimer struct{}

func (stickyTimer) Stop() bool { return false }

func (c stickyClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.Fake.AfterFunc(d, f)
	return stickyTimer{}
}

func TestStaleCallbackIgnored(t *testing.T) {
	t.Parallel()
	fc := clock.NewFake(t0)
	rec := &recorder{}
	tl := New(WithClock(stickyClock{fc}), WithFireHandler(rec.fire))

	if _, err := tl.Schedule(job(5, t0.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	if _, err := tl.Schedule(job(5, t0.Add(3*time.Minute))); err != nil {
		t.Fatal(err)
	}
	fc.Advance(2 * time.Minute)
	if n := len(rec.jobs()); n != 0 {
		t.Fatalf("stale timer delivered %d jobs", n)
	}
	fc.Advance(2 * time.Minute)
	got := rec.jobs()
	if len(got) != 1 || !got[0].FireAt.Equal(t0.Add(3*time.Minute)) {
		t.Fatalf("fired = %+v", got)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	tl, fc, rec := newTimeline(t)

	if _, err := tl.Schedule(job(7, t0.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	if !tl.Cancel(7) {
		t.Fatal("Cancel before fire returned false")
	}
	if tl.Cancel(7) {
		t.Fatal("second Cancel returned true")
	}
	fc.Advance(time.Hour)
	if n := len(rec.jobs()); n != 0 {
		t.Fatalf("cancelled job fired %d times", n)
	}

	if _, err := tl.Schedule(job(8, t0.Add(2*time.Hour))); err != nil {
		t.Fatal(err)
	}
	fc.Advance(2 * time.Hour)
	if tl.Cancel(8) {
		t.Fatal("Cancel after fire returned true")
	}
	if n := len(rec.jobs()); n != 1 {
		t.Fatalf("fired %d, want 1", n)
	}
}

func TestSchedulePastTime(t *testing.T) {
	t.Parallel()
	tl, fc, _ := newTimeline(t)

	_, err := tl.Schedule(job(9, t0.Add(-time.Second)))
	if !errors.Is(err, reminder.ErrPastTime) {
		t.Fatalf("err = %v, want ErrPastTime", err)
	}
	var pe *reminder.PastTimeError
	if !errors.As(err, &pe) || pe.ID != 9 || !pe.Now.Equal(t0) {
		t.Fatalf("PastTimeError = %+v", pe)
	}
	if tl.Len() != 0 || fc.Pending() != 0 {
		t.Fatalf("timer installed for past job: Len=%d pending=%d", tl.Len(), fc.Pending())
	}
}

func TestPastRescheduleKeepsExistingTimer(t *testing.T) {
	t.Parallel()
	tl, fc, rec := newTimeline(t)
	if _, err := tl.Schedule(job(3, t0.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	if _, err := tl.Schedule(job(3, t0.Add(-time.Minute))); err == nil {
		t.Fatal("expected error")
	}
	fc.Advance(time.Minute)
	if n := len(rec.jobs()); n != 1 {
		t.Fatalf("fired %d, want 1", n)
	}
}

func TestScheduleAtNowAccepted(t *testing.T) {
	t.Parallel()
	tl, fc, rec := newTimeline(t)
	if _, err := tl.Schedule(job(4, t0)); err != nil {
		t.Fatalf("Schedule at now: %v", err)
	}
	fc.Advance(0)
	if n := len(rec.jobs()); n != 1 {
		t.Fatalf("fired %d, want 1", n)
	}
}

func TestListSnapshot(t *testing.T) {
	t.Parallel()
	tl, _, _ := newTimeline(t)
	for i := int64(1); i <= 3; i++ {
		if _, err := tl.Schedule(job(i, t0.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	snap := tl.List()
	if len(snap) != 3 {
		t.Fatalf("List len = %d", len(snap))
	}
	tl.Cancel(2)
	if len(snap) != 3 {
		t.Fatal("snapshot mutated by Cancel")
	}
	seen := map[reminder.ID]bool{}
	for _, j := range tl.List() {
		seen[j.ID] = true
		if j.State != reminder.StatePending {
			t.Fatalf("listed job state = %s", j.State)
		}
	}
	if len(seen) != 2 || seen[2] {
		t.Fatalf("List after cancel = %v", seen)
	}
}

func TestStop(t *testing.T) {
	t.Parallel()
	tl, fc, rec := newTimeline(t)
	if _, err := tl.Schedule(job(1, t0.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	tl.Stop()
	fc.Advance(time.Hour)
	if n := len(rec.jobs()); n != 0 {
		t.Fatalf("fired after Stop: %d", n)
	}
	if _, err := tl.Schedule(job(2, t0.Add(2*time.Hour))); !errors.Is(err, ErrStopped) {
		t.Fatalf("Schedule after Stop err = %v", err)
	}
}

func TestPublishesEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	fc := clock.NewFake(t0)
	tl := New(WithClock(fc), WithBus(bus), WithFireHandler(func(reminder.Job) {}))
	if _, err := tl.Schedule(job(1, t0.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	if _, err := tl.Schedule(job(2, t0.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	tl.Cancel(2)
	fc.Advance(time.Minute)

	want := []string{reminder.EventScheduled, reminder.EventScheduled, reminder.EventCancelled, reminder.EventFired}
	for i, w := range want {
		select {
		case e := <-ch:
			if e.Type != w {
				t.Fatalf("event %d = %s, want %s", i, e.Type, w)
			}
		default:
			t.Fatalf("missing event %d (%s)", i, w)
		}
	}
}

func TestConcurrentScheduleRealClock(t *testing.T) {
	t.Parallel()
	const n = 50
	var fired atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)
	tl := New(WithFireHandler(func(reminder.Job) {
		fired.Add(1)
		wg.Done()
	}))

	var sched sync.WaitGroup
	for i := 0; i < n; i++ {
		sched.Add(1)
		go func(id int64) {
			defer sched.Done()
			at := time.Now().Add(20 * time.Millisecond)
			if _, err := tl.Schedule(job(id, at)); err != nil {
				t.Errorf("Schedule(%d): %v", id, err)
				wg.Done()
			}
			_ = tl.List()
		}(int64(i))
	}
	sched.Wait()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out, fired %d/%d", fired.Load(), n)
	}
	if fired.Load() != n {
		t.Fatalf("fired %d, want %d", fired.Load(), n)
	}
}
