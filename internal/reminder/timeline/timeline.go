// Package timeline keeps the in-memory set of one-shot reminder timers.
//
// There is at most one timer per reminder id. Scheduling an id that already
// has a timer replaces it; a per-entry version makes any stale callback that
// raced the replacement a no-op, so only the latest fire time can fire.
package timeline

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

var ErrStopped = errors.New("timeline stopped")

// FireFunc receives a job whose timer elapsed. It runs on the timer goroutine
// and should hand the job off rather than deliver it inline.
type FireFunc func(job reminder.Job)

type Option func(*Timeline)

func WithClock(c clock.Clock) Option    { return func(t *Timeline) { t.clock = c } }
func WithLogger(l logx.Logger) Option   { return func(t *Timeline) { t.log = l } }
func WithBus(b eventbus.Bus) Option     { return func(t *Timeline) { t.bus = b } }
func WithFireHandler(f FireFunc) Option { return func(t *Timeline) { t.onFire = f } }

type entry struct {
	job   reminder.Job
	timer clock.Timer
	ver   uint64
}

type Timeline struct {
	clock  clock.Clock
	log    logx.Logger
	bus    eventbus.Bus
	onFire FireFunc

	mu      sync.Mutex
	entries map[reminder.ID]*entry
	seq     uint64
	stopped bool

	snap atomic.Pointer[[]reminder.Job]
}

func New(opts ...Option) *Timeline {
	t := &Timeline{
		clock:   clock.Real(),
		log:     logx.Nop(),
		entries: map[reminder.ID]*entry{},
	}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	if t.clock == nil {
		t.clock = clock.Real()
	}
	empty := []reminder.Job{}
	t.snap.Store(&empty)
	return t
}

// SetFireHandler installs the fire handler after construction. It must be
// called before the first Schedule.
func (t *Timeline) SetFireHandler(f FireFunc) {
	t.mu.Lock()
	t.onFire = f
	t.mu.Unlock()
}

// Schedule installs or replaces the timer for job.ID. A fire time before the
// clock's now is rejected with *reminder.PastTimeError and nothing is installed.
func (t *Timeline) Schedule(job reminder.Job) (time.Time, error) {
	now := t.clock.Now()
	if job.FireAt.Before(now) {
		return time.Time{}, &reminder.PastTimeError{ID: job.ID, FireAt: job.FireAt, Now: now}
	}
	job.State = reminder.StatePending

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return time.Time{}, ErrStopped
	}
	replaced := false
	if old, ok := t.entries[job.ID]; ok {
		_ = old.timer.Stop()
		replaced = true
	}
	t.seq++
	ver := t.seq
	id := job.ID
	e := &entry{job: job, ver: ver}
	e.timer = t.clock.AfterFunc(job.FireAt.Sub(now), func() { t.fire(id, ver) })
	t.entries[id] = e
	t.publishSnapshotLocked()
	t.mu.Unlock()

	t.log.Debug("reminder scheduled",
		logx.Int64("id", int64(id)),
		logx.Int64("owner", job.Owner),
		logx.Time("fire_at", job.FireAt),
		logx.Duration("in", job.FireAt.Sub(now)),
		logx.Bool("replaced", replaced),
	)
	t.publish(reminder.EventScheduled, job)
	return job.FireAt, nil
}

// Cancel removes the timer for id and reports whether one existed. Once the
// timer callback has claimed the job, Cancel returns false.
func (t *Timeline) Cancel(id reminder.ID) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	_ = e.timer.Stop()
	delete(t.entries, id)
	t.publishSnapshotLocked()
	t.mu.Unlock()

	job := e.job
	job.State = reminder.StateCancelled
	t.log.Debug("reminder timer cancelled", logx.Int64("id", int64(id)))
	t.publish(reminder.EventCancelled, job)
	return true
}

// List returns an unordered snapshot of pending jobs without taking the lock.
func (t *Timeline) List() []reminder.Job {
	p := t.snap.Load()
	if p == nil {
		return nil
	}
	return append([]reminder.Job(nil), (*p)...)
}

// Get returns the pending job for id, if any.
func (t *Timeline) Get(id reminder.ID) (reminder.Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return reminder.Job{}, false
	}
	return e.job, true
}

func (t *Timeline) Len() int {
	p := t.snap.Load()
	if p == nil {
		return 0
	}
	return len(*p)
}

// Stop stops every timer. Pending jobs remain durable and are recovered on the
// next start. Schedule fails with ErrStopped afterwards.
func (t *Timeline) Stop() {
	t.mu.Lock()
	n := len(t.entries)
	for id, e := range t.entries {
		_ = e.timer.Stop()
		delete(t.entries, id)
	}
	t.stopped = true
	t.publishSnapshotLocked()
	t.mu.Unlock()
	if n > 0 {
		t.log.Info("timeline stopped", logx.Int("pending", n))
	}
}

func (t *Timeline) fire(id reminder.ID, ver uint64) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.ver != ver {
		// Replaced or cancelled after this timer was already running.
		t.mu.Unlock()
		return
	}
	delete(t.entries, id)
	t.publishSnapshotLocked()
	onFire := t.onFire
	t.mu.Unlock()

	job := e.job
	job.State = reminder.StateFired
	t.log.Debug("reminder fired", logx.Int64("id", int64(id)), logx.Time("fire_at", job.FireAt))
	t.publish(reminder.EventFired, job)
	if onFire == nil {
		t.log.Warn("reminder fired without handler", logx.Int64("id", int64(id)))
		return
	}
	onFire(job)
}

func (t *Timeline) publishSnapshotLocked() {
	jobs := make([]reminder.Job, 0, len(t.entries))
	for _, e := range t.entries {
		jobs = append(jobs, e.job)
	}
	t.snap.Store(&jobs)
}

func (t *Timeline) publish(typ string, job reminder.Job) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(eventbus.Event{Type: typ, Time: t.clock.Now(), Data: job})
}
