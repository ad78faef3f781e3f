// Package service ties extraction, resolution, the durable store and the
// timeline into the operations the chat front-end and admin API call.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/reminder/extract"
	"remindbot/internal/reminder/resolve"
	"remindbot/internal/reminder/timeline"
	logx "remindbot/pkg/logx"
)

// Store is the subset of storage.Store the service uses.
type Store interface {
	CreateReminder(ctx context.Context, owner int64, content string, fireAt time.Time) (reminder.ID, error)
	Get(ctx context.Context, id reminder.ID) (reminder.Reminder, error)
	MarkCancelled(ctx context.Context, id reminder.ID) error
	DeleteReminder(ctx context.Context, id reminder.ID) error
	ListByState(ctx context.Context, state reminder.State, limit int) ([]reminder.Reminder, error)
	ListForOwner(ctx context.Context, owner int64, states ...reminder.State) ([]reminder.Reminder, error)
	PruneFinished(ctx context.Context, olderThan time.Time) (int, error)
}

// Dispatcher sends an already-due job straight to delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, job reminder.Job) error
}

type Config struct {
	// Location anchors time phrases. Nil means resolve.DefaultZone.
	Location *time.Location

	// MisfireGrace: overdue pending reminders found at startup are still
	// delivered when at most this late; older ones are marked missed.
	MisfireGrace time.Duration

	// Retention: delivered and cancelled rows older than this are pruned.
	Retention time.Duration

	// OrphanAfter: a fired row younger than this may still be in flight and is
	// not reported by ScanOrphans.
	OrphanAfter time.Duration

	RecoverConcurrency int
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location, _ = resolve.LoadLocation(resolve.DefaultZone)
	}
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = 10 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 90 * 24 * time.Hour
	}
	if c.OrphanAfter <= 0 {
		c.OrphanAfter = 5 * time.Minute
	}
	if c.RecoverConcurrency <= 0 {
		c.RecoverConcurrency = 8
	}
	return c
}

type Option func(*Service)

func WithClock(c clock.Clock) Option  { return func(s *Service) { s.clock = c } }
func WithLogger(l logx.Logger) Option { return func(s *Service) { s.log = l } }
func WithBus(b eventbus.Bus) Option   { return func(s *Service) { s.bus = b } }

type Service struct {
	cfg      Config
	store    Store
	timeline *timeline.Timeline
	dispatch Dispatcher
	resolver *resolve.Resolver

	clock clock.Clock
	log   logx.Logger
	bus   eventbus.Bus
}

func New(cfg Config, store Store, tl *timeline.Timeline, d Dispatcher, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:      cfg,
		store:    store,
		timeline: tl,
		dispatch: d,
		resolver: resolve.New(cfg.Location),
		clock:    clock.Real(),
		log:      logx.Nop(),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.log = s.log.With(logx.String("comp", "reminders"))
	return s
}

func (s *Service) Location() *time.Location { return s.cfg.Location }

// Result describes an accepted reminder.
type Result struct {
	ID          reminder.ID
	Content     string
	TimePhrase  string
	Tier        int
	ExtractRule string
	ResolveRule string
	FireAt      time.Time
}

// SubmitReminderText parses text, persists the reminder and schedules it.
//
// The row is written before the timer is installed. If scheduling fails the
// row is deleted again and the schedule error is returned; a fire time in the
// past surfaces as *reminder.PastTimeError.
func (s *Service) SubmitReminderText(ctx context.Context, owner int64, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, reminder.ErrEmptyText
	}
	ex := extract.Extract(text)
	fireAt, rule := s.resolver.ResolveDetailed(ex.TimePhrase, s.clock.Now())
	res := Result{
		Content:     ex.Content,
		TimePhrase:  ex.TimePhrase,
		Tier:        ex.Tier,
		ExtractRule: ex.Rule,
		ResolveRule: rule,
		FireAt:      fireAt,
	}

	id, err := s.store.CreateReminder(ctx, owner, ex.Content, fireAt)
	if err != nil {
		return res, fmt.Errorf("create reminder: %w", err)
	}
	res.ID = id

	job := reminder.Job{ID: id, Owner: owner, Content: ex.Content, FireAt: fireAt, State: reminder.StatePending}
	if _, err := s.timeline.Schedule(job); err != nil {
		s.rollback(ctx, job, err)
		return res, err
	}

	s.log.Info("reminder accepted",
		logx.Int64("id", int64(id)),
		logx.Int64("owner", owner),
		logx.Int("tier", ex.Tier),
		logx.String("phrase", ex.TimePhrase),
		logx.String("rule", rule),
		logx.Time("fire_at", fireAt),
	)
	return res, nil
}

func (s *Service) rollback(ctx context.Context, job reminder.Job, cause error) {
	dctx := context.WithoutCancel(ctx)
	if err := s.store.DeleteReminder(dctx, job.ID); err != nil && !errors.Is(err, reminder.ErrNotFound) {
		s.log.Error("rollback delete failed", logx.Int64("id", int64(job.ID)), logx.Err(err))
	}
	s.log.Info("reminder rejected", logx.Int64("id", int64(job.ID)), logx.Time("fire_at", job.FireAt), logx.Err(cause))
	s.publish(reminder.EventRolledBack, job)
}

// Cancel cancels a pending reminder owned by owner. Reminders belonging to
// someone else look like they do not exist.
func (s *Service) Cancel(ctx context.Context, owner int64, id reminder.ID) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Owner != owner {
		return reminder.ErrNotFound
	}
	return s.cancel(ctx, r)
}

// CancelByID cancels regardless of owner. Used by the admin API.
func (s *Service) CancelByID(ctx context.Context, id reminder.ID) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.cancel(ctx, r)
}

func (s *Service) cancel(ctx context.Context, r reminder.Reminder) error {
	if r.State != reminder.StatePending {
		return reminder.ErrNotPending
	}
	if !s.timeline.Cancel(r.ID) {
		return reminder.ErrNotPending
	}
	if err := s.store.MarkCancelled(ctx, r.ID); err != nil {
		return err
	}
	s.log.Info("reminder cancelled", logx.Int64("id", int64(r.ID)), logx.Int64("owner", r.Owner))
	return nil
}

// Upcoming lists owner's pending reminders, soonest first.
func (s *Service) Upcoming(ctx context.Context, owner int64) ([]reminder.Reminder, error) {
	return s.store.ListForOwner(ctx, owner, reminder.StatePending)
}

type RecoveryReport struct {
	Pending    int `json:"pending"`
	Scheduled  int `json:"scheduled"`
	Dispatched int `json:"dispatched"`
	Missed     int `json:"missed"`
	Failed     int `json:"failed"`
	Orphans    int `json:"orphans"`
}

// Recover rebuilds the timeline from durable pending rows after a restart.
// Future reminders are scheduled, recently overdue ones are delivered now and
// the rest are marked missed. Fired rows are reported as orphans.
func (s *Service) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	rows, err := s.store.ListByState(ctx, reminder.StatePending, 0)
	if err != nil {
		return rep, fmt.Errorf("list pending: %w", err)
	}
	rep.Pending = len(rows)
	now := s.clock.Now()

	var mu sync.Mutex
	n := int64(s.cfg.RecoverConcurrency)
	sem := semaphore.NewWeighted(n)
	for _, r := range rows {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		go func(r reminder.Reminder) {
			defer sem.Release(1)
			outcome := s.recoverOne(ctx, r.Job, now)
			mu.Lock()
			switch outcome {
			case recScheduled:
				rep.Scheduled++
			case recDispatched:
				rep.Dispatched++
			case recMissed:
				rep.Missed++
			default:
				rep.Failed++
			}
			mu.Unlock()
		}(r)
	}
	// Wait for in-flight workers.
	if err := sem.Acquire(context.Background(), n); err == nil {
		sem.Release(n)
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	orphans, err := s.scanOrphans(ctx, 0)
	if err != nil {
		return rep, err
	}
	rep.Orphans = len(orphans)

	s.log.Info("reminders recovered",
		logx.Int("pending", rep.Pending),
		logx.Int("scheduled", rep.Scheduled),
		logx.Int("dispatched", rep.Dispatched),
		logx.Int("missed", rep.Missed),
		logx.Int("failed", rep.Failed),
		logx.Int("orphans", rep.Orphans),
	)
	return rep, nil
}

type recoverOutcome int

const (
	recFailed recoverOutcome = iota
	recScheduled
	recDispatched
	recMissed
)

func (s *Service) recoverOne(ctx context.Context, job reminder.Job, now time.Time) recoverOutcome {
	log := s.log.With(logx.Int64("id", int64(job.ID)), logx.Time("fire_at", job.FireAt))
	if !job.FireAt.Before(now) {
		_, err := s.timeline.Schedule(job)
		if err == nil {
			return recScheduled
		}
		if !errors.Is(err, reminder.ErrPastTime) {
			log.Error("reschedule failed", logx.Err(err))
			return recFailed
		}
		// The clock moved past fire time while recovering.
	}

	late := now.Sub(job.FireAt)
	if late <= s.cfg.MisfireGrace {
		if err := s.dispatch.Dispatch(ctx, job); err != nil {
			log.Error("catch-up dispatch failed", logx.Err(err))
			return recFailed
		}
		log.Info("overdue reminder dispatched", logx.Duration("late", late))
		return recDispatched
	}

	if err := s.store.MarkCancelled(ctx, job.ID); err != nil {
		log.Error("mark missed reminder failed", logx.Err(err))
		return recFailed
	}
	log.Warn("reminder missed", logx.Duration("late", late), logx.Int64("owner", job.Owner))
	job.State = reminder.StateCancelled
	s.publish(reminder.EventMissed, job)
	return recMissed
}

// ScanOrphans reports fired reminders that were never marked delivered. It
// does not repair them.
func (s *Service) ScanOrphans(ctx context.Context) ([]reminder.Reminder, error) {
	return s.scanOrphans(ctx, s.cfg.OrphanAfter)
}

func (s *Service) scanOrphans(ctx context.Context, minAge time.Duration) ([]reminder.Reminder, error) {
	rows, err := s.store.ListByState(ctx, reminder.StateFired, 0)
	if err != nil {
		return nil, fmt.Errorf("list fired: %w", err)
	}
	now := s.clock.Now()
	out := make([]reminder.Reminder, 0, len(rows))
	for _, r := range rows {
		if minAge > 0 && now.Sub(r.FiredAt) < minAge {
			continue
		}
		out = append(out, r)
		s.log.Warn("orphaned reminder: fired but not delivered",
			logx.Int64("id", int64(r.ID)),
			logx.Int64("owner", r.Owner),
			logx.Time("fired_at", r.FiredAt),
		)
		s.publish(reminder.EventOrphanDetected, r.Job)
	}
	return out, nil
}

// Prune deletes finished reminders created before the retention window.
func (s *Service) Prune(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.Retention)
	n, err := s.store.PruneFinished(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("prune: %w", err)
	}
	if n > 0 {
		s.log.Info("finished reminders pruned", logx.Int("deleted", n), logx.Time("cutoff", cutoff))
	}
	return n, nil
}

func (s *Service) publish(typ string, job reminder.Job) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: job})
}
