// Package delivery moves fired reminders off the timer goroutines and through
// claim, send and record.
//
// Each job is claimed with a conditional pending -> fired update before the
// send, so a reminder cancelled concurrently is skipped and a reminder is never
// sent twice. A failed send is not retried: the row stays fired and shows up in
// the orphan scan.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	rtsup "remindbot/internal/runtime/supervisor"
	logx "remindbot/pkg/logx"
)

type queuedJob struct {
	job        reminder.Job
	enqueuedAt time.Time
}

type Coordinator struct {
	mu      sync.Mutex
	cfg     Config
	deliver Deliverer
	store   Store
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time

	limiter *rate.Limiter

	q        chan queuedJob
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	hmu     sync.Mutex
	history []Attempt

	delivered  atomic.Uint64
	failed     atomic.Uint64
	skipped    atomic.Uint64
	storeError atomic.Uint64
}

func New(cfg Config, deliver Deliverer, store Store, log logx.Logger, bus eventbus.Bus) *Coordinator {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		cfg:     cfg,
		deliver: deliver,
		store:   store,
		log:     log.With(logx.String("comp", "delivery")),
		bus:     bus,
		now:     time.Now,
		limiter: rate.NewLimiter(limitFor(cfg.RatePerSec), cfg.Burst),
	}
}

func limitFor(perSec float64) rate.Limit {
	if perSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSec)
}

// Apply updates the live settings. Workers and QueueSize take effect on the
// next Start.
func (c *Coordinator) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	prev := c.cfg
	c.cfg = cfg
	running := c.q != nil
	c.mu.Unlock()

	c.limiter.SetLimit(limitFor(cfg.RatePerSec))
	c.limiter.SetBurst(cfg.Burst)

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		c.log.Info("delivery pool size changes apply on restart",
			logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
	}
}

// Start launches the workers. It is idempotent.
func (c *Coordinator) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.q != nil {
		c.mu.Unlock()
		return
	}
	cfg := c.cfg
	c.q = make(chan queuedJob, cfg.QueueSize)
	c.stopCh = make(chan struct{})
	c.stopping = false
	c.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(c.log),
		rtsup.WithCancelOnError(false),
	)
	q, stopCh, sup := c.q, c.stopCh, c.sup
	c.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(wctx context.Context) error {
			c.worker(wctx, stopCh, q)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if wctx.Err() != nil {
				return wctx.Err()
			}
			return errors.New("delivery worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	c.log.Info("delivery started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop closes intake and lets the workers drain what is queued. When ctx
// expires first, in-flight sends are cancelled; undelivered jobs either stay
// pending (never claimed) or fired (orphans).
func (c *Coordinator) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.q == nil || c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	close(c.stopCh)
	sup := c.sup
	c.mu.Unlock()

	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		c.log.Warn("delivery drain timed out", logx.Err(ctx.Err()))
		sup.Cancel()
		_ = sup.Wait(context.Background())
	}
	sup.Cancel()

	c.mu.Lock()
	left := len(c.q)
	c.q = nil
	c.stopCh = nil
	c.sup = nil
	c.stopping = false
	c.mu.Unlock()
	c.log.Info("delivery stopped", logx.Int("undrained", left))
}

// OnFire is the timeline fire handler. It enqueues the job and returns; the
// send happens on a worker.
func (c *Coordinator) OnFire(job reminder.Job) {
	if err := c.Dispatch(context.Background(), job); err != nil {
		// Not claimed, so the row is still pending and recovery picks it up.
		c.log.Warn("fired reminder not queued", logx.Int64("reminder", int64(job.ID)), logx.Err(err))
	}
}

// Dispatch enqueues a job without a timer. It blocks while the queue is full
// and returns ErrStopped when the coordinator is not running.
func (c *Coordinator) Dispatch(ctx context.Context, job reminder.Job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	q, stopCh, stopping := c.q, c.stopCh, c.stopping
	c.mu.Unlock()
	if q == nil || stopping {
		return ErrStopped
	}

	qj := queuedJob{job: job, enqueuedAt: c.now()}
	select {
	case q <- qj:
		return nil
	default:
	}
	c.log.Debug("delivery queue full, waiting", logx.Int("queue_cap", cap(q)))
	select {
	case q <- qj:
		return nil
	case <-stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) worker(ctx context.Context, stopCh <-chan struct{}, q <-chan queuedJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			c.drain(ctx, q)
			return
		case qj := <-q:
			c.process(ctx, qj)
		}
	}
}

func (c *Coordinator) drain(ctx context.Context, q <-chan queuedJob) {
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case qj := <-q:
			c.process(ctx, qj)
		default:
			return
		}
	}
}

func (c *Coordinator) process(ctx context.Context, qj queuedJob) {
	job := qj.job
	start := c.now()
	a := Attempt{
		AttemptID:  uuid.NewString(),
		ReminderID: job.ID,
		Owner:      job.Owner,
		FireAt:     job.FireAt,
		Started:    start,
		QueueDelay: start.Sub(qj.enqueuedAt),
	}
	log := c.log.With(logx.String("attempt", a.AttemptID), logx.Int64("reminder", int64(job.ID)))

	if err := c.store.MarkFired(ctx, job.ID, start); err != nil {
		if errors.Is(err, reminder.ErrNotPending) || errors.Is(err, reminder.ErrNotFound) {
			log.Debug("delivery skipped: reminder no longer pending", logx.Err(err))
			c.finish(a, OutcomeSkipped, err)
			return
		}
		log.Error("claim fired reminder failed", logx.Err(err))
		c.finish(a, OutcomeStoreError, err)
		return
	}

	c.mu.Lock()
	timeout := c.cfg.SendTimeout
	c.mu.Unlock()

	err := c.limiter.Wait(ctx)
	if err == nil {
		err = c.send(ctx, timeout, job)
	}
	if err != nil {
		log.Warn("reminder delivery failed", logx.Int64("owner", job.Owner), logx.Err(err))
		c.finish(a, OutcomeFailed, err)
		c.publish(reminder.EventDeliveryFailed, a)
		return
	}

	// The message is out; shutdown must not turn it into an orphan.
	if err := c.store.MarkDelivered(context.WithoutCancel(ctx), job.ID, c.now()); err != nil {
		// Sent, but the row stays fired.
		log.Error("record delivered failed", logx.Err(err))
	}
	log.Debug("reminder delivered", logx.Int64("owner", job.Owner))
	c.finish(a, OutcomeDelivered, nil)
	c.publish(reminder.EventDelivered, a)
}

func (c *Coordinator) send(ctx context.Context, timeout time.Duration, job reminder.Job) (err error) {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			c.log.Error("deliverer panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return c.deliver.Deliver(sctx, job.Owner, job.Content, job.ID)
}

func (c *Coordinator) finish(a Attempt, o Outcome, err error) {
	a.Outcome = o
	a.Duration = c.now().Sub(a.Started)
	if err != nil {
		a.Error = err.Error()
	}
	switch o {
	case OutcomeDelivered:
		c.delivered.Add(1)
	case OutcomeFailed:
		c.failed.Add(1)
	case OutcomeSkipped:
		c.skipped.Add(1)
	case OutcomeStoreError:
		c.storeError.Add(1)
	}

	c.mu.Lock()
	size := c.cfg.HistorySize
	c.mu.Unlock()

	c.hmu.Lock()
	c.history = append(c.history, a)
	if len(c.history) > size {
		c.history = c.history[len(c.history)-size:]
	}
	c.hmu.Unlock()
}

func (c *Coordinator) publish(typ string, a Attempt) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.now(), Data: a})
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	cfg := c.cfg
	q := c.q
	c.mu.Unlock()

	s := Snapshot{
		Running:    q != nil,
		Workers:    cfg.Workers,
		Delivered:  c.delivered.Load(),
		Failed:     c.failed.Load(),
		Skipped:    c.skipped.Load(),
		StoreError: c.storeError.Load(),
	}
	if q != nil {
		s.QueueLen = len(q)
		s.QueueCap = cap(q)
	}
	c.hmu.Lock()
	s.History = make([]Attempt, len(c.history))
	copy(s.History, c.history)
	c.hmu.Unlock()
	return s
}
