package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/admin"
	"remindbot/internal/bot"
	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/reminder/delivery"
	"remindbot/internal/reminder/service"
	"remindbot/internal/reminder/timeline"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	kit "remindbot/internal/transport"
	telegram "remindbot/internal/transport/telegram/adapter"
	logx "remindbot/pkg/logx"
)

const (
	jobOrphanScan = "reminders.orphan_scan"
	jobPrune      = "reminders.prune"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log      logx.Logger
	logs     *logx.Service
	bus      *eventbus.MemBus
	store    storage.Store
	settings config.Settings

	adapter *telegram.Adapter
	tl      *timeline.Timeline
	coord   *delivery.Coordinator
	svc     *service.Service
	sched   *scheduler.Service
	router  *bot.Router
	admin   *admin.Server // nil when disabled

	updates chan kit.Update
	started time.Time
}

// New loads the config and wires every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	st, err := validate(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO")
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: st.PollTimeout,
		APIURL:      cfg.Telegram.APIURL,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// The chat sink needs its target before it is enabled.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	logSvc.SetChatTarget(st.GroupLogChat, cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	bus := eventbus.New()

	store, err := storage.Open(ctx, mapStorageConfig(cfg, st), root)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", cfg.Storage.Driver))

	tl := timeline.New(
		timeline.WithLogger(root.With(logx.String("comp", "timeline"))),
		timeline.WithBus(bus),
	)
	coord := delivery.New(mapDeliveryConfig(cfg, st), bot.NewChatDeliverer(ad), store, root, bus)
	tl.SetFireHandler(coord.OnFire)

	svc := service.New(mapServiceConfig(st), store, tl, coord,
		service.WithLogger(root),
		service.WithBus(bus),
	)

	sched := scheduler.New(mapSchedulerConfig(st), root, bus)

	router := bot.New(mapBotConfig(cfg), svc, ad, root)

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		settings: st,
		adapter:  ad,
		tl:       tl,
		coord:    coord,
		svc:      svc,
		sched:    sched,
		router:   router,
		updates:  make(chan kit.Update, 256),
	}
	router.SetStatus(a.statusText)

	if cfg.Admin.Enabled {
		srv, err := admin.New(admin.Config{
			Addr:        st.AdminAddr,
			JWTSecret:   cfg.Admin.JWTSecret,
			CORSOrigins: cfg.Admin.CORSOrigins,
			Pprof:       cfg.Admin.Pprof,
		}, admin.Deps{
			Timeline:   tl,
			Reminders:  svc,
			Deliveries: coord,
			Schedules:  sched,
		}, root)
		if err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, err
		}
		a.admin = srv
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := validate(cfg)
		return err
	})

	// Delivery drains on Stop with its own deadline, so it must outlive the
	// supervisor context.
	a.coord.Start(context.WithoutCancel(a.sup.Context()))

	rep, err := a.svc.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover reminders: %w", err)
	}
	a.log.Info("reminders recovered",
		logx.Int("pending", rep.Pending),
		logx.Int("scheduled", rep.Scheduled),
		logx.Int("dispatched", rep.Dispatched),
		logx.Int("missed", rep.Missed),
		logx.Int("failed", rep.Failed),
		logx.Int("orphans", rep.Orphans),
	)

	if err := a.registerMaintenance(a.settings); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("bot.router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	if a.admin != nil {
		a.sup.Go("admin.api", a.admin.Run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) registerMaintenance(s config.Settings) error {
	if _, err := a.sched.AddSchedule(jobOrphanScan, s.OrphanScan, time.Minute, func(ctx context.Context) error {
		_, err := a.svc.ScanOrphans(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("schedule %s: %w", jobOrphanScan, err)
	}
	if _, err := a.sched.AddSchedule(jobPrune, s.Prune, 5*time.Minute, func(ctx context.Context) error {
		n, err := a.svc.Prune(ctx)
		if err == nil && n > 0 {
			a.log.Info("pruned finished reminders", logx.Int("rows", n))
		}
		return err
	}); err != nil {
		return fmt.Errorf("schedule %s: %w", jobPrune, err)
	}
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	st, err := validate(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	ch := config.Diff(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Debug("config change summary", fields...)

	// Target first so Apply does not warn about a missing chat.
	a.logs.SetChatTarget(st.GroupLogChat, newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(newCfg))

	a.router.Apply(mapBotConfig(newCfg))
	a.coord.Apply(mapDeliveryConfig(newCfg, st))

	if st.OrphanScan != a.settings.OrphanScan || st.Prune != a.settings.Prune {
		if err := a.registerMaintenance(st); err != nil {
			a.log.Warn("maintenance schedule not updated", logx.Err(err))
		}
	}
	a.settings.OrphanScan, a.settings.Prune = st.OrphanScan, st.Prune

	if len(ch.Restart) > 0 {
		a.log.Warn("restart required for some changes", logx.String("settings", strings.Join(ch.Restart, ",")))
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) statusText(context.Context) string {
	ds := a.coord.Snapshot()
	ss := a.sched.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "🩺 Status\n\n")
	fmt.Fprintf(&b, "Uptime: %s\n", time.Since(a.started).Truncate(time.Second))
	fmt.Fprintf(&b, "Timezone: %s\n", a.settings.Timezone)
	fmt.Fprintf(&b, "Scheduled: %d\n", a.tl.Len())
	fmt.Fprintf(&b, "Delivery: running=%t queue=%d/%d delivered=%d failed=%d skipped=%d store_errors=%d\n",
		ds.Running, ds.QueueLen, ds.QueueCap, ds.Delivered, ds.Failed, ds.Skipped, ds.StoreError)
	fmt.Fprintf(&b, "Events: published=%d dropped=%d\n", a.bus.Published(), a.bus.Dropped())
	if sup := a.adapter.Supervisor(); sup != nil {
		for _, g := range sup.Snapshot().Goroutines {
			if g.Restarts > 0 || g.Panics > 0 {
				fmt.Fprintf(&b, "Poller %s: restarts=%d panics=%d\n", g.Name, g.Restarts, g.Panics)
			}
		}
	}
	for _, s := range ss.Schedules {
		next := "-"
		if !s.Next.IsZero() {
			next = s.Next.In(a.settings.Location).Format("2006-01-02 15:04")
		}
		fmt.Fprintf(&b, "Job %s: next %s\n", s.Name, next)
	}
	return b.String()
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so the poller, router and admin API start unwinding.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// No new fires after this; pending rows are recovered on the next start.
	step("timeline", time.Second, func(context.Context) error { a.tl.Stop(); return nil })
	step("delivery", 5*time.Second, func(c context.Context) error { a.coord.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
