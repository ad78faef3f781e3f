// Package bot is the chat front-end: it routes updates from a transport
// adapter to the reminder service and renders the replies.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/reminder"
	"remindbot/internal/reminder/service"
	rtsup "remindbot/internal/runtime/supervisor"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// Reminders is the part of the reminder service the bot drives.
type Reminders interface {
	SubmitReminderText(ctx context.Context, owner int64, text string) (service.Result, error)
	Cancel(ctx context.Context, owner int64, id reminder.ID) error
	Upcoming(ctx context.Context, owner int64) ([]reminder.Reminder, error)
	Location() *time.Location
}

type Config struct {
	Workers        int
	QueueSize      int
	HandlerTimeout time.Duration
	// AllowedUsers restricts the bot to these user ids. Empty means everyone.
	AllowedUsers []int64
	// Owners may use operator commands such as /status.
	Owners []int64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 15 * time.Second
	}
	return c
}

// StatusFunc renders an operator status report for /status.
type StatusFunc func(ctx context.Context) string

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    string
	ReqID   string
	Log     logx.Logger
}

type Command struct {
	Name        string
	Description string
	OwnerOnly   bool
	Handle      HandlerFunc
}

type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	svc     Reminders
	status  StatusFunc

	mu       sync.RWMutex
	cfg      Config
	commands map[string]Command
	order    []string

	jobs chan func()
}

func New(cfg Config, svc Reminders, adapter kit.Adapter, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	r := &Router{
		log:     log.With(logx.String("comp", "bot")),
		adapter: adapter,
		svc:     svc,
		cfg:     cfg,
		jobs:    make(chan func(), cfg.QueueSize),
	}
	r.registerCommands()
	return r
}

// SetStatus installs the /status report. Without it /status is not offered.
func (r *Router) SetStatus(f StatusFunc) {
	r.mu.Lock()
	r.status = f
	r.mu.Unlock()
}

// Apply updates the access lists and handler timeout live.
func (r *Router) Apply(cfg Config) {
	r.mu.Lock()
	cfg = cfg.withDefaults()
	r.cfg.AllowedUsers = append([]int64(nil), cfg.AllowedUsers...)
	r.cfg.Owners = append([]int64(nil), cfg.Owners...)
	r.cfg.HandlerTimeout = cfg.HandlerTimeout
	r.mu.Unlock()
}

func (r *Router) register(c Command) {
	if r.commands == nil {
		r.commands = map[string]Command{}
	}
	r.commands[c.Name] = c
	r.order = append(r.order, c.Name)
}

// MenuCommands lists the public commands for the platform menu.
func (r *Router) MenuCommands() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.order))
	for _, name := range r.order {
		c := r.commands[name]
		if c.OwnerOnly {
			continue
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// Run consumes updates until ctx is done or updates is closed. Handlers run
// on a bounded worker pool.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	r.mu.RLock()
	workers := r.cfg.Workers
	r.mu.RUnlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					r.runJob(job)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	if up, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		menu := r.MenuCommands()
		sup.Go("menu.update", func(c context.Context) error {
			mctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, menu); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
			return nil
		})
	}

	r.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("queue_cap", cap(r.jobs)))
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

func (r *Router) runJob(job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in bot job", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// Route handles one update. Commands and reminder text are queued to the
// worker pool; when the queue is full the user is told to retry.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(ctx, up)
	case kit.UpdateCallback:
		r.routeCallback(ctx, up)
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if !r.allowed(msg.FromID) {
		r.log.Debug("message from user not allowed", logx.Int64("from_id", msg.FromID))
		return
	}

	name, args := "", text
	if strings.HasPrefix(text, "/") {
		name, args, _ = strings.Cut(text[1:], " ")
		if i := strings.IndexByte(name, '@'); i >= 0 {
			name = name[:i]
		}
		name = strings.ToLower(name)
		args = strings.TrimSpace(args)
	}

	var h HandlerFunc
	if name == "" {
		h = r.handleText
	} else {
		r.mu.RLock()
		cmd, ok := r.commands[name]
		r.mu.RUnlock()
		if !ok {
			r.reply(ctx, chat, "Unknown command. Try /help", nil)
			return
		}
		if cmd.OwnerOnly && !r.isOwner(msg.FromID) {
			r.reply(ctx, chat, "unauthorized", nil)
			return
		}
		h = cmd.Handle
	}
	req := r.newRequest(up, chat, msg.FromID, name, args)
	r.enqueue(ctx, req, h, func() { r.reply(ctx, chat, "busy, try again", nil) })
}

const cancelPrefix = "rem:cancel:"

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	if !r.allowed(cb.FromID) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}
	payload, ok := strings.CutPrefix(strings.TrimSpace(cb.Data), cancelPrefix)
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	chat := kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	req := r.newRequest(up, chat, cb.FromID, "cb:cancel", payload)
	r.enqueue(ctx, req, r.handleCancelCallback, func() { _ = r.adapter.AnswerCallback(ctx, cb.ID, "busy") })
}

func (r *Router) newRequest(up kit.Update, chat kit.ChatTarget, from int64, cmd, args string) *Request {
	rid := uuid.NewString()[:8]
	return &Request{
		Update:  up,
		Chat:    chat,
		FromID:  from,
		Command: cmd,
		Args:    args,
		ReqID:   rid,
		Log: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", from),
			logx.String("cmd", cmd),
		),
	}
}

func (r *Router) enqueue(ctx context.Context, req *Request, h HandlerFunc, busy func()) {
	r.mu.RLock()
	timeout := r.cfg.HandlerTimeout
	r.mu.RUnlock()
	final := Chain(h, MWPanicRecover(), MWRequestLog(), MWTimeout(timeout))
	select {
	case r.jobs <- func() { _ = final(ctx, req) }:
	default:
		busy()
	}
}

func (r *Router) reply(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) {
	if _, err := r.adapter.SendText(ctx, to, text, opt); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

func (r *Router) allowed(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cfg.AllowedUsers) == 0 || contains(r.cfg.AllowedUsers, id) || contains(r.cfg.Owners, id)
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return contains(r.cfg.Owners, id)
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
