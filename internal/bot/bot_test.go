package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"remindbot/internal/reminder"
	"remindbot/internal/reminder/service"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type sentMsg struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []sentMsg
	edits    []string
	answered []string
	menu     []kit.BotCommand
	sendErr  error
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return kit.MessageRef{}, a.sendErr
	}
	a.sent = append(a.sent, sentMsg{to, text, opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	a.mu.Lock()
	a.edits = append(a.edits, text)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) AnswerCallback(_ context.Context, id, _ string) error {
	a.mu.Lock()
	a.answered = append(a.answered, id)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	a.mu.Lock()
	a.menu = cmds
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) messages() []sentMsg {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentMsg(nil), a.sent...)
}

type fakeReminders struct {
	mu        sync.Mutex
	submitted []string
	submitErr error
	cancelErr error
	cancelled []reminder.ID
	upcoming  []reminder.Reminder
	loc       *time.Location
}

func (f *fakeReminders) SubmitReminderText(_ context.Context, owner int64, text string) (service.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, text)
	if f.submitErr != nil {
		return service.Result{}, f.submitErr
	}
	return service.Result{
		ID:      7,
		Content: "call mom",
		FireAt:  time.Date(2025, 6, 10, 9, 30, 0, 0, time.UTC),
	}, nil
}

func (f *fakeReminders) Cancel(_ context.Context, owner int64, id reminder.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeReminders) Upcoming(context.Context, int64) ([]reminder.Reminder, error) {
	return f.upcoming, nil
}

func (f *fakeReminders) Location() *time.Location { return f.loc }

var ist = time.FixedZone("IST", 5*3600+1800)

// runJobs drains queued handler jobs synchronously.
func runJobs(r *Router) {
	for {
		select {
		case job := <-r.jobs:
			r.runJob(job)
		default:
			return
		}
	}
}

func message(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 1, ChatID: from, FromID: from, Text: text}}
}

func newTestRouter(cfg Config, svc *fakeReminders) (*Router, *fakeAdapter) {
	a := &fakeAdapter{}
	if svc.loc == nil {
		svc.loc = ist
	}
	return New(cfg, svc, a, logx.Nop()), a
}

func TestIntentTextCreatesReminder(t *testing.T) {
	t.Parallel()
	svc := &fakeReminders{}
	r, a := newTestRouter(Config{}, svc)

	r.Route(context.Background(), message(42, "Remind me to call mom in 2 hours"))
	runJobs(r)

	if len(svc.submitted) != 1 || svc.submitted[0] != "Remind me to call mom in 2 hours" {
		t.Fatalf("submitted = %q", svc.submitted)
	}
	msgs := a.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages", len(msgs))
	}
	want := "✅ Got it! I'll remind you:\n\n📋 call mom\n⏰ 03:00 PM on June 10"
	if msgs[0].text != want {
		t.Fatalf("reply = %q, want %q", msgs[0].text, want)
	}
	if msgs[0].opt == nil || len(msgs[0].opt.Buttons) != 1 || msgs[0].opt.Buttons[0][0].Data != "rem:cancel:7" {
		t.Fatalf("buttons = %+v", msgs[0].opt)
	}
}

func TestSubmitErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"past time", &reminder.PastTimeError{ID: 1}, parseHint},
		{"store failure", errors.New("disk full"), createFailed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, a := newTestRouter(Config{}, &fakeReminders{submitErr: tt.err})
			r.Route(context.Background(), message(1, "/remind stretch in 5 minutes"))
			runJobs(r)
			msgs := a.messages()
			if len(msgs) != 1 || msgs[0].text != tt.want {
				t.Fatalf("reply = %+v", msgs)
			}
		})
	}
}

func TestPlainTextWithoutIntentGetsHint(t *testing.T) {
	t.Parallel()
	svc := &fakeReminders{}
	r, a := newTestRouter(Config{}, svc)
	r.Route(context.Background(), message(1, "hello there"))
	runJobs(r)
	if len(svc.submitted) != 0 {
		t.Fatalf("submitted = %q", svc.submitted)
	}
	if msgs := a.messages(); len(msgs) != 1 || msgs[0].text != textHint {
		t.Fatalf("reply = %+v", msgs)
	}
}

func TestMyReminders(t *testing.T) {
	t.Parallel()
	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		r, a := newTestRouter(Config{}, &fakeReminders{})
		r.Route(context.Background(), message(1, "/myreminders"))
		runJobs(r)
		if msgs := a.messages(); len(msgs) != 1 || msgs[0].text != noReminders {
			t.Fatalf("reply = %+v", msgs)
		}
	})
	t.Run("listed", func(t *testing.T) {
		t.Parallel()
		svc := &fakeReminders{upcoming: []reminder.Reminder{{Job: reminder.Job{
			ID: 3, Owner: 1, Content: "buy milk", State: reminder.StatePending,
			FireAt: time.Date(2025, 6, 11, 11, 30, 0, 0, time.UTC),
		}}}}
		r, a := newTestRouter(Config{}, svc)
		r.Route(context.Background(), message(1, "/myreminders@remind_bot"))
		runJobs(r)
		msgs := a.messages()
		want := "⏰ **Your Reminders:**\n\n⏳ Pending\n📋 buy milk\n🕐 05:00 PM on June 11, 2025\n🆔 3"
		if len(msgs) != 1 || msgs[0].text != want {
			t.Fatalf("reply = %+v", msgs)
		}
	})
}

func TestCancelCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		args string
		err  error
		want string
	}{
		{"ok", "/cancel 5", nil, "🗑 Reminder 5 cancelled."},
		{"hash prefix", "/cancel #5", nil, "🗑 Reminder 5 cancelled."},
		{"not found", "/cancel 5", reminder.ErrNotFound, "I can't find reminder 5."},
		{"already fired", "/cancel 5", reminder.ErrNotPending, "Reminder 5 has already fired or been cancelled."},
		{"no id", "/cancel", nil, "Usage: /cancel <id>\nSee /myreminders for ids."},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, a := newTestRouter(Config{}, &fakeReminders{cancelErr: tt.err})
			r.Route(context.Background(), message(1, tt.args))
			runJobs(r)
			if msgs := a.messages(); len(msgs) != 1 || msgs[0].text != tt.want {
				t.Fatalf("reply = %+v", msgs)
			}
		})
	}
}

func TestCancelButton(t *testing.T) {
	t.Parallel()
	svc := &fakeReminders{}
	r, a := newTestRouter(Config{}, svc)
	r.Route(context.Background(), kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: "cb1", FromID: 1, ChatID: 1, MessageID: 9, Data: "rem:cancel:7",
	}})
	runJobs(r)
	if len(svc.cancelled) != 1 || svc.cancelled[0] != 7 {
		t.Fatalf("cancelled = %v", svc.cancelled)
	}
	if len(a.edits) != 1 || a.edits[0] != "🗑 Reminder 7 cancelled." {
		t.Fatalf("edits = %q", a.edits)
	}
	if len(a.answered) != 1 || a.answered[0] != "cb1" {
		t.Fatalf("answered = %q", a.answered)
	}
}

func TestAccessControl(t *testing.T) {
	t.Parallel()
	svc := &fakeReminders{}
	r, a := newTestRouter(Config{AllowedUsers: []int64{1}, Owners: []int64{9}}, svc)
	r.SetStatus(func(context.Context) string { return "ok" })

	r.Route(context.Background(), message(2, "remind me to nap in 5 minutes"))
	runJobs(r)
	if len(svc.submitted) != 0 || len(a.messages()) != 0 {
		t.Fatal("stranger was served")
	}

	r.Route(context.Background(), message(1, "/status"))
	runJobs(r)
	if msgs := a.messages(); len(msgs) != 1 || msgs[0].text != "unauthorized" {
		t.Fatalf("reply = %+v", msgs)
	}

	r.Route(context.Background(), message(9, "/status"))
	runJobs(r)
	if msgs := a.messages(); len(msgs) != 2 || msgs[1].text != "ok" {
		t.Fatalf("reply = %+v", msgs)
	}

	r.Apply(Config{})
	r.Route(context.Background(), message(2, "/help"))
	runJobs(r)
	if msgs := a.messages(); len(msgs) != 3 || !strings.HasPrefix(msgs[2].text, "📚") {
		t.Fatalf("reply after Apply = %+v", msgs)
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()
	r, a := newTestRouter(Config{}, &fakeReminders{})
	r.Route(context.Background(), message(1, "/list shopping"))
	if msgs := a.messages(); len(msgs) != 1 || msgs[0].text != "Unknown command. Try /help" {
		t.Fatalf("reply = %+v", msgs)
	}
}

func TestBusyWhenQueueFull(t *testing.T) {
	t.Parallel()
	r, a := newTestRouter(Config{QueueSize: 1}, &fakeReminders{})
	r.Route(context.Background(), message(1, "/help"))
	r.Route(context.Background(), message(1, "/help"))
	if msgs := a.messages(); len(msgs) != 1 || msgs[0].text != "busy, try again" {
		t.Fatalf("reply = %+v", msgs)
	}
}

func TestRunServesUpdatesAndPublishesMenu(t *testing.T) {
	t.Parallel()
	r, a := newTestRouter(Config{Workers: 1}, &fakeReminders{})
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 1)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, updates) }()

	updates <- message(1, "/start")
	deadline := time.Now().Add(2 * time.Second)
	for len(a.messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no reply")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.menu {
		if c.Command == "status" {
			t.Fatal("owner-only command in public menu")
		}
	}
	if len(a.menu) != 5 {
		t.Fatalf("menu = %+v", a.menu)
	}
}

func TestChatDeliverer(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{}
	d := NewChatDeliverer(a)
	if err := d.Deliver(context.Background(), 42, "take medicine", 3); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	msgs := a.messages()
	if len(msgs) != 1 || msgs[0].to.ChatID != 42 || msgs[0].text != "🔔 Reminder: take medicine" {
		t.Fatalf("sent = %+v", msgs)
	}

	a.sendErr = errors.New("bot was blocked by the user")
	if err := d.Deliver(context.Background(), 42, "x", 4); err == nil || !strings.Contains(err.Error(), "reminder 4") {
		t.Fatalf("err = %v", err)
	}
}
