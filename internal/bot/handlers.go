package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/reminder"
	"remindbot/internal/reminder/extract"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

const (
	confirmLayout = "03:04 PM on January 02"
	listLayout    = "03:04 PM on January 02, 2006"
)

const startText = `👋 Welcome!

I'm your reminder assistant. Just tell me naturally what to remember and when.

**Examples:**
- "Remind me to call mom in 2 hours"
- "Don't forget to buy milk tomorrow at 5pm"
- "Reminder to take medicine after 30 minutes"

Use /help to see all available commands!`

const helpText = `📚 **Available Commands:**

**Reminders (Natural Language):**
- "Remind me to call John in 2 hours"
- "Don't forget meeting tomorrow at 3pm"
- "Reminder to take pills after 30 minutes"
- /remind <text> - Create a reminder from any text
- /myreminders - View all reminders
- /cancel <id> - Cancel a pending reminder

**General:**
- /help - Show this help message
- /start - Restart the bot`

const (
	parseHint    = "I understood you want a reminder, but I couldn't parse the time. Can you say it differently?\nExamples: 'in 30 minutes', 'tomorrow at 3pm', 'in 2 hours'"
	createFailed = "Sorry, I couldn't create that reminder."
	noReminders  = "You don't have any active reminders!"
	textHint     = "Tell me what to remember and when, e.g. \"Remind me to call mom in 2 hours\". See /help."
)

func (r *Router) registerCommands() {
	r.register(Command{Name: "start", Description: "Start the bot", Handle: r.handleStart})
	r.register(Command{Name: "help", Description: "Show available commands", Handle: r.handleHelp})
	r.register(Command{Name: "remind", Description: "Create a reminder", Handle: r.handleRemind})
	r.register(Command{Name: "myreminders", Description: "View your reminders", Handle: r.handleList})
	r.register(Command{Name: "cancel", Description: "Cancel a reminder by id", Handle: r.handleCancel})
	r.register(Command{Name: "status", Description: "Scheduler status", OwnerOnly: true, Handle: r.handleStatus})
}

func (r *Router) handleStart(ctx context.Context, req *Request) error {
	r.reply(ctx, req.Chat, startText, nil)
	return nil
}

func (r *Router) handleHelp(ctx context.Context, req *Request) error {
	r.reply(ctx, req.Chat, helpText, nil)
	return nil
}

// handleText treats free text as a reminder request when it reads like one.
func (r *Router) handleText(ctx context.Context, req *Request) error {
	if pattern, ok := extract.MatchIntent(req.Args); ok {
		req.Log.Debug("reminder intent detected", logx.String("pattern", pattern))
		return r.submit(ctx, req, req.Args)
	}
	r.reply(ctx, req.Chat, textHint, nil)
	return nil
}

func (r *Router) handleRemind(ctx context.Context, req *Request) error {
	if req.Args == "" {
		r.reply(ctx, req.Chat, "Usage: /remind <what> <when>\nExample: /remind call mom in 2 hours", nil)
		return nil
	}
	return r.submit(ctx, req, req.Args)
}

func (r *Router) submit(ctx context.Context, req *Request, text string) error {
	res, err := r.svc.SubmitReminderText(ctx, req.FromID, text)
	switch {
	case err == nil:
		msg := fmt.Sprintf("✅ Got it! I'll remind you:\n\n📋 %s\n⏰ %s",
			res.Content, res.FireAt.In(r.location()).Format(confirmLayout))
		r.reply(ctx, req.Chat, msg, &kit.SendOptions{
			Buttons: [][]kit.Button{{{Text: "❌ Cancel", Data: cancelPrefix + res.ID.String()}}},
		})
		return nil
	case errors.Is(err, reminder.ErrPastTime):
		r.reply(ctx, req.Chat, parseHint, nil)
		return nil
	case errors.Is(err, reminder.ErrEmptyText):
		r.reply(ctx, req.Chat, textHint, nil)
		return nil
	default:
		r.reply(ctx, req.Chat, createFailed, nil)
		return err
	}
}

func (r *Router) handleList(ctx context.Context, req *Request) error {
	items, err := r.svc.Upcoming(ctx, req.FromID)
	if err != nil {
		r.reply(ctx, req.Chat, "Sorry, I couldn't retrieve your reminders.", nil)
		return err
	}
	if len(items) == 0 {
		r.reply(ctx, req.Chat, noReminders, nil)
		return nil
	}
	r.reply(ctx, req.Chat, formatList(items, r.location()), nil)
	return nil
}

func formatList(items []reminder.Reminder, loc *time.Location) string {
	var b strings.Builder
	b.WriteString("⏰ **Your Reminders:**\n\n")
	for _, it := range items {
		fmt.Fprintf(&b, "⏳ Pending\n📋 %s\n🕐 %s\n🆔 %d\n\n", it.Content, it.FireAt.In(loc).Format(listLayout), it.ID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) handleCancel(ctx context.Context, req *Request) error {
	id, err := reminder.ParseID(strings.TrimPrefix(req.Args, "#"))
	if err != nil {
		r.reply(ctx, req.Chat, "Usage: /cancel <id>\nSee /myreminders for ids.", nil)
		return nil
	}
	r.reply(ctx, req.Chat, r.cancelText(ctx, req, id), nil)
	return nil
}

func (r *Router) handleCancelCallback(ctx context.Context, req *Request) error {
	cb := req.Update.Callback
	id, err := reminder.ParseID(req.Args)
	if err != nil {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "invalid reminder")
		return nil
	}
	text := r.cancelText(ctx, req, id)
	if err := r.adapter.EditText(ctx, kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}, text, nil); err != nil {
		req.Log.Debug("edit after cancel failed", logx.Err(err))
	}
	return r.adapter.AnswerCallback(ctx, cb.ID, "")
}

func (r *Router) cancelText(ctx context.Context, req *Request, id reminder.ID) string {
	err := r.svc.Cancel(ctx, req.FromID, id)
	switch {
	case err == nil:
		return "🗑 Reminder " + id.String() + " cancelled."
	case errors.Is(err, reminder.ErrNotFound):
		return "I can't find reminder " + id.String() + "."
	case errors.Is(err, reminder.ErrNotPending):
		return "Reminder " + id.String() + " has already fired or been cancelled."
	default:
		req.Log.Warn("cancel failed", logx.Int64("reminder", int64(id)), logx.Err(err))
		return "Sorry, I couldn't cancel that reminder."
	}
}

func (r *Router) handleStatus(ctx context.Context, req *Request) error {
	r.mu.RLock()
	f := r.status
	r.mu.RUnlock()
	if f == nil {
		r.reply(ctx, req.Chat, "status unavailable", nil)
		return nil
	}
	r.reply(ctx, req.Chat, f(ctx), &kit.SendOptions{DisablePreview: true})
	return nil
}

func (r *Router) location() *time.Location {
	if loc := r.svc.Location(); loc != nil {
		return loc
	}
	return time.UTC
}
