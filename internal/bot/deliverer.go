package bot

import (
	"context"
	"fmt"

	"remindbot/internal/reminder"
	kit "remindbot/internal/transport"
)

// Sender is the outbound half of a transport adapter.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// ChatDeliverer delivers fired reminders as a chat message to the owner's
// private chat. It satisfies delivery.Deliverer.
type ChatDeliverer struct {
	Sender Sender
}

func NewChatDeliverer(s Sender) *ChatDeliverer { return &ChatDeliverer{Sender: s} }

func (d *ChatDeliverer) Deliver(ctx context.Context, owner int64, content string, id reminder.ID) error {
	if _, err := d.Sender.SendText(ctx, kit.ChatTarget{ChatID: owner}, DeliveryText(content), &kit.SendOptions{DisablePreview: true}); err != nil {
		return fmt.Errorf("send reminder %s: %w", id, err)
	}
	return nil
}

// DeliveryText is the message a fired reminder is delivered as.
func DeliveryText(content string) string { return "🔔 Reminder: " + content }
