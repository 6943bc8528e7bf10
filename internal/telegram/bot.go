package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/mtzanidakis/crew/internal/config"
	"github.com/mtzanidakis/crew/internal/coordinator"
)

const maxMessageLen = 4096

// Operator is the part of the coordinator the bot drives.
type Operator interface {
	Send(ctx context.Context, target, text string) ([]string, error)
	Status(ctx context.Context) (coordinator.Status, error)
}

// Bot sends alerts to one chat and accepts /status and /send from it.
type Bot struct {
	bot     *telego.Bot
	handler *th.BotHandler
	ops     Operator
	cfg     config.TelegramConfig
	cancel  context.CancelFunc
}

func NewBot(cfg config.TelegramConfig) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Bot{bot: bot, cfg: cfg}, nil
}

// Start polls for operator commands until ctx is done. Alerts work without
// it.
func (b *Bot) Start(ctx context.Context, ops Operator) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.ops = ops

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

// Notify implements coordinator.Notifier.
func (b *Bot) Notify(ctx context.Context, text string) error {
	return b.SendMessage(ctx, b.cfg.ChatID, text)
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	chatID := msg.Chat.ID
	if chatID != b.cfg.ChatID {
		slog.Warn("telegram message from unknown chat", "chat_id", chatID)
		return
	}
	if b.ops == nil {
		return
	}

	reply, ok := b.command(ctx, msg.Text)
	if !ok {
		return
	}
	if err := b.SendMessage(ctx, chatID, reply); err != nil {
		slog.Error("failed to send telegram message", "chat", chatID, "error", err)
	}
}

// command runs one operator command and returns the reply. ok is false
// for text that is not a command.
func (b *Bot) command(ctx context.Context, text string) (string, bool) {
	name, rest, _ := strings.Cut(strings.TrimSpace(text), " ")
	// Commands may carry the bot name in groups: /status@crew_bot.
	name, _, _ = strings.Cut(name, "@")

	switch name {
	case "/status":
		st, err := b.ops.Status(ctx)
		if err != nil {
			return "Status unavailable: " + err.Error(), true
		}
		return formatStatus(st), true

	case "/send":
		target, body, _ := strings.Cut(strings.TrimSpace(rest), " ")
		body = strings.TrimSpace(body)
		if target == "" || body == "" {
			return "Usage: /send <agent|all> <text>", true
		}
		to, err := b.ops.Send(ctx, target, body)
		if err != nil {
			return "Not delivered: " + err.Error(), true
		}
		return "Delivered to " + strings.Join(to, ", "), true
	}
	return "", false
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	chunks := chunkMessage(text, maxMessageLen)
	for _, chunk := range chunks {
		msg := tu.Message(tu.ID(chatID), chunk)
		_, err := b.bot.SendMessage(ctx, msg)
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}
