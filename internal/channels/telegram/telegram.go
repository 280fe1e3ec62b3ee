// Package telegram connects one hosted bot account to Telegram via long
// polling. Mention matching uses bot usernames, since that is what @-mentions
// carry on Telegram.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/akropp/openclaw/internal/bus"
	"github.com/akropp/openclaw/internal/channels"
	"github.com/akropp/openclaw/internal/config"
)

const telegramMaxMessageLen = 4096

// Channel connects a single bot account via the Telegram Bot API.
type Channel struct {
	*channels.BaseChannel
	bot      *telego.Bot
	config   config.TelegramAccount
	username string // populated on start; doubles as the mention identity
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Telegram channel for one bot account.
func New(cfg config.TelegramAccount, msgBus *bus.MessageBus) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", cfg.AccountID, msgBus),
		bot:         bot,
		config:      cfg,
	}, nil
}

// BotUserID returns the account's Telegram username, known after Start.
// Usernames, not numeric IDs, are what @-mentions reference.
func (c *Channel) BotUserID() string { return c.username }

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot", "account", c.AccountID())

	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("fetch telegram bot identity: %w", err)
	}
	c.username = me.Username

	pollCtx, cancel := context.WithCancel(context.Background())
	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{})
	if err != nil {
		cancel()
		return fmt.Errorf("start telegram long polling: %w", err)
	}
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		for update := range updates {
			c.handleUpdate(update)
		}
	}()

	c.SetRunning(true)
	slog.Info("telegram bot connected", "account", c.AccountID(), "username", me.Username)
	return nil
}

// Stop ends long polling and waits for the update loop to drain.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot", "account", c.AccountID())
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return nil
}

// Send delivers an outbound reply, chunking around Telegram's message limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot %s not running", c.AccountID())
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", msg.ChatID, err)
	}

	content := msg.Content
	for len(content) > 0 {
		chunk := content
		if len(chunk) > telegramMaxMessageLen {
			chunk = content[:telegramMaxMessageLen]
			content = content[telegramMaxMessageLen:]
		} else {
			content = ""
		}
		if err := c.WaitSend(ctx); err != nil {
			return err
		}
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// handleUpdate forwards message updates onto the bus. Peer-bot messages are
// kept (they trigger fan-out follow-ups); this account's own are dropped.
func (c *Channel) handleUpdate(update telego.Update) {
	m := update.Message
	if m == nil || m.From == nil {
		return
	}
	if m.From.Username == c.username {
		return
	}

	content := m.Text
	if content == "" && m.Caption != "" {
		content = m.Caption
	}
	if content == "" {
		return
	}

	slog.Debug("telegram message received",
		"account", c.AccountID(),
		"sender_id", m.From.ID,
		"sender_bot", m.From.IsBot,
		"chat_id", m.Chat.ID,
		"preview", channels.Truncate(content, 50),
	)

	c.Publish(bus.InboundMessage{
		BotUserID:   c.username,
		ChatID:      strconv.FormatInt(m.Chat.ID, 10),
		MessageID:   strconv.Itoa(m.MessageID),
		SenderID:    strconv.FormatInt(m.From.ID, 10),
		SenderName:  m.From.Username,
		SenderIsBot: m.From.IsBot,
		Content:     content,
		Mentions:    extractMentions(m),
		Metadata: map[string]string{
			"chat_type": m.Chat.Type,
		},
	})
}

// extractMentions pulls @username mentions out of a message's entities,
// preserving their order of appearance.
func extractMentions(m *telego.Message) []string {
	var mentions []string
	runes := []rune(m.Text)
	for _, e := range m.Entities {
		if e.Type != telego.EntityTypeMention {
			continue
		}
		start, end := e.Offset, e.Offset+e.Length
		if start < 0 || end > len(runes) {
			continue
		}
		username := string(runes[start:end])
		if len(username) > 1 && username[0] == '@' {
			mentions = append(mentions, username[1:])
		}
	}
	return mentions
}
