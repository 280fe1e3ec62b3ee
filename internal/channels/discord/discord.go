// Package discord connects one hosted bot account to Discord. In fan-out
// channels several accounts run side by side, each with its own gateway
// session, so each account sees shared messages independently.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/akropp/openclaw/internal/bus"
	"github.com/akropp/openclaw/internal/channels"
	"github.com/akropp/openclaw/internal/config"
)

// Channel connects a single bot account via the Discord gateway.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	config    config.DiscordAccount
	botUserID string // populated on start
}

// New creates a Discord channel for one bot account.
func New(cfg config.DiscordAccount, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", cfg.AccountID, msgBus),
		session:     session,
		config:      cfg,
	}, nil
}

// BotUserID returns the account's Discord user ID, known after Start.
func (c *Channel) BotUserID() string { return c.botUserID }

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot", "account", c.AccountID())

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected",
		"account", c.AccountID(), "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot", "account", c.AccountID())
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers an outbound reply, chunking around Discord's message limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot %s not running", c.AccountID())
	}
	if msg.ChatID == "" {
		return fmt.Errorf("empty chat ID for discord send")
	}
	if err := c.WaitSend(ctx); err != nil {
		return err
	}
	return c.sendChunked(msg.ChatID, msg.Content)
}

// sendChunked sends a message, splitting into multiple messages if over
// Discord's 2000-char limit, preferring newline boundaries.
func (c *Channel) sendChunked(channelID, content string) error {
	const maxLen = 2000

	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			cutAt := maxLen
			if idx := lastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}

		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// handleMessage forwards incoming Discord messages onto the bus. Messages
// from other bots are kept: a peer bot's reply is exactly what triggers a
// fan-out follow-up round. Only this account's own messages are dropped.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID {
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		content = "[empty message]"
	}

	// Mention order matters downstream: mentioned bots answer first.
	mentions := make([]string, 0, len(m.Mentions))
	for _, u := range m.Mentions {
		mentions = append(mentions, u.ID)
	}

	slog.Debug("discord message received",
		"account", c.AccountID(),
		"sender_id", m.Author.ID,
		"sender_bot", m.Author.Bot,
		"channel_id", m.ChannelID,
		"preview", channels.Truncate(content, 50),
	)

	c.Publish(bus.InboundMessage{
		BotUserID:   c.botUserID,
		ChatID:      m.ChannelID,
		MessageID:   m.ID,
		SenderID:    m.Author.ID,
		SenderName:  m.Author.Username,
		SenderIsBot: m.Author.Bot,
		Content:     content,
		Mentions:    mentions,
		Metadata: map[string]string{
			"guild_id": m.GuildID,
		},
	})
}

// lastIndexByte returns the last index of byte c in s, or -1.
func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}
