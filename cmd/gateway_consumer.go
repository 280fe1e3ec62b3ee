package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/akropp/openclaw/internal/agent"
	"github.com/akropp/openclaw/internal/bus"
	"github.com/akropp/openclaw/internal/channels"
	"github.com/akropp/openclaw/internal/config"
	"github.com/akropp/openclaw/internal/fanout"
)

// consumeInboundMessages drains inbound chat events and registers each
// receiving account with the fan-out coordinator. Every hosted account gets
// its own copy of a shared message through its own gateway session; the
// coordinator collects those copies into one serialized round.
func consumeInboundMessages(ctx context.Context, msgBus *bus.MessageBus, co *fanout.Coordinator, r agent.Runner, cfg *config.Config) {
	slog.Info("inbound message consumer started")

	// Per-account dedup: gateway reconnects and webhook retries redeliver
	// events; each account must still register exactly once per message.
	dedupe := bus.NewDedupeCache(
		time.Duration(cfg.Gateway.DedupeTTLMin)*time.Minute,
		cfg.Gateway.DedupeMaxItems,
	)

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return
		}

		key := fmt.Sprintf("%s|%s|%s|%s", msg.Channel, msg.AccountID, msg.ChatID, msg.MessageID)
		if dedupe.IsDuplicate(key) {
			slog.Debug("dedup: skipping duplicate message", "key", key)
			continue
		}

		// A bot-authored message names its sender as the trigger bot; a
		// registering account whose BotUserID equals the sender ID sits out
		// the first round. Adapters drop an account's own messages, so the
		// author's account does not register for them at all, and on
		// Telegram the numeric sender ID never equals the username-based
		// BotUserID.
		triggerBot := ""
		if msg.SenderIsBot {
			triggerBot = msg.SenderID
		}

		pf := &agent.Preflight{
			Channel:   msg.Channel,
			AccountID: msg.AccountID,
			ChatID:    msg.ChatID,
			MessageID: msg.MessageID,
			SenderID:  msg.SenderID,
			Content:   msg.Content,
		}

		channelKey := fanoutChannelKey(msg.Channel, msg.ChatID)
		co.Register(fanout.RegisterParams{
			ChannelID:        channelKey,
			MessageID:        msg.MessageID,
			AccountID:        msg.AccountID,
			BotUserID:        msg.BotUserID,
			TriggerBotUserID: triggerBot,
			MentionedUserIDs: msg.Mentions,
			TriggerText:      annotateSender(msg),
			Ctx:              pf,
			Process:          makeTurnProcessor(co, msgBus, r, channelKey, msg),
		})

		slog.Info("inbound: registered for fan-out",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"account", msg.AccountID,
			"message", msg.MessageID,
			"active", co.Active(channelKey),
		)
	}
}

// makeTurnProcessor builds the per-registration processor the coordinator
// invokes when the account's turn comes up. It accepts the work, runs the
// reply pipeline off the coordinator's goroutine, and reports the outcome
// through Notify; non-silent replies also go out to the chat.
func makeTurnProcessor(co *fanout.Coordinator, msgBus *bus.MessageBus, r agent.Runner, channelKey string, msg bus.InboundMessage) fanout.ProcessFunc {
	return func(ctx context.Context, turn *fanout.Turn) error {
		go func() {
			text := runTurn(ctx, r, msg, turn)
			co.Notify(fanout.NotifyParams{
				ChannelID:    channelKey,
				AccountID:    msg.AccountID,
				ResponseText: text,
			})
			if text == "" || agent.IsSilentReply(text) {
				slog.Info("turn: suppressed silent/empty reply",
					"channel", msg.Channel,
					"chat_id", msg.ChatID,
					"account", msg.AccountID,
				)
				return
			}
			msgBus.PublishOutbound(bus.OutboundMessage{
				Channel:   msg.Channel,
				AccountID: msg.AccountID,
				ChatID:    msg.ChatID,
				Content:   text,
			})
		}()
		return nil
	}
}

// runTurn executes the reply pipeline for one turn. Errors and a missing
// runner both degrade to silence; the coordinator treats that as a
// non-response and moves on.
func runTurn(ctx context.Context, r agent.Runner, msg bus.InboundMessage, turn *fanout.Turn) string {
	if r == nil {
		slog.Warn("turn: no runner installed, staying silent", "account", msg.AccountID)
		return ""
	}

	runID := uuid.NewString()
	result, err := r.Run(ctx, agent.RunRequest{
		RunID:             runID,
		AccountID:         msg.AccountID,
		Channel:           msg.Channel,
		ChatID:            msg.ChatID,
		Message:           msg.Content,
		PeerResponses:     turn.Responses,
		Round:             turn.Round,
		ExtraSystemPrompt: fanout.Guidance,
	})
	if err != nil {
		slog.Error("turn: agent run failed",
			"account", msg.AccountID,
			"run_id", runID,
			"error", err,
		)
		return ""
	}
	return result.Content
}

// consumeOutboundMessages delivers replies back through their adapters.
func consumeOutboundMessages(ctx context.Context, msgBus *bus.MessageBus, manager *channels.Manager) {
	for {
		msg, ok := msgBus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		if err := manager.Send(ctx, msg); err != nil {
			slog.Error("outbound: delivery failed",
				"channel", msg.Channel,
				"account", msg.AccountID,
				"chat_id", msg.ChatID,
				"error", err,
			)
		}
	}
}

// fanoutChannelKey scopes coordinator state to one chat on one platform.
func fanoutChannelKey(channel, chatID string) string {
	return channel + ":" + chatID
}

// annotateSender prefixes a message with its sender's name, when the adapter
// supplied one, so prompts can attribute speakers.
func annotateSender(msg bus.InboundMessage) string {
	if msg.SenderName == "" {
		return msg.Content
	}
	return fmt.Sprintf("[From: %s]\n%s", msg.SenderName, msg.Content)
}
