package fanout

import "log/slog"

// RegisterParams describes one agent's intent to handle a shared-channel
// message. Registrations for the same message arriving within the collection
// window are batched into a single round.
type RegisterParams struct {
	ChannelID string
	MessageID string

	// AccountID identifies the agent; registrations are deduplicated by it.
	AccountID string
	// BotUserID is the agent's chat-platform identity, used for mention
	// ordering and trigger-agent self-exclusion.
	BotUserID string
	// TriggerBotUserID is the chat identity of the triggering message's
	// author when that author is one of the hosted bots; empty for human
	// triggers. The matching agent sits out the first round.
	TriggerBotUserID string
	// MentionedUserIDs lists bot user IDs explicitly mentioned in the
	// trigger, in mention order. The first registration to open the round
	// fixes the list.
	MentionedUserIDs []string
	// TriggerText is the trigger message's text, used to seed the
	// conversation log on the first round.
	TriggerText string

	// Ctx is an opaque preflight value handed back to Process untouched.
	Ctx     any
	Process ProcessFunc

	// MaxRounds overrides the channel's round ceiling when > 0.
	MaxRounds int
}

// Register enrolls an agent for the fan-out handling of a message. It always
// returns true: the coordinator owns processing of the event from here on and
// the caller must not handle it independently.
//
// The first registration for a message opens a pending round and arms the
// collection window; later registrations for the same message join it. A
// registration for a different message discards any pending round that has
// not started yet, and is queued behind a round already executing.
func (c *Coordinator) Register(p RegisterParams) bool {
	st := c.getOrCreate(p.ChannelID, p.MaxRounds)

	st.mu.Lock()
	defer st.mu.Unlock()

	isTrigger := p.TriggerBotUserID != "" && p.TriggerBotUserID == p.BotUserID

	if st.pending == nil || st.pending.triggerMessageID != p.MessageID {
		// New trigger: any pending round for an older message is superseded.
		if st.pending != nil {
			st.pending.stopTimer()
			slog.Debug("fanout: pending round superseded",
				"channel", p.ChannelID,
				"old_message", st.pending.triggerMessageID,
				"new_message", p.MessageID,
			)
		}
		pd := &pendingRound{
			triggerMessageID: p.MessageID,
			triggerText:      p.TriggerText,
			seen:             make(map[string]struct{}),
			mentionedBotIDs:  p.MentionedUserIDs,
		}
		st.pending = pd
		// The window timer fires into the executor. If a round is still
		// executing when it fires, the executor ignores it and drains this
		// pending round on completion instead.
		pd.timer = c.cfg.Clock.AfterFunc(c.cfg.CollectionWindow, func() {
			c.onCollectionExpired(st, pd)
		})
		if st.isProcessing {
			slog.Info("fanout: new message queued behind active round",
				"channel", p.ChannelID, "message", p.MessageID)
		}
	}

	pd := st.pending
	if pd.triggerText == "" && p.TriggerText != "" {
		pd.triggerText = p.TriggerText
	}
	if _, dup := pd.seen[p.AccountID]; dup {
		return true
	}
	pd.seen[p.AccountID] = struct{}{}
	pd.registrations = append(pd.registrations, &registration{
		accountID:      p.AccountID,
		botUserID:      p.BotUserID,
		ctx:            p.Ctx,
		process:        p.Process,
		skipFirstRound: isTrigger,
	})

	slog.Debug("fanout: agent registered",
		"channel", p.ChannelID,
		"message", p.MessageID,
		"account", p.AccountID,
		"trigger_agent", isTrigger,
		"registered", len(pd.registrations),
	)
	return true
}

// onCollectionExpired runs when a pending round's collection window closes.
func (c *Coordinator) onCollectionExpired(st *channelState, pd *pendingRound) {
	st.mu.Lock()
	if st.isProcessing || st.pending != pd {
		// Either the executor owns the channel (it will drain the pending
		// round itself) or this round was superseded; stale fire.
		st.mu.Unlock()
		return
	}
	st.mu.Unlock()
	go c.run(st, pd)
}
