package fanout

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/akropp/openclaw/pkg/protocol"
)

// placeholderTrigger stands in for a trigger whose text never reached us.
const placeholderTrigger = "(trigger message)"

// run claims the channel and executes rounds until the conversation
// terminates, draining queued and chained pending rounds along the way.
// Invoked from the collection-window timer; runs on its own goroutine.
func (c *Coordinator) run(st *channelState, pd *pendingRound) {
	st.mu.Lock()
	if st.isProcessing || st.pending != pd {
		// A round already owns the channel (it drains the pending round on
		// completion), or this round was superseded before its window closed.
		st.mu.Unlock()
		return
	}
	st.pending = nil
	pd.stopTimer()
	st.isProcessing = true

	for pd != nil {
		pd = c.runRound(st, pd)
	}

	st.isProcessing = false
	st.mu.Unlock()
}

// runRound executes one round and returns the next pending round to run
// immediately (queued new-message round or synthesized chained round), or nil
// when the coordinator should release the channel. Called and returned with
// st.mu held; the lock is dropped around each agent invocation.
func (c *Coordinator) runRound(st *channelState, pd *pendingRound) *pendingRound {
	st.currentRound++
	round := st.currentRound

	if round == 1 {
		st.conv.reset()
		text := pd.triggerText
		if text == "" {
			text = placeholderTrigger
		}
		st.conv.append(HumanAgentID, text)
	}

	// Visibility partition: agents with nothing new to see sit this round out.
	var runnable []*registration
	for _, reg := range pd.registrations {
		if !st.conv.unseenBy(reg.accountID) {
			slog.Debug("fanout: agent skipped, no new messages",
				"channel", st.id, "round", round, "account", reg.accountID)
			continue
		}
		runnable = append(runnable, reg)
	}
	ordered := c.orderAgents(st, pd, runnable, round)

	slog.Info("fanout: round starting",
		"channel", st.id,
		"round", round,
		"trigger_message", pd.triggerMessageID,
		"agents", len(ordered),
		"skipped", len(pd.registrations)-len(runnable),
	)

	_, span := c.tracer.Start(context.Background(), protocol.EventFanoutRound,
		trace.WithAttributes(
			attribute.String("channel.id", st.id),
			attribute.Int("fanout.round", round),
			attribute.Int("fanout.agents", len(ordered)),
		))
	responded := make(map[string]struct{})

	for _, reg := range ordered {
		if reg.skipFirstRound && round == 1 {
			slog.Debug("fanout: trigger agent sits out first round",
				"channel", st.id, "account", reg.accountID)
			continue
		}
		if c.invokeAgent(st, reg, round) {
			responded[reg.accountID] = struct{}{}
		}
	}
	span.SetAttributes(attribute.Int("fanout.responses", len(responded)))
	span.End()

	st.prevResponders = responded
	return c.nextRound(st, pd, len(responded) > 0)
}

// invokeAgent runs a single agent's turn: watermark advance, processor call,
// response await, and log append. Reports whether the agent produced a
// non-silent reply. Called with st.mu held; drops it while the agent works.
func (c *Coordinator) invokeAgent(st *channelState, reg *registration, round int) bool {
	w := st.conv.watermark(reg.accountID)
	turn := &Turn{
		Ctx:       reg.ctx,
		Round:     round,
		Responses: st.conv.responsesSince(w),
	}

	// Advance the watermark before invoking so the agent's own forthcoming
	// reply is never re-delivered to it in a later round.
	st.conv.setWatermark(reg.accountID, st.conv.tail())

	waiter := make(chan notifyResult, 1)
	st.callbacks[reg.accountID] = waiter
	timeout := c.cfg.Clock.AfterFunc(c.cfg.ResponseTimeout, func() {
		st.mu.Lock()
		if st.callbacks[reg.accountID] != waiter {
			st.mu.Unlock()
			return
		}
		delete(st.callbacks, reg.accountID)
		st.mu.Unlock()
		waiter <- notifyResult{}
	})
	st.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	c.callProcessor(ctx, reg, turn)
	res := <-waiter
	cancel()
	timeout.Stop()

	st.mu.Lock()
	if !res.delivered {
		slog.Warn("fanout: agent did not respond in time",
			"channel", st.id, "round", round, "account", reg.accountID)
		return false
	}
	if c.isSilent(res.text) {
		slog.Info("fanout: agent stayed silent",
			"channel", st.id, "round", round, "account", reg.accountID)
		return false
	}

	m := st.conv.append(reg.accountID, res.text)
	st.conv.setWatermark(reg.accountID, m.Index)
	slog.Info("fanout: agent responded",
		"channel", st.id, "round", round, "account", reg.accountID, "index", m.Index)
	return true
}

// callProcessor invokes the agent's processor, containing panics and errors:
// a failed processor simply contributes nothing to the round (the response
// timer still resolves the wait unless a late notify arrives first).
func (c *Coordinator) callProcessor(ctx context.Context, reg *registration, turn *Turn) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("fanout: agent processor panicked",
				"account", reg.accountID, "panic", fmt.Sprint(r))
		}
	}()
	if err := reg.process(ctx, turn); err != nil {
		slog.Warn("fanout: agent processor failed",
			"account", reg.accountID, "error", err)
	}
}

// orderAgents fixes the invocation order for one round. The first round puts
// explicitly mentioned bots first, in mention order, with the rest shuffled.
// Chained rounds put the previous round's responders first, shuffled among
// themselves, with the rest shuffled after.
func (c *Coordinator) orderAgents(st *channelState, pd *pendingRound, regs []*registration, round int) []*registration {
	var first, rest []*registration

	if round == 1 {
		pos := make(map[string]int, len(pd.mentionedBotIDs))
		for i, id := range pd.mentionedBotIDs {
			if _, ok := pos[id]; !ok {
				pos[id] = i
			}
		}
		slots := make([]*registration, len(pd.mentionedBotIDs))
		for _, reg := range regs {
			if i, ok := pos[reg.botUserID]; ok {
				slots[i] = reg
			} else {
				rest = append(rest, reg)
			}
		}
		for _, reg := range slots {
			if reg != nil {
				first = append(first, reg)
			}
		}
		shuffle(c.cfg.Rand, rest)
	} else {
		for _, reg := range regs {
			if _, ok := st.prevResponders[reg.accountID]; ok {
				first = append(first, reg)
			} else {
				rest = append(rest, reg)
			}
		}
		shuffle(c.cfg.Rand, first)
		shuffle(c.cfg.Rand, rest)
	}

	return append(first, rest...)
}

// nextRound applies the chaining and termination rules after a round
// completes. Called with st.mu held.
func (c *Coordinator) nextRound(st *channelState, pd *pendingRound, anyResponded bool) *pendingRound {
	switch {
	case st.currentRound >= st.roundLimit:
		slog.Info("fanout: round limit reached, conversation over",
			"channel", st.id, "rounds", st.currentRound)
		return c.terminate(st, protocol.TerminationRoundLimit)

	case !anyResponded:
		slog.Info("fanout: no responses, conversation over",
			"channel", st.id, "rounds", st.currentRound)
		return c.terminate(st, protocol.TerminationNoResponses)

	case st.pending != nil:
		// A new external message arrived during processing: its round chains
		// onto this conversation, absorbing the new trigger.
		next := st.pending
		st.pending = nil
		next.stopTimer()
		slog.Info("fanout: draining queued round",
			"channel", st.id, "message", next.triggerMessageID)
		return next

	default:
		for _, reg := range pd.registrations {
			if st.conv.unseenBy(reg.accountID) {
				// At least one agent has not seen the latest replies: chain a
				// follow-on round with the same participants, no new window.
				return &pendingRound{
					triggerMessageID: pd.triggerMessageID,
					triggerText:      pd.triggerText,
					registrations:    pd.registrations,
					seen:             pd.seen,
					mentionedBotIDs:  pd.mentionedBotIDs,
				}
			}
		}
		slog.Info("fanout: all agents caught up, conversation over",
			"channel", st.id, "rounds", st.currentRound)
		return c.terminate(st, protocol.TerminationCaughtUp)
	}
}

// terminate resets the channel for a fresh conversation, archives the one
// that just ended, and hands back any queued pending round so it starts a new
// conversation immediately. Called with st.mu held.
func (c *Coordinator) terminate(st *channelState, reason string) *pendingRound {
	c.archive(st, reason)
	st.currentRound = 0
	st.prevResponders = make(map[string]struct{})

	next := st.pending
	st.pending = nil
	if next != nil {
		next.stopTimer()
	}
	return next
}
