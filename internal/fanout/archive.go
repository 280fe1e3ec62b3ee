package fanout

import (
	"context"
	"log/slog"
	"time"
)

// ConversationRecord is the immutable snapshot of a terminated conversation
// handed to the Archiver.
type ConversationRecord struct {
	ChannelID string
	Rounds    int
	// Reason is one of the protocol.Termination* values.
	Reason   string
	Messages []Message
	EndedAt  time.Time
}

// Archiver persists terminated conversations. Implementations must tolerate
// concurrent calls for different channels.
type Archiver interface {
	ArchiveConversation(ctx context.Context, rec ConversationRecord) error
}

// archive snapshots the channel's conversation and hands it to the configured
// archiver on a separate goroutine. Called with st.mu held, before the
// termination reset; failures are logged and otherwise ignored.
func (c *Coordinator) archive(st *channelState, reason string) {
	if c.cfg.Archiver == nil || len(st.conv.messages) == 0 {
		return
	}
	rec := ConversationRecord{
		ChannelID: st.id,
		Rounds:    st.currentRound,
		Reason:    reason,
		Messages:  append([]Message(nil), st.conv.messages...),
		EndedAt:   c.cfg.Clock.Now(),
	}
	go func() {
		if err := c.cfg.Archiver.ArchiveConversation(context.Background(), rec); err != nil {
			slog.Warn("fanout: conversation archive failed",
				"channel", rec.ChannelID, "rounds", rec.Rounds, "error", err)
		}
	}()
}
