package fanout

import "log/slog"

// NotifyParams reports the outcome of an agent's turn. An empty ResponseText
// signals explicit silence.
type NotifyParams struct {
	ChannelID    string
	AccountID    string
	ResponseText string
}

// Notify is the sole way the reply delivery pipeline informs the coordinator
// of an agent's outcome. Late arrivals (after the response timeout fired) and
// unknown channels are dropped silently.
func (c *Coordinator) Notify(p NotifyParams) {
	st := c.lookup(p.ChannelID)
	if st == nil {
		return
	}

	st.mu.Lock()
	waiter, ok := st.callbacks[p.AccountID]
	if !ok {
		st.mu.Unlock()
		slog.Debug("fanout: late or unexpected notify dropped",
			"channel", p.ChannelID, "account", p.AccountID)
		return
	}
	delete(st.callbacks, p.AccountID)
	st.mu.Unlock()

	waiter <- notifyResult{text: p.ResponseText, delivered: true}
}
