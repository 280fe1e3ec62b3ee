// Package channels defines the adapter surface between chat platforms and
// the message bus. Each hosted bot account gets its own adapter instance, so
// every account observes shared-channel events through its own session.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/akropp/openclaw/internal/bus"
)

// Channel is one bot account's connection to a chat platform.
type Channel interface {
	Name() string
	AccountID() string
	// BotUserID is the account's platform identity, known after Start.
	BotUserID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Outbound pacing shared by all adapters: chat platforms throttle bots
// around one message per second with modest burst allowances.
const (
	sendRatePerSecond = 1
	sendBurst         = 5
)

// BaseChannel carries the state common to all adapters.
type BaseChannel struct {
	name      string
	accountID string
	msgBus    *bus.MessageBus
	running   atomic.Bool
	limiter   *rate.Limiter
}

func NewBaseChannel(name, accountID string, msgBus *bus.MessageBus) *BaseChannel {
	return &BaseChannel{
		name:      name,
		accountID: accountID,
		msgBus:    msgBus,
		limiter:   rate.NewLimiter(rate.Limit(sendRatePerSecond), sendBurst),
	}
}

func (b *BaseChannel) Name() string      { return b.name }
func (b *BaseChannel) AccountID() string { return b.accountID }

func (b *BaseChannel) SetRunning(v bool) { b.running.Store(v) }
func (b *BaseChannel) IsRunning() bool   { return b.running.Load() }

// WaitSend blocks until the outbound rate limiter admits one send.
func (b *BaseChannel) WaitSend(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// Publish pushes an inbound event onto the bus with the account identity
// filled in.
func (b *BaseChannel) Publish(msg bus.InboundMessage) {
	msg.Channel = b.name
	msg.AccountID = b.accountID
	b.msgBus.PublishInbound(msg)
}

// Manager owns the set of running adapters and routes outbound replies to
// the adapter for the reply's account.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	byKey    map[string]Channel // "{name}/{accountID}"
}

func NewManager() *Manager {
	return &Manager{byKey: make(map[string]Channel)}
}

func key(name, accountID string) string { return name + "/" + accountID }

func (m *Manager) Add(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.byKey[key(ch.Name(), ch.AccountID())] = ch
}

// StartAll starts every adapter, stopping the ones already started on the
// first failure.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var started []Channel
	for _, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			for _, s := range started {
				if stopErr := s.Stop(ctx); stopErr != nil {
					slog.Warn("channel stop during rollback failed",
						"channel", s.Name(), "account", s.AccountID(), "error", stopErr)
				}
			}
			return fmt.Errorf("start %s/%s: %w", ch.Name(), ch.AccountID(), err)
		}
		started = append(started, ch)
	}
	return nil
}

func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("channel stop failed",
				"channel", ch.Name(), "account", ch.AccountID(), "error", err)
		}
	}
}

// Send routes an outbound reply to the adapter for its account.
func (m *Manager) Send(ctx context.Context, msg bus.OutboundMessage) error {
	m.mu.RLock()
	ch, ok := m.byKey[key(msg.Channel, msg.AccountID)]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no channel for %s/%s", msg.Channel, msg.AccountID)
	}
	return ch.Send(ctx, msg)
}

// Accounts returns every registered adapter.
func (m *Manager) Accounts() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Channel(nil), m.channels...)
}

// Truncate shortens s to its first n runes followed by "..." for log
// previews; strings of at most n runes are returned unchanged.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
