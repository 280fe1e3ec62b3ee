// Package fanout serializes the reactions of multiple bot accounts sharing a
// chat channel. When one external event lands (a human message, or another
// bot's reply), every hosted account receives it independently through its own
// gateway session; without coordination they would all answer in parallel
// against a stale view of the conversation. The coordinator collects these
// independent registrations inside a short window, then releases the agents
// one at a time so each sees the replies produced by those that went before it.
//
// A conversation can chain: after a round in which at least one agent replied,
// agents that have not yet seen the new replies get another round, up to the
// channel's round limit. Per-agent watermarks into the shared conversation log
// guarantee no agent is ever shown a message twice, including its own.
package fanout

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Defaults for the coordinator's timing knobs and round ceiling.
const (
	DefaultCollectionWindow = 1500 * time.Millisecond
	DefaultResponseTimeout  = 45 * time.Second
	DefaultMaxRounds        = 20
)

// Guidance is prepended by agents to their prompts when responding inside a
// fan-out round, so they behave sensibly in a multi-agent group setting.
const Guidance = "You are one of several assistants sharing this channel. " +
	"Other assistants may have already replied; their messages are listed " +
	"before yours. Do not repeat what another assistant has said. Add a reply " +
	"only when you have something new to contribute; otherwise stay silent."

// Turn is the augmented context handed to an agent's processor for one
// serialized turn. Ctx is the registration's preflight context, passed
// through untouched.
type Turn struct {
	Ctx       any
	Round     int      // 1-based fan-out round number
	Responses []string // "[agentId]: content" lines the agent has not yet seen
}

// TurnFrom recovers a *Turn smuggled through an any-typed pipeline.
// Returns false when the value is not a fan-out turn.
func TurnFrom(v any) (*Turn, bool) {
	t, ok := v.(*Turn)
	return t, ok
}

// ProcessFunc is an agent's message processor. It returns once the agent has
// accepted the work; the eventual reply (or silence) is reported separately
// through Coordinator.Notify.
type ProcessFunc func(ctx context.Context, turn *Turn) error

// Config carries the coordinator's injectable collaborators. Zero values get
// sensible defaults in New.
type Config struct {
	CollectionWindow time.Duration
	ResponseTimeout  time.Duration
	MaxRounds        int

	Clock Clock
	Rand  Rand

	// IsSilentReply classifies a reply text as a deliberate non-response.
	// Supplied by the token layer; nil means only empty or whitespace-only
	// text counts as silence.
	IsSilentReply func(string) bool

	// Archiver, when set, receives every terminated conversation. Best-effort;
	// archive failures are logged and never affect coordination.
	Archiver Archiver
}

// Coordinator owns the per-channel fan-out state. All exported methods are
// safe for concurrent use; state for different channels never interacts.
type Coordinator struct {
	cfg    Config
	tracer trace.Tracer

	mu       sync.Mutex
	channels map[string]*channelState
}

// channelState is the singleton coordination record for one channel.
// All fields are guarded by mu.
type channelState struct {
	mu sync.Mutex

	id             string
	currentRound   int
	isProcessing   bool
	pending        *pendingRound
	prevResponders map[string]struct{}
	roundLimit     int
	callbacks      map[string]chan notifyResult
	conv           *conversationLog
}

// pendingRound collects registrations for a single trigger message while its
// collection window is open, or while it waits for an in-flight round to drain.
type pendingRound struct {
	triggerMessageID string
	triggerText      string
	registrations    []*registration
	seen             map[string]struct{}
	timer            Timer
	mentionedBotIDs  []string
}

func (p *pendingRound) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// registration is one agent's participation in a pending round.
type registration struct {
	accountID      string
	botUserID      string
	ctx            any
	process        ProcessFunc
	skipFirstRound bool
}

type notifyResult struct {
	text      string
	delivered bool
}

// New creates a Coordinator, applying defaults for any unset Config field.
func New(cfg Config) *Coordinator {
	if cfg.CollectionWindow <= 0 {
		cfg.CollectionWindow = DefaultCollectionWindow
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Rand == nil {
		cfg.Rand = realRand{}
	}
	return &Coordinator{
		cfg:      cfg,
		tracer:   otel.Tracer("openclaw/fanout"),
		channels: make(map[string]*channelState),
	}
}

// getOrCreate returns the channel's state record, creating it on first use.
// A positive maxRounds updates the channel's round limit (last-seen wins).
func (c *Coordinator) getOrCreate(channelID string, maxRounds int) *channelState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.channels[channelID]
	if !ok {
		st = &channelState{
			id:             channelID,
			prevResponders: make(map[string]struct{}),
			roundLimit:     c.cfg.MaxRounds,
			callbacks:      make(map[string]chan notifyResult),
			conv:           newConversationLog(),
		}
		c.channels[channelID] = st
	}
	if maxRounds > 0 {
		st.mu.Lock()
		st.roundLimit = maxRounds
		st.mu.Unlock()
	}
	return st
}

// lookup returns the channel's state record, or nil when none exists.
func (c *Coordinator) lookup(channelID string) *channelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[channelID]
}

// Active reports whether a fan-out round is currently executing on the
// channel. External preflight logic uses this to gate parallel handling.
func (c *Coordinator) Active(channelID string) bool {
	st := c.lookup(channelID)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.isProcessing
}

func (c *Coordinator) isSilent(text string) bool {
	if strings.TrimSpace(text) == "" {
		return true
	}
	if c.cfg.IsSilentReply != nil {
		return c.cfg.IsSilentReply(text)
	}
	return false
}
