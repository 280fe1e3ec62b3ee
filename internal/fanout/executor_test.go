package fanout

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/akropp/openclaw/pkg/protocol"
)

const noReply = "NO_REPLY"

type captureArchiver struct {
	recs chan ConversationRecord
}

func (a *captureArchiver) ArchiveConversation(_ context.Context, rec ConversationRecord) error {
	a.recs <- rec
	return nil
}

func newTestCoordinator() (*Coordinator, *fakeClock, *captureArchiver) {
	clk := newFakeClock()
	arch := &captureArchiver{recs: make(chan ConversationRecord, 4)}
	co := New(Config{
		Clock:         clk,
		Rand:          identityRand{},
		IsSilentReply: func(s string) bool { return s == noReply },
		Archiver:      arch,
	})
	return co, clk, arch
}

func waitRecord(t *testing.T, arch *captureArchiver) ConversationRecord {
	t.Helper()
	select {
	case rec := <-arch.recs:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for conversation to terminate")
		return ConversationRecord{}
	}
}

// testAgent scripts one agent's replies, one entry per invocation; exhausted
// scripts fall back to the silent sentinel.
type testAgent struct {
	co      *Coordinator
	channel string
	account string
	bot     string
	replies []string

	mu       sync.Mutex
	turns    []*Turn
	onInvoke func(n int, turn *Turn)
}

func (a *testAgent) process(_ context.Context, turn *Turn) error {
	a.mu.Lock()
	n := len(a.turns)
	a.turns = append(a.turns, turn)
	a.mu.Unlock()

	if a.onInvoke != nil {
		a.onInvoke(n, turn)
	}
	reply := noReply
	if n < len(a.replies) {
		reply = a.replies[n]
	}
	a.co.Notify(NotifyParams{ChannelID: a.channel, AccountID: a.account, ResponseText: reply})
	return nil
}

func (a *testAgent) recordedTurns() []*Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Turn(nil), a.turns...)
}

func (a *testAgent) register(msgID, triggerText, triggerBot string, mentions []string) {
	a.co.Register(RegisterParams{
		ChannelID:        a.channel,
		MessageID:        msgID,
		AccountID:        a.account,
		BotUserID:        a.bot,
		TriggerBotUserID: triggerBot,
		MentionedUserIDs: mentions,
		TriggerText:      triggerText,
		Process:          a.process,
	})
}

func checkIndices(t *testing.T, msgs []Message) {
	t.Helper()
	for i, m := range msgs {
		if m.Index != i {
			t.Fatalf("message %d has index %d; indices must be dense and increasing", i, m.Index)
		}
	}
}

func checkNoSelfEcho(t *testing.T, agents ...*testAgent) {
	t.Helper()
	for _, a := range agents {
		for _, turn := range a.recordedTurns() {
			for _, line := range turn.Responses {
				if strings.HasPrefix(line, "["+a.account+"]") {
					t.Fatalf("agent %s was shown its own message: %q", a.account, line)
				}
			}
		}
	}
}

func TestTwoAgentsConvergeSecondRound(t *testing.T) {
	co, clk, arch := newTestCoordinator()
	a := &testAgent{co: co, channel: "ch1", account: "A", bot: "botA", replies: []string{"A1", noReply}}
	b := &testAgent{co: co, channel: "ch1", account: "B", bot: "botB", replies: []string{"B1"}}

	a.register("m1", "Hello team", "", nil)
	b.register("m1", "Hello team", "", nil)
	clk.Advance(DefaultCollectionWindow)

	rec := waitRecord(t, arch)
	if rec.Rounds != 2 {
		t.Fatalf("rounds = %d, want 2", rec.Rounds)
	}
	if rec.Reason != protocol.TerminationNoResponses {
		t.Fatalf("termination reason = %q", rec.Reason)
	}
	checkIndices(t, rec.Messages)
	want := []Message{
		{AgentID: HumanAgentID, Content: "Hello team", Index: 0},
		{AgentID: "A", Content: "A1", Index: 1},
		{AgentID: "B", Content: "B1", Index: 2},
	}
	if len(rec.Messages) != len(want) {
		t.Fatalf("messages = %+v, want %+v", rec.Messages, want)
	}
	for i := range want {
		if rec.Messages[i] != want[i] {
			t.Fatalf("message %d = %+v, want %+v", i, rec.Messages[i], want[i])
		}
	}

	// B saw A's round-1 reply during round 1, so only A runs in round 2.
	aTurns, bTurns := a.recordedTurns(), b.recordedTurns()
	if len(aTurns) != 2 || len(bTurns) != 1 {
		t.Fatalf("invocations A=%d B=%d, want 2 and 1", len(aTurns), len(bTurns))
	}
	if len(bTurns[0].Responses) != 1 || bTurns[0].Responses[0] != "[A]: A1" {
		t.Fatalf("B round-1 responses = %v", bTurns[0].Responses)
	}
	if len(aTurns[1].Responses) != 1 || aTurns[1].Responses[0] != "[B]: B1" {
		t.Fatalf("A round-2 responses = %v", aTurns[1].Responses)
	}
	if aTurns[1].Round != 2 {
		t.Fatalf("A second turn round = %d, want 2", aTurns[1].Round)
	}
	checkNoSelfEcho(t, a, b)

	if co.Active("ch1") {
		t.Fatal("channel still active after termination")
	}
}

func TestTriggerAgentSitsOutFirstRound(t *testing.T) {
	co, clk, arch := newTestCoordinator()
	a := &testAgent{co: co, channel: "ch1", account: "A", bot: "botA", replies: []string{"thanks"}}
	b := &testAgent{co: co, channel: "ch1", account: "B", bot: "botB", replies: []string{"ack", noReply}}

	// A authored the trigger, so it is excluded from round 1.
	a.register("m1", "announcement", "botA", nil)
	b.register("m1", "announcement", "botA", nil)
	clk.Advance(DefaultCollectionWindow)

	rec := waitRecord(t, arch)
	checkIndices(t, rec.Messages)
	if len(rec.Messages) != 3 {
		t.Fatalf("messages = %+v, want human/ack/thanks", rec.Messages)
	}
	if rec.Messages[1].AgentID != "B" || rec.Messages[1].Content != "ack" {
		t.Fatalf("round-1 reply = %+v, want B:ack", rec.Messages[1])
	}
	if rec.Messages[2].AgentID != "A" || rec.Messages[2].Content != "thanks" {
		t.Fatalf("round-2 reply = %+v, want A:thanks", rec.Messages[2])
	}

	aTurns := a.recordedTurns()
	if len(aTurns) != 1 || aTurns[0].Round != 2 {
		t.Fatalf("trigger agent turns = %d (first round %d), want exactly one turn in round 2",
			len(aTurns), aTurns[0].Round)
	}
	if len(aTurns[0].Responses) != 1 || aTurns[0].Responses[0] != "[B]: ack" {
		t.Fatalf("A round-2 responses = %v", aTurns[0].Responses)
	}
	checkNoSelfEcho(t, a, b)
}

func TestMentionedAgentsGoFirst(t *testing.T) {
	co, clk, arch := newTestCoordinator()

	var mu sync.Mutex
	var order []string
	capture := func(account string) func(int, *Turn) {
		return func(int, *Turn) {
			mu.Lock()
			order = append(order, account)
			mu.Unlock()
		}
	}

	a := &testAgent{co: co, channel: "ch1", account: "A", bot: "botA", onInvoke: capture("A")}
	b := &testAgent{co: co, channel: "ch1", account: "B", bot: "botB", onInvoke: capture("B")}
	cc := &testAgent{co: co, channel: "ch1", account: "C", bot: "botC", onInvoke: capture("C")}

	mentions := []string{"botB", "botA"}
	a.register("m1", "hey @botB @botA", "", mentions)
	b.register("m1", "hey @botB @botA", "", mentions)
	cc.register("m1", "hey @botB @botA", "", mentions)
	clk.Advance(DefaultCollectionWindow)

	waitRecord(t, arch)
	mu.Lock()
	defer mu.Unlock()
	want := []string{"B", "A", "C"}
	if len(order) != len(want) {
		t.Fatalf("invocation order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("invocation order = %v, want %v", order, want)
		}
	}
}

func TestNewMessageQueuedDuringRound(t *testing.T) {
	co, clk, arch := newTestCoordinator()

	a2 := &testAgent{co: co, channel: "ch1", account: "A", bot: "botA"}
	b2 := &testAgent{co: co, channel: "ch1", account: "B", bot: "botB"}

	a := &testAgent{co: co, channel: "ch1", account: "A", bot: "botA", replies: []string{"A1"}}
	b := &testAgent{co: co, channel: "ch1", account: "B", bot: "botB", replies: []string{"B1"}}
	// While round 1 is processing, a second message arrives and its
	// registrations queue behind the active round.
	a.onInvoke = func(n int, _ *Turn) {
		if n == 0 {
			a2.register("m2", "follow-up", "botA", nil)
			b2.register("m2", "follow-up", "botA", nil)
		}
	}

	a.register("m1", "first", "", nil)
	b.register("m1", "first", "", nil)
	clk.Advance(DefaultCollectionWindow)

	rec := waitRecord(t, arch)
	if rec.Rounds != 2 {
		t.Fatalf("rounds = %d, want queued message to run as round 2", rec.Rounds)
	}
	// The queued round chains onto the same conversation: no fresh human
	// trigger is appended for m2.
	for _, m := range rec.Messages {
		if m.Content == "follow-up" {
			t.Fatalf("queued trigger restarted the conversation: %+v", rec.Messages)
		}
	}

	a2Turns := a2.recordedTurns()
	if len(a2Turns) != 1 || a2Turns[0].Round != 2 {
		t.Fatalf("queued-round agent A turns = %+v, want one turn in round 2", a2Turns)
	}
	// B's watermark already covers everything it was shown in round 1.
	if turns := b2.recordedTurns(); len(turns) != 0 {
		t.Fatalf("queued-round agent B invoked %d times, want 0", len(turns))
	}
}

func TestSilentReplyNotAppended(t *testing.T) {
	co, clk, arch := newTestCoordinator()
	a := &testAgent{co: co, channel: "ch1", account: "A", bot: "botA", replies: []string{noReply, noReply}}
	b := &testAgent{co: co, channel: "ch1", account: "B", bot: "botB", replies: []string{"ok"}}

	a.register("m1", "hello", "", nil)
	b.register("m1", "hello", "", nil)
	clk.Advance(DefaultCollectionWindow)

	rec := waitRecord(t, arch)
	checkIndices(t, rec.Messages)
	if len(rec.Messages) != 2 || rec.Messages[1].AgentID != "B" {
		t.Fatalf("messages = %+v, want only human + B:ok", rec.Messages)
	}
	// B's reply still chains a round 2 in which A gets another look.
	if rec.Rounds != 2 {
		t.Fatalf("rounds = %d, want 2", rec.Rounds)
	}
	if turns := a.recordedTurns(); len(turns) != 2 {
		t.Fatalf("A invoked %d times, want 2", len(turns))
	}
}

func TestRoundLimitTerminatesConversation(t *testing.T) {
	co, clk, arch := newTestCoordinator()
	a := &testAgent{co: co, channel: "ch1", account: "A", bot: "botA",
		replies: []string{"a1", "a2", "a3", "a4"}}
	b := &testAgent{co: co, channel: "ch1", account: "B", bot: "botB",
		replies: []string{"b1", "b2", "b3", "b4"}}

	co.Register(RegisterParams{
		ChannelID: "ch1", MessageID: "m1", AccountID: "A", BotUserID: "botA",
		TriggerText: "go", Process: a.process, MaxRounds: 2,
	})
	co.Register(RegisterParams{
		ChannelID: "ch1", MessageID: "m1", AccountID: "B", BotUserID: "botB",
		TriggerText: "go", Process: b.process, MaxRounds: 2,
	})
	clk.Advance(DefaultCollectionWindow)

	rec := waitRecord(t, arch)
	if rec.Rounds != 2 {
		t.Fatalf("rounds = %d, want hard stop at 2", rec.Rounds)
	}
	if rec.Reason != protocol.TerminationRoundLimit {
		t.Fatalf("termination reason = %q", rec.Reason)
	}
	if co.Active("ch1") {
		t.Fatal("channel still active after round limit")
	}

	// The channel accepts a fresh conversation afterwards.
	a2 := &testAgent{co: co, channel: "ch1", account: "A", bot: "botA"}
	a2.register("m9", "again", "", nil)
	clk.Advance(DefaultCollectionWindow)
	rec2 := waitRecord(t, arch)
	if rec2.Rounds != 1 || rec2.Messages[0].Content != "again" {
		t.Fatalf("fresh conversation record = %+v", rec2)
	}
}

func TestResponseTimeoutCountsAsSilence(t *testing.T) {
	co, clk, arch := newTestCoordinator()

	invoked := make(chan struct{})
	co.Register(RegisterParams{
		ChannelID: "ch1", MessageID: "m1", AccountID: "A", BotUserID: "botA",
		TriggerText: "anyone there?",
		Process: func(context.Context, *Turn) error {
			close(invoked)
			return nil // never notifies
		},
	})
	clk.Advance(DefaultCollectionWindow)

	select {
	case <-invoked:
	case <-time.After(2 * time.Second):
		t.Fatal("agent processor was never invoked")
	}
	clk.Advance(DefaultResponseTimeout)

	rec := waitRecord(t, arch)
	if rec.Rounds != 1 || len(rec.Messages) != 1 {
		t.Fatalf("record = %+v, want single-round conversation with only the trigger", rec)
	}

	// A notify arriving after the timeout is dropped without effect.
	co.Notify(NotifyParams{ChannelID: "ch1", AccountID: "A", ResponseText: "too late"})
	if co.Active("ch1") {
		t.Fatal("late notify reactivated the channel")
	}
}

func TestProcessorPanicTreatedAsNoResponse(t *testing.T) {
	co, clk, arch := newTestCoordinator()

	invoked := make(chan struct{}, 2)
	b := &testAgent{co: co, channel: "ch1", account: "B", bot: "botB", replies: []string{"fine"}}
	co.Register(RegisterParams{
		ChannelID: "ch1", MessageID: "m1", AccountID: "A", BotUserID: "botA",
		TriggerText: "hi",
		Process: func(context.Context, *Turn) error {
			invoked <- struct{}{}
			panic("processor blew up")
		},
	})
	b.register("m1", "hi", "", nil)

	clk.Advance(DefaultCollectionWindow)

	// A's turns resolve only via the response timeout: once in round 1, and
	// once more in the chained round 2 where B's reply is new to it.
	for i := 0; i < 2; i++ {
		select {
		case <-invoked:
		case <-time.After(2 * time.Second):
			t.Fatalf("panicking processor not invoked (turn %d)", i+1)
		}
		clk.Advance(DefaultResponseTimeout)
	}

	rec := waitRecord(t, arch)
	if rec.Rounds != 2 {
		t.Fatalf("rounds = %d, want 2", rec.Rounds)
	}
	if len(rec.Messages) != 2 || rec.Messages[1].AgentID != "B" {
		t.Fatalf("messages = %+v, want the healthy agent's reply to survive", rec.Messages)
	}
}

func TestNewerMessageSupersedesPendingRound(t *testing.T) {
	co, clk, arch := newTestCoordinator()
	a := &testAgent{co: co, channel: "ch1", account: "A", bot: "botA", replies: []string{"never"}}
	b := &testAgent{co: co, channel: "ch1", account: "B", bot: "botB", replies: []string{"hi"}}

	a.register("m1", "first", "", nil)
	clk.Advance(500 * time.Millisecond)
	b.register("m2", "second", "", nil)
	clk.Advance(DefaultCollectionWindow)

	rec := waitRecord(t, arch)
	if rec.Messages[0].Content != "second" {
		t.Fatalf("trigger = %q, want superseding message", rec.Messages[0].Content)
	}
	if rec.Reason != protocol.TerminationCaughtUp {
		t.Fatalf("termination reason = %q", rec.Reason)
	}
	if turns := a.recordedTurns(); len(turns) != 0 {
		t.Fatalf("agent from discarded round invoked %d times, want 0", len(turns))
	}
}

func TestDuplicateRegistrationIgnored(t *testing.T) {
	co, clk, arch := newTestCoordinator()
	a := &testAgent{co: co, channel: "ch1", account: "A", bot: "botA", replies: []string{"once"}}

	a.register("m1", "hello", "", nil)
	a.register("m1", "hello", "", nil)
	clk.Advance(DefaultCollectionWindow)

	rec := waitRecord(t, arch)
	if len(rec.Messages) != 2 {
		t.Fatalf("messages = %+v, want exactly one reply", rec.Messages)
	}
	if turns := a.recordedTurns(); len(turns) != 1 {
		t.Fatalf("agent invoked %d times, want 1", len(turns))
	}
}

func TestActiveWhileRoundInFlight(t *testing.T) {
	co, clk, arch := newTestCoordinator()

	invoked := make(chan struct{})
	release := make(chan struct{})
	co.Register(RegisterParams{
		ChannelID: "ch1", MessageID: "m1", AccountID: "A", BotUserID: "botA",
		TriggerText: "hold",
		Process: func(context.Context, *Turn) error {
			close(invoked)
			<-release
			co.Notify(NotifyParams{ChannelID: "ch1", AccountID: "A", ResponseText: noReply})
			return nil
		},
	})

	if co.Active("ch1") {
		t.Fatal("channel active before collection window closed")
	}
	clk.Advance(DefaultCollectionWindow)

	select {
	case <-invoked:
	case <-time.After(2 * time.Second):
		t.Fatal("agent processor was never invoked")
	}
	if !co.Active("ch1") {
		t.Fatal("channel not active while agent is processing")
	}
	close(release)

	waitRecord(t, arch)
	if co.Active("ch1") {
		t.Fatal("channel still active after conversation ended")
	}
}

func TestMissingTriggerTextGetsPlaceholder(t *testing.T) {
	co, clk, arch := newTestCoordinator()
	a := &testAgent{co: co, channel: "ch1", account: "A", bot: "botA"}
	a.register("m1", "", "", nil)
	clk.Advance(DefaultCollectionWindow)

	rec := waitRecord(t, arch)
	if rec.Messages[0].Content != placeholderTrigger {
		t.Fatalf("trigger content = %q, want placeholder", rec.Messages[0].Content)
	}
}

func TestNotifyUnknownChannelIsNoOp(t *testing.T) {
	co, _, _ := newTestCoordinator()
	co.Notify(NotifyParams{ChannelID: "nowhere", AccountID: "A", ResponseText: "x"})
	if co.Active("nowhere") {
		t.Fatal("notify created channel state")
	}
}

func TestTurnFrom(t *testing.T) {
	turn := &Turn{Round: 3, Responses: []string{"[a]: hi"}}
	got, ok := TurnFrom(any(turn))
	if !ok || got.Round != 3 {
		t.Fatalf("TurnFrom = %+v, %v", got, ok)
	}
	if _, ok := TurnFrom("not a turn"); ok {
		t.Fatal("TurnFrom accepted a non-turn value")
	}
}
