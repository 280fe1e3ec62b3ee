package protocol

// Fan-out lifecycle event names, for observers subscribed to coordinator
// activity.
const (
	EventFanoutRegistered = "fanout.registered"
	EventFanoutRound      = "fanout.round"
	EventFanoutResponse   = "fanout.response"
	EventFanoutSilence    = "fanout.silence"
	EventFanoutTerminated = "fanout.terminated"
)

// Termination reasons, recorded as a terminated conversation's archive
// reason.
const (
	TerminationNoResponses = "no_responses"
	TerminationRoundLimit  = "round_limit"
	TerminationCaughtUp    = "caught_up"
)
