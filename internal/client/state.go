package client

// ConnState models one peer media session's lifecycle. The table is
// first-class data so transitions are observable and testable independent of
// the underlying transport library.
type ConnState int

const (
	StateNew ConnState = iota
	StateGathering
	StateOfferSent
	StateAnswerReceived
	StateAnswerSent
	StateConnecting
	StateConnected
	StateDegraded
	StateFailed
	StateClosed
)

var stateNames = map[ConnState]string{
	StateNew:            "new",
	StateGathering:      "gathering",
	StateOfferSent:      "offer-sent",
	StateAnswerReceived: "answer-received",
	StateAnswerSent:     "answer-sent",
	StateConnecting:     "connecting",
	StateConnected:      "connected",
	StateDegraded:       "degraded",
	StateFailed:         "failed",
	StateClosed:         "closed",
}

func (s ConnState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// transitions lists the legal next states. Closed is reachable from
// everywhere (explicit leave / remote left) and is terminal.
var transitions = map[ConnState][]ConnState{
	StateNew:            {StateGathering, StateAnswerSent, StateFailed},
	StateGathering:      {StateOfferSent, StateAnswerSent, StateFailed},
	StateOfferSent:      {StateAnswerReceived, StateAnswerSent, StateFailed},
	StateAnswerReceived: {StateConnecting, StateFailed},
	StateAnswerSent:     {StateConnecting, StateFailed},
	StateConnecting:     {StateConnected, StateFailed},
	StateConnected:      {StateDegraded, StateFailed},
	StateDegraded:       {StateConnected, StateFailed},
	StateFailed:         {StateNew},
	StateClosed:         {},
}

func canTransition(from, to ConnState) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// negotiating reports whether the state is mid-handshake, i.e. a signaling
// loss at this point fails the connection (connected media keeps flowing
// peer-to-peer without signaling).
func (s ConnState) negotiating() bool {
	switch s {
	case StateGathering, StateOfferSent, StateAnswerReceived, StateAnswerSent, StateConnecting:
		return true
	}
	return false
}
