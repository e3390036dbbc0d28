package exchange

// State is the phase an auction is in
type State int

const (
	StateReceived State = iota
	StateGated
	StateSourcing
	StateCollecting
	StateSelecting
	StateNotifying
	StateCompleted
	StateAborted
)

var stateNames = [...]string{
	StateReceived:   "received",
	StateGated:      "gated",
	StateSourcing:   "sourcing",
	StateCollecting: "collecting",
	StateSelecting:  "selecting",
	StateNotifying:  "notifying",
	StateCompleted:  "completed",
	StateAborted:    "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// transitions lists the legal successors of each state
var transitions = map[State][]State{
	StateReceived:   {StateGated, StateAborted},
	StateGated:      {StateSourcing, StateAborted},
	StateSourcing:   {StateCollecting},
	StateCollecting: {StateSelecting, StateAborted},
	StateSelecting:  {StateNotifying},
	StateNotifying:  {StateCompleted},
}

// CanTransition reports whether from -> to is a legal transition
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
