package session

// legalTransitions enumerates the edges of the session state machine.
// Terminal states have no outgoing edges.
var legalTransitions = map[Status]map[Status]bool{
	StatusPending:  {StatusWaking: true, StatusFailed: true},
	StatusWaking:   {StatusActive: true, StatusPending: true, StatusFailed: true},
	StatusActive:   {StatusComplete: true, StatusFailed: true, StatusSleeping: true},
	StatusSleeping: {StatusPending: true, StatusFailed: true},
	StatusComplete: {},
	StatusFailed:   {StatusPending: true}, // recover, only when Recoverable; re-enters the normal wake path
}

// CanTransition reports whether moving from `from` to `to` is a legal
// edge in the state machine. Callers enforcing additional guards (e.g.
// recover requiring Recoverable) must check those separately.
func CanTransition(from, to Status) bool {
	edges, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}
