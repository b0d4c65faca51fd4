package contract

// transitions enumerates the legal status edges of the contract lifecycle.
// Activation out of pending additionally requires both signatures, which
// the service checks before consulting this table.
var transitions = map[Status][]Status{
	StatusDraft:             {StatusPending},
	StatusPending:           {StatusActive, StatusCancelled},
	StatusActive:            {StatusPendingCompletion, StatusCompleted, StatusCancelled},
	StatusPendingCompletion: {StatusCompleted},
	StatusCompleted:         {},
	StatusCancelled:         {},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leads out of the status.
func Terminal(s Status) bool {
	return len(transitions[s]) == 0
}
