package workorder

// Work order statuses.
const (
	StatusDraft      = "draft"
	StatusBlocked    = "blocked"
	StatusReady      = "ready"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// transitions lists the statuses reachable in one lifecycle action.
// Self-transitions are re-runs of allocate (blocked, ready) or partial
// completions (in_progress).
var transitions = map[string][]string{
	StatusDraft:      {StatusBlocked, StatusReady, StatusCancelled},
	StatusBlocked:    {StatusBlocked, StatusReady, StatusCancelled},
	StatusReady:      {StatusReady, StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusInProgress, StatusCompleted},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

// CanTransition reports whether a work order may move from one status to
// another.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next returns the statuses reachable from a status.
func Next(from string) []string {
	return append([]string(nil), transitions[from]...)
}

// IsTerminal reports whether no transition leaves the status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

func allocatable(status string) bool {
	return status == StatusDraft || status == StatusBlocked || status == StatusReady
}
