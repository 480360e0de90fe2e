package orchestrator

import (
	"github.com/atlas-desktop/arena-backend/pkg/types"
)

// transitions lists the legal round status moves. Nothing returns to
// PENDING and the terminal states have no exits.
var transitions = map[types.RoundStatus][]types.RoundStatus{
	types.RoundStatusPending: {types.RoundStatusRunning},
	types.RoundStatusRunning: {types.RoundStatusCompleted, types.RoundStatusFailed},
}

// CanTransition reports whether a round may move from one status to another.
func CanTransition(from, to types.RoundStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanDelete reports whether a round in status s may be deleted.
func CanDelete(s types.RoundStatus) bool {
	return s != types.RoundStatusRunning
}
