package dispatch

import "github.com/texhub/compile-api/internal/model"

// The escalation logic is a small finite state machine over attempts, kept
// free of I/O so it can be tested without a network. At most two extra
// attempts ever happen, and the second attempt's outcome is final.
type attemptState int

const (
	stateStart attemptState = iota
	stateRetriedFull
	stateRetriedFullForceNew
	stateDone
)

// transition describes what to do after an attempt resolved.
type transition struct {
	next             attemptState
	retry            bool
	syncType         model.SyncType
	forceNewAffinity bool
}

// nextAttempt is the pure transition function from (state, outcome status)
// to the follow-up action.
//
// A Conflict means the node rejected our claimed state hash: retry once
// with a clean full resync. Unavailable means the affined node is not a
// safe target: retry once with a full resync after clearing the stored
// assignment. Everything else, and anything after a retry, is final.
func nextAttempt(state attemptState, status model.CompileStatus) transition {
	if state != stateStart {
		return transition{next: stateDone}
	}
	switch status {
	case model.StatusConflict:
		return transition{
			next:     stateRetriedFull,
			retry:    true,
			syncType: model.SyncTypeFull,
		}
	case model.StatusUnavailable:
		return transition{
			next:             stateRetriedFullForceNew,
			retry:            true,
			syncType:         model.SyncTypeFull,
			forceNewAffinity: true,
		}
	default:
		return transition{next: stateDone}
	}
}
