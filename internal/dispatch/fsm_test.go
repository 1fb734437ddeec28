package dispatch

import (
	"testing"

	"github.com/texhub/compile-api/internal/model"
)

func TestNextAttemptFromStart(t *testing.T) {
	tests := []struct {
		status   model.CompileStatus
		retry    bool
		forceNew bool
		next     attemptState
	}{
		{model.StatusConflict, true, false, stateRetriedFull},
		{model.StatusUnavailable, true, true, stateRetriedFullForceNew},
		{model.StatusSuccess, false, false, stateDone},
		{model.StatusFailure, false, false, stateDone},
		{model.StatusProjectTooLarge, false, false, stateDone},
		{model.StatusCompileInProgress, false, false, stateDone},
		{model.StatusValidationProblems, false, false, stateDone},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			tr := nextAttempt(stateStart, tt.status)
			if tr.retry != tt.retry {
				t.Errorf("retry = %v, want %v", tr.retry, tt.retry)
			}
			if tr.forceNewAffinity != tt.forceNew {
				t.Errorf("forceNewAffinity = %v, want %v", tr.forceNewAffinity, tt.forceNew)
			}
			if tr.next != tt.next {
				t.Errorf("next = %v, want %v", tr.next, tt.next)
			}
			if tt.retry && tr.syncType != model.SyncTypeFull {
				t.Errorf("retry syncType = %q, want full", tr.syncType)
			}
		})
	}
}

func TestNextAttemptRetriesAreFinal(t *testing.T) {
	// A second Conflict or Unavailable after a retry must not trigger
	// another attempt.
	for _, state := range []attemptState{stateRetriedFull, stateRetriedFullForceNew} {
		for _, status := range []model.CompileStatus{model.StatusConflict, model.StatusUnavailable, model.StatusSuccess} {
			tr := nextAttempt(state, status)
			if tr.retry {
				t.Errorf("state %v status %s: retried past the escalation budget", state, status)
			}
			if tr.next != stateDone {
				t.Errorf("state %v status %s: next = %v, want done", state, status, tr.next)
			}
		}
	}
}
