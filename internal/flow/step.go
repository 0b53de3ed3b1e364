// Package flow runs conversation flows: node executors produce step results and the
// interpreter drives sessions through them, suspending on replies and timers.
package flow

import (
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// StepKind tags a StepResult.
type StepKind int

const (
	StepAdvance StepKind = iota + 1
	StepSuspendReply
	StepSuspendTimer
	StepTerminate
)

func (k StepKind) String() string {
	switch k {
	case StepAdvance:
		return "advance"
	case StepSuspendReply:
		return "suspend_reply"
	case StepSuspendTimer:
		return "suspend_timer"
	case StepTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// StepResult is the outcome of executing one node.
type StepResult struct {
	Kind     StepKind
	Next     string            // Advance: node to continue with
	Bindings map[string]string // variables to merge into the session
	WakeAt   time.Time         // SuspendTimer
	// RetryCount is the session's menu retry counter after a SuspendReply.
	RetryCount int
	Outcome    models.SessionStatus // Terminate: completed or aborted
	Err        error                // Terminate: cause of an abort
	Actions    []models.Payload     // payloads to dispatch before the transition applies
}

// Advance continues with next in the same turn.
func Advance(next string, bindings map[string]string) StepResult {
	return StepResult{Kind: StepAdvance, Next: next, Bindings: bindings}
}

// SuspendReply waits for the contact's next message.
func SuspendReply(retryCount int) StepResult {
	return StepResult{Kind: StepSuspendReply, RetryCount: retryCount}
}

// SuspendTimer waits until at.
func SuspendTimer(at time.Time) StepResult {
	return StepResult{Kind: StepSuspendTimer, WakeAt: at}
}

// Terminate ends the session.
func Terminate(outcome models.SessionStatus, err error) StepResult {
	return StepResult{Kind: StepTerminate, Outcome: outcome, Err: err}
}

// Complete ends the session successfully.
func Complete() StepResult {
	return Terminate(models.SessionCompleted, nil)
}

func (r StepResult) with(actions ...models.Payload) StepResult {
	r.Actions = append(r.Actions, actions...)
	return r
}
