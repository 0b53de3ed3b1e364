package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to callers of the engine.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindCapability         ErrorKind = "capability"
	KindFlowRuntime        ErrorKind = "flow_runtime"
	KindSchedulingConflict ErrorKind = "scheduling_conflict"
	KindInternal           ErrorKind = "internal"
)

// ValidationError reports a malformed flow graph or campaign definition.
type ValidationError struct {
	FlowID string
	NodeID string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("validation error in flow %q at node %q: %s", e.FlowID, e.NodeID, e.Reason)
	}
	return fmt.Sprintf("validation error in flow %q: %s", e.FlowID, e.Reason)
}

func (e *ValidationError) Kind() ErrorKind { return KindValidation }

// CapabilityError wraps a failure of an external capability after retries are exhausted.
type CapabilityError struct {
	Capability string
	NodeID     string
	Err        error
}

func (e *CapabilityError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s failed at node %q: %v", e.Capability, e.NodeID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Capability, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

func (e *CapabilityError) Kind() ErrorKind { return KindCapability }

// FlowRuntimeError reports a flow that cannot continue, such as an unmatched condition
// without a default edge or a turn that exceeded the step limit.
type FlowRuntimeError struct {
	SessionID string
	NodeID    string
	Reason    string
}

func (e *FlowRuntimeError) Error() string {
	return fmt.Sprintf("flow runtime error in session %q at node %q: %s", e.SessionID, e.NodeID, e.Reason)
}

func (e *FlowRuntimeError) Kind() ErrorKind { return KindFlowRuntime }

// SchedulingConflict rejects a campaign operation that is illegal in the campaign's current status.
type SchedulingConflict struct {
	CampaignID string
	Status     CampaignStatus
	Op         string
}

func (e *SchedulingConflict) Error() string {
	return fmt.Sprintf("cannot %s campaign %q while %s", e.Op, e.CampaignID, e.Status)
}

func (e *SchedulingConflict) Kind() ErrorKind { return KindSchedulingConflict }

// Diagnostic is the user-visible description of a failure.
type Diagnostic struct {
	Kind    ErrorKind `json:"kind"`
	NodeID  string    `json:"nodeId,omitempty"`
	Message string    `json:"message"`
}

// Diagnose extracts the kind and originating node of err.
func Diagnose(err error) Diagnostic {
	if err == nil {
		return Diagnostic{}
	}
	var (
		ve *ValidationError
		ce *CapabilityError
		fe *FlowRuntimeError
		sc *SchedulingConflict
	)
	switch {
	case errors.As(err, &ve):
		return Diagnostic{Kind: KindValidation, NodeID: ve.NodeID, Message: err.Error()}
	case errors.As(err, &fe):
		return Diagnostic{Kind: KindFlowRuntime, NodeID: fe.NodeID, Message: err.Error()}
	case errors.As(err, &ce):
		return Diagnostic{Kind: KindCapability, NodeID: ce.NodeID, Message: err.Error()}
	case errors.As(err, &sc):
		return Diagnostic{Kind: KindSchedulingConflict, Message: err.Error()}
	default:
		return Diagnostic{Kind: KindInternal, Message: err.Error()}
	}
}
