package orchestration

import (
	"errors"
	"fmt"
	"time"

	"github.com/itsneelabh/fedquery/core"
)

// =============================================================================
// Federation Error Types
// =============================================================================
//
// Only InvalidPlanError is ever returned to a caller, and only from plan
// construction. Every other error type is recorded on a failed ExecutionTask
// and surfaces in the fused answer as a node status plus an explain entry.
//
// Usage:
//
//	plan, err := builder.Build(candidates)
//	if IsInvalidPlan(err) {
//	    // reject the request, nothing was executed
//	}
//
//	for _, task := range report.Tasks {
//	    if errors.Is(task.Err, ErrNodeTimeout) { ... }
//	}
//
// =============================================================================

var (
	ErrInvalidPlan       = errors.New("invalid plan")
	ErrSkippedDependency = errors.New("skipped: dependency failed")
	ErrNodeTimeout       = errors.New("node timeout")
	ErrDeadlineExceeded  = errors.New("run deadline exceeded")
	ErrAdapterFailure    = errors.New("adapter failure")
)

// Error codes recorded on ExecutionTask.ErrorCode.
const (
	CodeInvalidPlan       = "INVALID_PLAN"
	CodeSkippedDependency = "SKIPPED_DEPENDENCY"
	CodeNodeTimeout       = "NODE_TIMEOUT"
	CodeDeadlineExceeded  = "DEADLINE_EXCEEDED"
	CodeAdapterError      = "ADAPTER_ERROR"
)

// InvalidPlanError rejects a plan at construction time.
type InvalidPlanError struct {
	NodeID string
	Reason string
	Err    error
}

func (e *InvalidPlanError) Error() string {
	msg := "invalid plan"
	if e.NodeID != "" {
		msg += fmt.Sprintf(": node %q", e.NodeID)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidPlanError) Is(target error) bool { return target == ErrInvalidPlan }
func (e *InvalidPlanError) Unwrap() error        { return e.Err }

// SkippedDependencyError marks a node that never ran because a dependency failed.
type SkippedDependencyError struct {
	NodeID     string
	Dependency string
}

func (e *SkippedDependencyError) Error() string {
	return fmt.Sprintf("node %s skipped: dependency %s failed", e.NodeID, e.Dependency)
}

func (e *SkippedDependencyError) Is(target error) bool { return target == ErrSkippedDependency }

// TimeoutError is a single node exceeding its per-node timeout.
type TimeoutError struct {
	NodeID  string
	Source  string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("node %s timed out", e.NodeID)
	if e.Timeout > 0 {
		msg += fmt.Sprintf(" after %s", e.Timeout)
	}
	if e.Source != "" {
		msg += fmt.Sprintf(" waiting on %s", e.Source)
	}
	return msg
}

func (e *TimeoutError) Is(target error) bool { return target == ErrNodeTimeout }
func (e *TimeoutError) Unwrap() error        { return e.Err }

// DeadlineExceededError marks a node that was still pending or running when
// the run deadline expired or the caller cancelled the run.
type DeadlineExceededError struct {
	NodeID   string
	Deadline time.Duration
	Err      error
}

func (e *DeadlineExceededError) Error() string {
	if errors.Is(e.Err, errCallerCanceled) {
		return fmt.Sprintf("node %s abandoned: run canceled", e.NodeID)
	}
	if e.Deadline > 0 {
		return fmt.Sprintf("node %s abandoned: run deadline of %s exceeded", e.NodeID, e.Deadline)
	}
	return fmt.Sprintf("node %s abandoned: run deadline exceeded", e.NodeID)
}

func (e *DeadlineExceededError) Is(target error) bool { return target == ErrDeadlineExceeded }
func (e *DeadlineExceededError) Unwrap() error        { return e.Err }

// AdapterError is any other failure reported by (or while reaching) an adapter.
type AdapterError struct {
	NodeID     string
	Capability Capability
	Source     string
	Err        error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter error from %s (node %s): %v", e.Source, e.NodeID, e.Err)
}

func (e *AdapterError) Is(target error) bool { return target == ErrAdapterFailure }
func (e *AdapterError) Unwrap() error        { return e.Err }

// errCallerCanceled distinguishes caller cancellation from deadline expiry.
var errCallerCanceled = fmt.Errorf("run canceled by caller: %w", core.ErrContextCanceled)

// ErrorCode maps an error onto its stable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidPlan):
		return CodeInvalidPlan
	case errors.Is(err, ErrSkippedDependency):
		return CodeSkippedDependency
	case errors.Is(err, ErrNodeTimeout):
		return CodeNodeTimeout
	case errors.Is(err, ErrDeadlineExceeded):
		return CodeDeadlineExceeded
	default:
		return CodeAdapterError
	}
}

// IsInvalidPlan reports whether err rejected a plan.
func IsInvalidPlan(err error) bool {
	return errors.Is(err, ErrInvalidPlan)
}
