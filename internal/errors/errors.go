// Package errors defines the Airlock error taxonomy.
//
// Every failure the orchestrator reports carries a Kind:
//
//	PlanningError             planner failed, no plan was created
//	PolicyDenied              step blocked by the airlock policy
//	RateLimited               step blocked by a workspace rate limit
//	ApprovalDenied            a human denied the step
//	ApprovalExpired           nobody answered before the request expired
//	ActionError               the underlying tool invocation failed
//	TransactionRollbackFailed the ledger could not fully undo a transaction
//	Cancelled                 the task was cancelled
//
// Per-step kinds are recorded into ExecutionResult.Errors and never crash a
// runtime. TransactionRollbackFailed is always fatal.
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrPolicyDenied) { ... }
//	if errors.KindOf(err) == errors.KindRollbackFailed { ... }
package errors

import (
	"errors"
	"fmt"
)

// Re-exported so callers can import only this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindPlanning
	KindPolicyDenied
	KindRateLimited
	KindApprovalDenied
	KindApprovalExpired
	KindAction
	KindRollbackFailed
	KindCancelled
)

// Reason returns the short, stable reason string recorded on failed steps.
func (k Kind) Reason() string {
	switch k {
	case KindPlanning:
		return "planning failed"
	case KindPolicyDenied:
		return "policy denied"
	case KindRateLimited:
		return "rate limit exceeded"
	case KindApprovalDenied:
		return "approval denied"
	case KindApprovalExpired:
		return "approval expired"
	case KindAction:
		return "action failed"
	case KindRollbackFailed:
		return "transaction rollback failed"
	case KindCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

func (k Kind) String() string {
	switch k {
	case KindPlanning:
		return "PlanningError"
	case KindPolicyDenied:
		return "PolicyDenied"
	case KindRateLimited:
		return "RateLimited"
	case KindApprovalDenied:
		return "ApprovalDenied"
	case KindApprovalExpired:
		return "ApprovalExpired"
	case KindAction:
		return "ActionError"
	case KindRollbackFailed:
		return "TransactionRollbackFailed"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Sentinels, one per kind. An *Error matches the sentinel of its kind.
var (
	ErrPlanning        = New("planning failed")
	ErrPolicyDenied    = New("policy denied")
	ErrRateLimited     = New("rate limit exceeded")
	ErrApprovalDenied  = New("approval denied")
	ErrApprovalExpired = New("approval expired")
	ErrAction          = New("action failed")
	ErrRollbackFailed  = New("transaction rollback failed")
	ErrCancelled       = New("cancelled")
)

var sentinels = map[Kind]error{
	KindPlanning:        ErrPlanning,
	KindPolicyDenied:    ErrPolicyDenied,
	KindRateLimited:     ErrRateLimited,
	KindApprovalDenied:  ErrApprovalDenied,
	KindApprovalExpired: ErrApprovalExpired,
	KindAction:          ErrAction,
	KindRollbackFailed:  ErrRollbackFailed,
	KindCancelled:       ErrCancelled,
}

// Error is a classified failure. Op names the operation, Detail adds human
// context and Err is the cause, if any.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.Reason()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// E builds a classified error.
func E(kind Kind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

// Planning wraps a planner failure.
func Planning(err error) *Error {
	return E(KindPlanning, "plan", "", err)
}

// PolicyDenied reports a step blocked by policy.
func PolicyDenied(tool, detail string) *Error {
	return E(KindPolicyDenied, tool, detail, nil)
}

// Action wraps a failed tool invocation.
func Action(tool string, err error) *Error {
	return E(KindAction, tool, "", err)
}

// RollbackFailed wraps a partial rollback.
func RollbackFailed(txID string, err error) *Error {
	return E(KindRollbackFailed, "rollback", fmt.Sprintf("transaction %s", txID), err)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	for k, s := range sentinels {
		if Is(err, s) {
			return k
		}
	}
	return KindUnknown
}
