// Package errs defines the structured error kinds the reconciler uses to
// decide retry vs. escalation (spec §7). Components never return a bare
// error for anything that crosses a phase boundary; they wrap it in a
// *ReconcileError so the kind survives up to the scheduler.
package errs

import "fmt"

// Kind classifies a failure for the reconciler's retry/backoff/escalation
// decision. It is a closed set, not a string, so a switch over Kind is
// exhaustive-checkable.
type Kind int

const (
	// ConfigInvalid is fatal at startup; the process exits non-zero.
	ConfigInvalid Kind = iota
	// TransientIO covers network/fetch/HTTP timeouts; cycle aborts, backs off, retries.
	TransientIO
	// RecipeFailed covers subprocess non-zero exit, missing file, or parse error.
	RecipeFailed
	// OrchestratorRejected covers 4xx responses from the orchestrator API.
	OrchestratorRejected
	// NotificationFailed covers a non-2xx webhook response; logged, does not affect the cycle.
	NotificationFailed
	// Cancelled covers a shutdown signal observed at a suspension point.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "ConfigInvalid"
	case TransientIO:
		return "TransientIO"
	case RecipeFailed:
		return "RecipeFailed"
	case OrchestratorRejected:
		return "OrchestratorRejected"
	case NotificationFailed:
		return "NotificationFailed"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// ReconcileError tags an underlying cause with a Kind. The reconciler is
// the sole decision point for what a Kind implies; nothing else inspects
// Kind to change its own behavior.
type ReconcileError struct {
	Kind  Kind
	Cause error
}

func New(kind Kind, cause error) *ReconcileError {
	return &ReconcileError{Kind: kind, Cause: cause}
}

func Wrap(kind Kind, format string, args ...any) *ReconcileError {
	return &ReconcileError{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

func (e *ReconcileError) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *ReconcileError) Unwrap() error { return e.Cause }

// KindOf extracts the Kind of err if it is (or wraps) a *ReconcileError.
// Errors that were never classified default to TransientIO, the safest
// choice since it causes a retry rather than silent data loss.
func KindOf(err error) Kind {
	var re *ReconcileError
	if ok := As(err, &re); ok {
		return re.Kind
	}
	return TransientIO
}

// As is a thin indirection over errors.As kept local so callers only need
// to import this package, not errors, for the common case.
func As(err error, target **ReconcileError) bool {
	for err != nil {
		if re, ok := err.(*ReconcileError); ok {
			*target = re
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
