// Package errtype defines the single closed enumeration of error kinds used
// across the validator client core (spec.md §7, §9 Open Question: "the
// source has two nearly identical enumerations of error kinds [...] an
// implementer should define the enumeration once").
package errtype

// Kind classifies an error for metrics and for the propagation policy in
// spec.md §7.
type Kind string

const (
	// KindTransientNetwork covers HTTP timeouts, 5xx, connection resets.
	KindTransientNetwork Kind = "transient_network"
	// KindProtocolMismatch covers unknown SSE events, unknown fork
	// versions, and spec mismatches between beacon nodes.
	KindProtocolMismatch Kind = "protocol_mismatch"
	// KindExecutionOptimistic covers execution_optimistic=true responses,
	// treated as a transient per-node error.
	KindExecutionOptimistic Kind = "execution_optimistic"
	// KindSignerError covers non-OK HTTP from a remote signer or an
	// unknown pubkey.
	KindSignerError Kind = "signer_error"
	// KindSlashingDetected marks the non-recoverable slashing latch.
	KindSlashingDetected Kind = "slashing_detected"
	// KindConsensusFailure covers a fan-out that failed to reach its
	// required threshold within budget.
	KindConsensusFailure Kind = "consensus_failure"
	// KindProgrammerError covers invariant violations that must surface
	// immediately rather than being silently tolerated: invalid slot for
	// a duty, double-execution attempts, and similar local bugs.
	KindProgrammerError Kind = "programmer_error"
)

// Error wraps an underlying cause with a Kind for classification at every
// layer boundary without needing a second, module-local enum.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + string(e.Kind)
	}
	return e.Op + ": " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if te, ok := err.(*Error); ok {
			e = te
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
