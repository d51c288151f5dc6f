package database

import "errors"

var (
	// ErrNotFound indicates a missing case or officer. Always surfaced to the
	// caller, never silently defaulted.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a lost compare-and-swap race: the stored status no
	// longer matches the status the caller read. The scheduler skips and
	// rescans; interactive callers retry with fresh state.
	ErrConflict = errors.New("case was modified concurrently")

	// ErrInvalidTransition indicates a status change that violates the case
	// lifecycle. Never auto-corrected.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrPolicyNotFound indicates a missing SLA policy row. The table must be
	// total over the type/priority cross-product, so this is a configuration
	// bug and fatal at case-creation time.
	ErrPolicyNotFound = errors.New("sla policy not found")

	// ErrInvalidArgument indicates a malformed request from the caller
	ErrInvalidArgument = errors.New("invalid argument")
)
