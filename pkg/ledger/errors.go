package ledger

import "errors"

var (
	// ErrInsufficientEvidence means the quality gate was not met. Expected
	// and frequent; callers surface the gate and threshold, not a bare
	// failure.
	ErrInsufficientEvidence = errors.New("insufficient evidence: quality gate not met")

	// ErrQuarantineViolation means a quarantined or decommissioned actor
	// attempted a privileged action. Always rejected, always audited.
	ErrQuarantineViolation = errors.New("quarantine violation: actor not in active service")

	// ErrConcurrentModification is an optimistic version conflict that
	// survived the bounded retry budget.
	ErrConcurrentModification = errors.New("concurrent modification of trust profile")

	// ErrInvalidTransition means the requested lifecycle change is not legal
	// from the actor's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnknownActor means no profile is registered under the actor id.
	ErrUnknownActor = errors.New("unknown actor")

	// ErrActorExists means registration was attempted over an existing profile.
	ErrActorExists = errors.New("actor already registered")
)
