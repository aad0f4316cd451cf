package errors

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrEmptyKey     = errors.New("empty key")
	ErrInvalidData  = errors.New("invalid data type")
	ErrEntityExists = errors.New("entity already exists")

	// ErrInvalidConfig is fatal: a session carrying an invalid
	// configuration is rejected before training starts.
	ErrInvalidConfig = errors.New("invalid training configuration")

	// ErrInsufficientParticipants is round-local: the round fails but the
	// session continues with the next round.
	ErrInsufficientParticipants = errors.New("insufficient participants")

	// ErrInvalidUpdate marks a malformed or mis-shaped model update. The
	// update is discarded and the participant is dropped for the round.
	ErrInvalidUpdate = errors.New("invalid model update")

	// ErrPrivacyBudgetExhausted is fatal to the session: a round that
	// requires noise must fail rather than proceed unnoised.
	ErrPrivacyBudgetExhausted = errors.New("privacy budget exhausted")

	// ErrModelTooLarge is a fatal configuration error.
	ErrModelTooLarge = errors.New("model exceeds size cap")

	// ErrCheckpoint is recorded and training continues without that
	// checkpoint.
	ErrCheckpoint = errors.New("checkpoint operation failed")

	// ErrByzantineDetected marks an update excluded by a resilient
	// aggregation strategy.
	ErrByzantineDetected = errors.New("byzantine update detected")

	ErrRoundClosed     = errors.New("round no longer accepts submissions")
	ErrDuplicateUpdate = errors.New("duplicate update for participant")
	ErrNotAdmitted     = errors.New("participant not admitted to round")
	ErrSessionState    = errors.New("operation not allowed in current session state")
	ErrNoUpdates       = errors.New("no updates to aggregate")
)
