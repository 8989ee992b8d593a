package governance

import (
	"github.com/cockroachdb/errors"
)

// Base errors, mapped to API status codes by the transport layer.
var (
	// ErrBadParameter is rendered with the http status code 400
	ErrBadParameter = errors.New("bad parameter")

	// ErrForbidden is rendered with the http status code 403
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is rendered with the http status code 404
	ErrNotFound = errors.New("not found")

	// ErrConflict is rendered with the http status code 409
	ErrConflict = errors.New("conflict")
)

// Governance errors. Each wraps one of the base errors above so the
// transport can map it without knowing the specific failure.
var (
	// ErrDuplicateName: a ruleset with the same name already exists
	// (names are unique case-insensitively).
	ErrDuplicateName = errors.Wrap(ErrConflict, "ruleset name already in use")

	// ErrInvalidTransition: the requested status edge is not in the
	// lifecycle transition table.
	ErrInvalidTransition = errors.Wrap(ErrBadParameter, "status transition not allowed")

	// ErrSelfApproval: the approving actor is the one who submitted the
	// rule for approval.
	ErrSelfApproval = errors.Wrap(ErrForbidden, "maker cannot approve their own rule")

	// ErrImmutableState: rule content may only change in DRAFT or REJECTED.
	ErrImmutableState = errors.Wrap(ErrBadParameter, "rule content is frozen in its current status")

	// ErrConcurrentModification: the caller's expected version no longer
	// matches the stored version. Retryable after a fresh read.
	ErrConcurrentModification = errors.Wrap(ErrConflict, "entity was modified concurrently")

	// ErrNotDeployable: the ruleset is inactive or owns rules outside
	// ACTIVE/INACTIVE.
	ErrNotDeployable = errors.Wrap(ErrBadParameter, "ruleset is not deployable")
)
