package model

import "errors"

// Semantic error kinds. The API layer maps these to status codes; every
// other layer wraps them with context via fmt.Errorf("...: %w", err).
var (
	// ErrNotFound means a lookup does not identify an extant row for the
	// caller. Reads filtered by a non-owning bidder also report this, so
	// that existence is not leaked.
	ErrNotFound = errors.New("not found")

	// ErrIDExists means a create used an id that is already present.
	ErrIDExists = errors.New("id already exists")

	// ErrUnknownReference means a create or update names a missing
	// demand or product.
	ErrUnknownReference = errors.New("unknown reference")

	// ErrInvalidCurve means a demand curve failed its validity predicates.
	ErrInvalidCurve = errors.New("invalid curve")

	// ErrNotAuthorized means a capability is missing or the caller is
	// not the owner of the resource.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInfeasible means the assembled programme has no feasible point.
	ErrInfeasible = errors.New("infeasible")

	// ErrNumericalFailure means the solver did not converge within its
	// iteration or time budget.
	ErrNumericalFailure = errors.New("numerical failure")

	// ErrStorageFailure wraps backing-store I/O errors.
	ErrStorageFailure = errors.New("storage failure")

	// ErrCancelled means the caller aborted the operation.
	ErrCancelled = errors.New("cancelled")
)
