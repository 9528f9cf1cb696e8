package contracts

import "errors"

// Sentinel errors for the pipeline. Callers classify failures with
// errors.Is; wrapped detail travels alongside via %w.
var (
	// ErrInputRejected means sanitization found a blocking pattern and no
	// cleaned command was produced.
	ErrInputRejected = errors.New("input rejected by sanitizer")

	// ErrClassificationFailure means the classifier could not produce a
	// result; callers must treat the command as DANGEROUS.
	ErrClassificationFailure = errors.New("classification failed")

	// ErrAuthorizationDenied means the requesting or approving principal
	// lacks the permission the operation requires.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrExecutionTransient marks cluster-unreachable style failures that
	// are eligible for retry.
	ErrExecutionTransient = errors.New("transient execution failure")

	// ErrIntegrityViolation means the audit chain failed verification.
	ErrIntegrityViolation = errors.New("audit chain integrity violation")

	// ErrConcurrencyConflict means another actor holds the plan's execution
	// lock or advanced its state first.
	ErrConcurrencyConflict = errors.New("concurrent plan modification")
)
