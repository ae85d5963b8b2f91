// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package errors

// Exit codes for the cie-ingest batch runner, a narrower
// table than the general CLI's ExitConfig..ExitInternal set above. The
// two binaries are never invoked together, so the overlap between
// ExitIngestPartial and ExitDatabase is intentional, not a bug.
const (
	// ExitIngestSuccess mirrors ExitSuccess.
	ExitIngestSuccess = 0

	// ExitIngestFatalConfig mirrors ExitConfig: invalid configuration,
	// unreachable graph store, constraints that cannot be created.
	ExitIngestFatalConfig = 1

	// ExitIngestPartial means the batch completed but left one or more
	// files in an error state.
	ExitIngestPartial = 2

	// ExitIngestInterrupted means the run was cancelled before completion.
	ExitIngestInterrupted = 3
)

// NewParseError reports that a parser could not read or tokenize a file.
// The affected file transitions to error(parse) and is retained for retry
// until its retry_count reaches the configured maximum.
func NewParseError(msg, cause, fix string, err error) *UserError {
	return &UserError{Message: msg, Cause: cause, Fix: fix, ExitCode: ExitIngestPartial, Err: err}
}

// NewRelationsError reports that reference extraction or alias resolution
// failed for a file. The file transitions to error(relations).
func NewRelationsError(msg, cause, fix string, err error) *UserError {
	return &UserError{Message: msg, Cause: cause, Fix: fix, ExitCode: ExitIngestPartial, Err: err}
}

// NewEmbedError reports that an embedding provider call failed after
// exhausting its retries. The file transitions to error(embed); vectors
// written before the failure are left untouched.
func NewEmbedError(msg, cause, fix string, err error) *UserError {
	return &UserError{Message: msg, Cause: cause, Fix: fix, ExitCode: ExitIngestPartial, Err: err}
}

// NewInvalidTransitionError reports a state transition request not present
// in the state-transition table. It is raised to the caller and never
// stored in the state store.
func NewInvalidTransitionError(msg, cause, fix string) *UserError {
	return &UserError{Message: msg, Cause: cause, Fix: fix, ExitCode: ExitInternal}
}

// NewLockTimeoutError reports that acquiring the mutual-exclusion lock
// exceeded its deadline. The batch is skipped; the change queue retains
// its events for the next interval.
func NewLockTimeoutError(msg, cause, fix string, err error) *UserError {
	return &UserError{Message: msg, Cause: cause, Fix: fix, ExitCode: ExitIngestPartial, Err: err}
}

// NewIntegrityError reports a UUID collision, a missing required
// property, or a schema_version mismatch that survived metadata capture.
// Fatal for the affected file; callers should log the full coordinate
// tuple alongside this error.
func NewIntegrityError(msg, cause, fix string, err error) *UserError {
	return &UserError{Message: msg, Cause: cause, Fix: fix, ExitCode: ExitIngestFatalConfig, Err: err}
}
