// Package atomicerr defines the coordinator's stable error taxonomy: every
// error kind carries a stable code and an explicit retryability flag, so
// callers across the settlement pipeline can make a uniform decision about
// whether to surface, retry, or resubmit.
package atomicerr

import "errors"

// Kind groups related error codes into the categories of the error taxonomy.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindCompliance     Kind = "compliance"
	KindLock           Kind = "lock"
	KindFX             Kind = "fx"
	KindCommit         Kind = "commit"
	KindInfrastructure Kind = "infrastructure"
	KindIdempotency    Kind = "idempotency"
)

// Stable codes, grouped by Kind, per the error taxonomy.
const (
	CodeInvalidMessage       = "invalid_message"
	CodeInvalidSignature     = "invalid_signature"
	CodeUnknownParticipant   = "unknown_participant"
	CodeCurrencyNotPermitted = "currency_not_permitted"
	CodeLimitExceeded        = "limit_exceeded"
	CodeBlockedCounterparty  = "blocked_counterparty"
	CodeMalformedAmount      = "malformed_amount"

	CodeComplianceRejected       = "compliance_rejected"
	CodeComplianceReviewRequired = "compliance_review_required"

	CodeInsufficientFunds  = "insufficient_funds"
	CodeAccountBlocked     = "account_blocked"
	CodeLockConflict       = "lock_conflict"
	CodeParticipantOffline = "participant_offline"
	CodeLockTimeout        = "lock_timeout"
	CodeAlreadyExtended    = "lock_already_extended"

	CodeRateSourcesInsufficient = "rate_sources_insufficient"
	CodeFxRateExpired           = "fx_rate_expired"
	CodeFxToleranceViolated     = "fx_tolerance_violated"

	CodeCommitLockInvalid    = "commit_lock_invalid"
	CodeCommitLedgerConflict = "commit_ledger_conflict"

	CodeCoordinatorBusy      = "coordinator_busy"
	CodeInternalError        = "internal_error"
	CodeLogReplicationFailed = "log_replication_failed"

	CodeDuplicateRequest = "duplicate_request"
)

// Error is a taxonomy-tagged error: a stable Kind/Code pair plus whether the
// caller may retry, wrapping an underlying cause where one exists.
type Error struct {
	Kind      Kind
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a taxonomy error with no wrapped cause.
func New(kind Kind, code string, retryable bool) *Error {
	return &Error{Kind: kind, Code: code, Retryable: retryable}
}

// Wrap builds a taxonomy error around an underlying cause.
func Wrap(kind Kind, code string, retryable bool, err error) *Error {
	return &Error{Kind: kind, Code: code, Retryable: retryable, Err: err}
}

// IsRetryable reports whether err (or any error it wraps) is marked retryable.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// CodeOf extracts the stable code from err, or "" if err is not a taxonomy error.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// Non-retryable validation errors, constructed once and reused — none of them
// wrap a per-call cause, so sentinel values are cheaper than constructing a
// fresh *Error on every validation failure.
var (
	ErrInvalidMessage       = New(KindValidation, CodeInvalidMessage, false)
	ErrInvalidSignature     = New(KindValidation, CodeInvalidSignature, false)
	ErrUnknownParticipant   = New(KindValidation, CodeUnknownParticipant, false)
	ErrCurrencyNotPermitted = New(KindValidation, CodeCurrencyNotPermitted, false)
	ErrLimitExceeded        = New(KindValidation, CodeLimitExceeded, false)
	ErrBlockedCounterparty  = New(KindValidation, CodeBlockedCounterparty, false)
	ErrMalformedAmount      = New(KindValidation, CodeMalformedAmount, false)

	ErrComplianceRejected       = New(KindCompliance, CodeComplianceRejected, false)
	ErrComplianceReviewRequired = New(KindCompliance, CodeComplianceReviewRequired, false)

	ErrAccountBlocked     = New(KindLock, CodeAccountBlocked, false)
	ErrLockConflict       = New(KindLock, CodeLockConflict, false)
	ErrParticipantOffline = New(KindLock, CodeParticipantOffline, false)
	ErrLockTimeout        = New(KindLock, CodeLockTimeout, false)
	ErrAlreadyExtended    = New(KindLock, CodeAlreadyExtended, false)

	ErrRateSourcesInsufficient = New(KindFX, CodeRateSourcesInsufficient, false)
	ErrFxRateExpired           = New(KindFX, CodeFxRateExpired, false)
	ErrFxToleranceViolated     = New(KindFX, CodeFxToleranceViolated, false)

	ErrCommitLockInvalid = New(KindCommit, CodeCommitLockInvalid, false)

	ErrCoordinatorBusy = New(KindInfrastructure, CodeCoordinatorBusy, true)
	ErrInternalError   = New(KindInfrastructure, CodeInternalError, true)

	ErrDuplicateRequest = New(KindIdempotency, CodeDuplicateRequest, false)
)

// InsufficientFunds builds a lock-phase error carrying the available balance
// observed at the decision point, since the taxonomy requires that detail on
// every insufficient_funds outcome.
func InsufficientFunds(availableBalance string) *Error {
	return &Error{
		Kind: KindLock,
		Code: CodeInsufficientFunds,
		Err:  errors.New("available balance " + availableBalance),
	}
}

// CommitLedgerConflict wraps an optimistic-concurrency conflict observed
// during commit_settlement; the commit path retries this internally once
// before giving up, per the taxonomy's retryable flag.
func CommitLedgerConflict(err error) *Error {
	return Wrap(KindCommit, CodeCommitLedgerConflict, true, err)
}

// LogReplicationFailed wraps a replicated-log write failure.
func LogReplicationFailed(err error) *Error {
	return Wrap(KindInfrastructure, CodeLogReplicationFailed, true, err)
}
