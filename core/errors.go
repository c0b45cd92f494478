/*
errors.go - Error taxonomy for the cash-wire core

PURPOSE:
  Every error that crosses the core boundary carries a stable machine
  code plus a human message. The codes are the contract; messages may
  change. Errors are never silently swallowed inside the core - the
  ledger's retry wrapper is the only place transient errors are recovered
  locally.

USAGE:
  Construct:   core.E(core.CodeInsufficientFunds, "balance %s too low", b)
  Wrap:        core.Wrap(core.CodeStoreTimeout, err, "lock wait")
  Inspect:     core.CodeOf(err), core.IsCode(err, core.CodeAlreadyResponded)

SEE ALSO:
  - ledger/retry.go: retry policy driven by IsRetryable
  - api/handlers.go: code -> HTTP status mapping
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// CODES - Stable machine-readable identifiers
// =============================================================================

const (
	CodeAccountNotFound          = "ACCOUNT_NOT_FOUND"
	CodeUserInactive             = "USER_INACTIVE"
	CodeSelfTransfer             = "SELF_TRANSFER"
	CodeInvalidAmount            = "INVALID_AMOUNT"
	CodeInsufficientFunds        = "INSUFFICIENT_FUNDS"
	CodeBalanceLimitExceeded     = "BALANCE_LIMIT_EXCEEDED"
	CodeTooManyRecipients        = "TOO_MANY_RECIPIENTS"
	CodeAlreadyResponded         = "ALREADY_RESPONDED"
	CodeRequestExpired           = "REQUEST_EXPIRED"
	CodeDuplicateRequest         = "DUPLICATE_REQUEST"
	CodeNotAuthorized            = "NOT_AUTHORIZED"
	CodeEventInactive            = "EVENT_INACTIVE"
	CodeDeadlinePassed           = "DEADLINE_PASSED"
	CodeCancelWithContributions  = "CANCEL_WITH_CONTRIBUTIONS"
	CodeStoreTimeout             = "STORE_TIMEOUT"
	CodeValidation               = "VALIDATION_ERROR"
	CodeTransactionFailed        = "TRANSACTION_FAILED"
)

// Advisory warning emitted by limit validation, not an error code.
const WarnApproachingOverdraft = "APPROACHING_OVERDRAFT"

// =============================================================================
// STRUCTURED ERROR
// =============================================================================

// Error is the structured error crossing the core boundary.
type Error struct {
	Code    string
	Message string
	Err     error // original cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a new coded error.
func E(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// =============================================================================
// INSPECTION HELPERS
// =============================================================================

// CodeOf extracts the stable code from err, or "" if err carries none.
func CodeOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether the operation might succeed if retried.
// Only transient store errors qualify.
func IsRetryable(err error) bool {
	return IsCode(err, CodeStoreTimeout)
}

// IsLimitViolation reports whether err is a balance-bound failure. These
// are recoverable by the caller (top up, smaller amount) and, for
// transfers, leave a FAILED transaction behind.
func IsLimitViolation(err error) bool {
	c := CodeOf(err)
	return c == CodeInsufficientFunds || c == CodeBalanceLimitExceeded
}

// IsClientError reports whether the error is the caller's fault rather
// than the system's.
func IsClientError(err error) bool {
	switch CodeOf(err) {
	case CodeStoreTimeout, CodeTransactionFailed, "":
		return false
	}
	return true
}
