package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error with a code and message
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DomainError carrying the same code, so that
// errors.Is(err, domain.ErrExceedsBalance) matches any ExceedsBalance error.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Error codes
const (
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeInternal             = "INTERNAL_ERROR"
	ErrCodeInvalidRate          = "INVALID_RATE"
	ErrCodeUnknownAffiliate     = "UNKNOWN_AFFILIATE"
	ErrCodeInsufficientBalance  = "INSUFFICIENT_BALANCE"
	ErrCodeExceedsBalance       = "EXCEEDS_BALANCE"
	ErrCodeAccountNotConnected  = "ACCOUNT_NOT_CONNECTED"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeProcessorUnavailable = "PROCESSOR_UNAVAILABLE"
	ErrCodeTransferFailed       = "TRANSFER_FAILED"
)

// Sentinels for errors.Is matching. Never return these directly when a more
// specific message is available; use the constructors below.
var (
	ErrNotFound             = &DomainError{Code: ErrCodeNotFound}
	ErrValidation           = &DomainError{Code: ErrCodeValidation}
	ErrConflict             = &DomainError{Code: ErrCodeConflict}
	ErrInvalidRate          = &DomainError{Code: ErrCodeInvalidRate}
	ErrUnknownAffiliate     = &DomainError{Code: ErrCodeUnknownAffiliate}
	ErrInsufficientBalance  = &DomainError{Code: ErrCodeInsufficientBalance}
	ErrExceedsBalance       = &DomainError{Code: ErrCodeExceedsBalance}
	ErrAccountNotConnected  = &DomainError{Code: ErrCodeAccountNotConnected}
	ErrInvalidTransition    = &DomainError{Code: ErrCodeInvalidTransition}
	ErrProcessorUnavailable = &DomainError{Code: ErrCodeProcessorUnavailable}
	ErrTransferFailed       = &DomainError{Code: ErrCodeTransferFailed}
)

// Error constructors

// NewNotFoundError creates a new not found error
func NewNotFoundError(resource string) error {
	return &DomainError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// NewValidationError creates a new validation error
func NewValidationError(msg string) error {
	return &DomainError{
		Code:    ErrCodeValidation,
		Message: msg,
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(msg string) error {
	return &DomainError{
		Code:    ErrCodeConflict,
		Message: msg,
	}
}

// NewInvalidRateError reports a commission/discount rate pair outside the allowed range
func NewInvalidRateError(msg string) error {
	return &DomainError{
		Code:    ErrCodeInvalidRate,
		Message: msg,
	}
}

// NewUnknownAffiliateError reports an affiliate code that is missing or inactive
func NewUnknownAffiliateError(code string) error {
	return &DomainError{
		Code:    ErrCodeUnknownAffiliate,
		Message: fmt.Sprintf("affiliate %q not found or inactive", code),
	}
}

// NewInsufficientBalanceError reports a ledger settle larger than the unpaid balance
func NewInsufficientBalanceError(amount, balance int64) error {
	return &DomainError{
		Code:    ErrCodeInsufficientBalance,
		Message: fmt.Sprintf("cannot settle %d, unpaid balance is %d", amount, balance),
	}
}

// NewExceedsBalanceError reports a payout request larger than the unpaid balance
func NewExceedsBalanceError(amount, balance int64) error {
	return &DomainError{
		Code:    ErrCodeExceedsBalance,
		Message: fmt.Sprintf("payout of %d exceeds unpaid balance of %d", amount, balance),
	}
}

// NewAccountNotConnectedError reports an operation that needs a managed payment account
func NewAccountNotConnectedError(affiliateID uint) error {
	return &DomainError{
		Code:    ErrCodeAccountNotConnected,
		Message: fmt.Sprintf("affiliate %d has no connected payment account", affiliateID),
	}
}

// NewInvalidTransitionError reports a rejected account status transition
func NewInvalidTransitionError(from, to string) error {
	return &DomainError{
		Code:    ErrCodeInvalidTransition,
		Message: fmt.Sprintf("account status cannot move from %s to %s", from, to),
	}
}

// NewProcessorUnavailableError wraps a transient payment processor failure
func NewProcessorUnavailableError(err error) error {
	return &DomainError{
		Code:    ErrCodeProcessorUnavailable,
		Message: "payment processor unavailable",
		Err:     err,
	}
}

// NewTransferFailedError wraps a terminal transfer failure
func NewTransferFailedError(err error) error {
	return &DomainError{
		Code:    ErrCodeTransferFailed,
		Message: "transfer failed",
		Err:     err,
	}
}

// GetErrorCode extracts the error code from a domain error
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err is a transient processor error. Only
// idempotent reads may act on it.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProcessorUnavailable)
}
