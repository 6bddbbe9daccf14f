package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors, usable as errors.Is targets. The typed constructors below
// chain them in as the cause of the AppError they build.
var (
	// Accounting errors
	ErrEmptyLedger        = errors.New("privacy ledger is empty")
	ErrUnclearedGradient  = errors.New("uncleared gradient: parameter still holds noised data from a prior step")
	ErrGradSampleMismatch = errors.New("per-example gradient batch dimensions do not match across parameters")

	// Calibration errors
	ErrTargetUnreachable = errors.New("target epsilon unreachable within search bounds")
	ErrTargetTrivial     = errors.New("target epsilon already satisfied at lower search bound")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing configuration")
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeAccounting    ErrorType = "accounting"
	ErrorTypeCalibration   ErrorType = "calibration"
	ErrorTypePrivacy       ErrorType = "privacy"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeInternal      ErrorType = "internal"
)

// AppError represents an application-specific error with additional context
type AppError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details string                 `json:"details,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// NewAppError creates a new application error
func NewAppError(errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:    errType,
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with application context
func WrapError(err error, errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:    errType,
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// NewInvalidParameterError creates a validation error for an out-of-range parameter
func NewInvalidParameterError(parameter string, value interface{}, message string) *AppError {
	return NewAppError(ErrorTypeValidation, CodeInvalidParameter, message).
		WithContext("parameter", parameter).
		WithContext("value", value)
}

// NewEmptyLedgerError creates an accounting error for epsilon queries on an empty ledger
func NewEmptyLedgerError() *AppError {
	return WrapError(ErrEmptyLedger, ErrorTypeAccounting, CodeEmptyLedger,
		"cannot compute epsilon: no steps have been recorded")
}

// NewUnclearedGradientError creates a privacy error for stale noised gradients
func NewUnclearedGradientError(parameter string) *AppError {
	return WrapError(ErrUnclearedGradient, ErrorTypePrivacy, CodeUnclearedGradient,
		"gradient buffer still holds noised data from a prior step; call ZeroGrad before the next accumulation").
		WithContext("parameter", parameter)
}

// NewGradSampleMismatchError creates a validation error for inconsistent
// per-example gradient batch dimensions
func NewGradSampleMismatchError() *AppError {
	return WrapError(ErrGradSampleMismatch, ErrorTypeValidation, CodeBatchMismatch,
		"per-example gradient batch dimensions do not match across parameters")
}

// NewCalibrationError creates a calibration error
func NewCalibrationError(code, message string) *AppError {
	e := NewAppError(ErrorTypeCalibration, code, message)
	switch code {
	case CodeTargetUnreachable:
		e.Cause = ErrTargetUnreachable
	case CodeTargetTrivial:
		e.Cause = ErrTargetTrivial
	}
	return e
}

// NewValidationError creates a validation error
func NewValidationError(code, message string) *AppError {
	return NewAppError(ErrorTypeValidation, code, message)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(code, message string) *AppError {
	e := NewAppError(ErrorTypeConfiguration, code, message)
	if code == CodeMissingConfiguration {
		e.Cause = ErrMissingConfiguration
	} else {
		e.Cause = ErrInvalidConfiguration
	}
	return e
}

// NewInternalError creates an internal error
func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, CodeInternalError, message)
}

// Error codes for different error scenarios
const (
	// Validation error codes
	CodeInvalidParameter = "INVALID_PARAMETER"
	CodeOutOfRange       = "OUT_OF_RANGE"
	CodeMissingField     = "MISSING_FIELD"
	CodeBatchMismatch    = "BATCH_MISMATCH"

	// Accounting error codes
	CodeEmptyLedger      = "EMPTY_LEDGER"
	CodeLedgerLoadFailed = "LEDGER_LOAD_FAILED"

	// Privacy error codes
	CodeUnclearedGradient = "UNCLEARED_GRADIENT"
	CodePrivacyViolation  = "PRIVACY_VIOLATION"

	// Calibration error codes
	CodeCalibrationFailed  = "CALIBRATION_FAILED"
	CodeTargetUnreachable  = "TARGET_UNREACHABLE"
	CodeTargetTrivial      = "TARGET_TRIVIALLY_MET"
	CodeSearchNotConverged = "SEARCH_NOT_CONVERGED"

	// Configuration error codes
	CodeInvalidConfiguration = "INVALID_CONFIGURATION"
	CodeMissingConfiguration = "MISSING_CONFIGURATION"

	// Internal error codes
	CodeInternalError = "INTERNAL_ERROR"
)
