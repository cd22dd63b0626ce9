package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrLegExecution      = errors.New("leg execution failed")
	ErrCompensation      = errors.New("compensation failed")
	ErrUnsupportedMethod = errors.New("unsupported payment method")
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPaymentInProgress = errors.New("payment already in progress")
)

type ValidationError struct {
	Rule   string
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }
func (e *ValidationError) Unwrap() error { return ErrValidation }

type LegFailure struct {
	Method Method
	Reason string
}

func (e *LegFailure) Error() string { return fmt.Sprintf("%s leg failed: %s", e.Method, e.Reason) }
func (e *LegFailure) Unwrap() error { return ErrLegExecution }

type CompensationError struct {
	Method Method
	Reason string
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("%s compensation failed: %s", e.Method, e.Reason)
}
func (e *CompensationError) Unwrap() error { return ErrCompensation }

type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindUnsupported ErrorKind = "unsupported"
	KindNotFound    ErrorKind = "not_found"
	KindConflict    ErrorKind = "conflict"
	KindDeclined    ErrorKind = "declined"
	KindInternal    ErrorKind = "internal"
)

func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrUnsupportedMethod):
		return KindUnsupported
	case errors.Is(err, ErrPaymentNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrPaymentInProgress):
		return KindConflict
	case errors.Is(err, ErrLegExecution):
		return KindDeclined
	default:
		return KindInternal
	}
}
