package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies errors that end a run
type ErrorKind string

const (
	ErrClone                ErrorKind = "CloneFailure"
	ErrSandbox              ErrorKind = "SandboxFailure"
	ErrDiagnosisAmbiguous   ErrorKind = "DiagnosisAmbiguous"
	ErrFixGeneration        ErrorKind = "FixGenerationFailure"
	ErrVerificationPush     ErrorKind = "VerificationPushFailure"
	ErrCIPollTimeout        ErrorKind = "CIPollTimeout"
	ErrRetryBudgetExhausted ErrorKind = "RetryBudgetExhausted"
	ErrCancelled            ErrorKind = "Cancelled"
)

// RunError carries an ErrorKind alongside the underlying cause
type RunError struct {
	Kind ErrorKind
	Err  error
}

// NewRunError wraps err with kind
func NewRunError(kind ErrorKind, err error) *RunError {
	return &RunError{Kind: kind, Err: err}
}

// Errorf builds a RunError from a format string
func Errorf(kind ErrorKind, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *RunError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// KindOf returns the ErrorKind of err, or "" when err is not a RunError
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
