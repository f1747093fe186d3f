package domain

import (
	"errors"
	"fmt"
)

// Error types for domain-specific errors
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeTransientIO ErrorType = "transient_io"
	ErrorTypeConversion  ErrorType = "conversion"
	ErrorTypeConfig      ErrorType = "config"
	ErrorTypeIO          ErrorType = "io"
)

var (
	// ErrClaimConflict means another worker won the race for a row.
	ErrClaimConflict = errors.New("claim conflict")
	// ErrNotFound is returned when a task or page does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DomainError represents a domain-specific error with context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError creates a new domain error
func NewError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// Common error constructors
func ValidationError(message string, err error) *DomainError {
	return NewError(ErrorTypeValidation, message, err)
}

func TransientIOError(message string, err error) *DomainError {
	return NewError(ErrorTypeTransientIO, message, err)
}

func ConversionError(message string, err error) *DomainError {
	return NewError(ErrorTypeConversion, message, err)
}

func ConfigError(message string, err error) *DomainError {
	return NewError(ErrorTypeConfig, message, err)
}

func IOError(message string, err error) *DomainError {
	return NewError(ErrorTypeIO, message, err)
}

// IsType reports whether err wraps a DomainError of the given type.
func IsType(err error, errType ErrorType) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Type == errType
	}
	return false
}

// FormatError is returned when a page range expression does not match the grammar.
type FormatError struct {
	Expression string
	Token      string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid page range %q at %q: expected page numbers or ranges such as \"5\", \"1-3\" or \"1-3,5,7-9\"",
		e.Expression, e.Token)
}

// RangeOrderError is returned for a range whose start is after its end.
type RangeOrderError struct {
	Expression string
	Start      int
	End        int
}

func (e *RangeOrderError) Error() string {
	return fmt.Sprintf("invalid page range %q: start %d is greater than end %d", e.Expression, e.Start, e.End)
}

// EmptyResultError is returned when no page survives clamping.
type EmptyResultError struct {
	Expression string
	Total      int
}

func (e *EmptyResultError) Error() string {
	if e.Total <= 0 {
		return fmt.Sprintf("page range %q selects no pages: document has no pages", e.Expression)
	}
	return fmt.Sprintf("page range %q selects no pages: valid pages are 1-%d", e.Expression, e.Total)
}

// DocumentDefect names why a source document cannot be processed.
type DocumentDefect string

const (
	DefectPasswordProtected DocumentDefect = "password-protected"
	DefectCorrupted         DocumentDefect = "corrupted"
	DefectNotFound          DocumentDefect = "not-found"
	DefectGeneric           DocumentDefect = "generic"
)

// NonRetryableDocumentError aborts splitting without spending the remaining retry budget.
type NonRetryableDocumentError struct {
	File   string
	Defect DocumentDefect
	Err    error
}

func (e *NonRetryableDocumentError) Error() string {
	switch e.Defect {
	case DefectPasswordProtected:
		return fmt.Sprintf("%s is password-protected; remove the password and upload it again", e.File)
	case DefectCorrupted:
		return fmt.Sprintf("%s appears to be corrupted or is not a valid document", e.File)
	case DefectNotFound:
		return fmt.Sprintf("%s could not be found", e.File)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s could not be processed: %v", e.File, e.Err)
		}
		return fmt.Sprintf("%s could not be processed", e.File)
	}
}

func (e *NonRetryableDocumentError) Unwrap() error {
	return e.Err
}

// ProviderError carries a failed LLM completion.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a stage may try the operation again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		docErr   *NonRetryableDocumentError
		fmtErr   *FormatError
		orderErr *RangeOrderError
		emptyErr *EmptyResultError
	)
	switch {
	case errors.As(err, &docErr), errors.As(err, &fmtErr), errors.As(err, &orderErr), errors.As(err, &emptyErr):
		return false
	case IsType(err, ErrorTypeValidation), IsType(err, ErrorTypeConfig):
		return false
	}
	return true
}
