package domain

import "fmt"

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to match any DomainError carrying the same code.
func (e *DomainError) Is(target error) bool {
	other, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == other.Code && (other.Message == "" || e.Message == other.Message)
}

// NewDomainError creates a new DomainError
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     nil,
	}
}

// NewDomainErrorWithCause creates a new DomainError with an underlying cause
func NewDomainErrorWithCause(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common domain error codes
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeUnavailable      = "UNAVAILABLE"
	ErrCodeRejected         = "REJECTED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeInvalidOperation = "INVALID_OPERATION"
)

// Configuration and validation errors
var (
	ErrInvalidConfiguration = NewDomainError(ErrCodeValidation, "invalid configuration")
	ErrInvalidMessageRole   = NewDomainError(ErrCodeValidation, "invalid message role")
	ErrMissingRequiredField = NewDomainError(ErrCodeValidation, "missing required field")
	ErrUnsupportedFileType  = NewDomainError(ErrCodeValidation, "unsupported file type")
)

// Not found errors
var (
	ErrChatNotFound = NewDomainError(ErrCodeNotFound, "chat not found")
	ErrJobNotFound  = NewDomainError(ErrCodeNotFound, "ingestion job not found")
	ErrEmptyScope   = NewDomainError(ErrCodeNotFound, "scope has no indexed chunks")
)

// Indexing errors
var (
	ErrDuplicateSequenceIndex = NewDomainError(ErrCodeAlreadyExists, "chunk sequence index already exists in scope")
	ErrDimensionMismatch      = NewDomainError(ErrCodeValidation, "embedding dimension mismatch")
)

// Provider errors
var (
	ErrProviderUnavailable = NewDomainError(ErrCodeUnavailable, "model provider unavailable")
	ErrProviderRejected    = NewDomainError(ErrCodeRejected, "model provider rejected request")
	ErrEmbeddingFailed     = NewDomainError(ErrCodeInternalError, "embedding generation failed")
)

// Generation errors
var (
	ErrStreamFailed = NewDomainError(ErrCodeInternalError, "generation stream failed before completion")
)
