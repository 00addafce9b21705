// Package errors provides structured error types for the shardtask core.
// All errors include a category, code, and message so the application layer
// can translate storage failures without string matching.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation  ErrorCategory = "VALIDATION"
	ErrCategoryStore       ErrorCategory = "STORE"
	ErrCategoryArchive     ErrorCategory = "ARCHIVE"
	ErrCategoryMigration   ErrorCategory = "MIGRATION"
	ErrCategoryMaintenance ErrorCategory = "MAINTENANCE"
	ErrCategoryStorage     ErrorCategory = "STORAGE"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Store codes
	CodeNotFound            = "NOT_FOUND"
	CodeConstraintViolation = "CONSTRAINT_VIOLATION"
	CodeInvalidTransition   = "INVALID_TRANSITION"

	// Archive codes
	CodePartitionNotProvisioned = "PARTITION_NOT_PROVISIONED"
	CodeRetentionNotConfigured  = "RETENTION_NOT_CONFIGURED"

	// Migration codes
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeMigrationHalted  = "MIGRATION_HALTED"

	// Maintenance codes
	CodeMaintenanceJobFailed = "MAINTENANCE_JOB_FAILED"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Validation codes
	CodeInvalidConfig       = "INVALID_CONFIG"
	CodeInvalidPartitionKey = "INVALID_PARTITION_KEY"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// ShardError is the structured error type used throughout the system.
type ShardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error returns a formatted error string.
func (e *ShardError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *ShardError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *ShardError) Is(target error) bool {
	var t *ShardError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new ShardError.
func New(category ErrorCategory, code, message string) *ShardError {
	return &ShardError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// Wrap creates a new ShardError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *ShardError {
	return &ShardError{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    cause,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *ShardError) WithDetails(details map[string]interface{}) *ShardError {
	cp := *e
	cp.Details = details
	return &cp
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a ShardError.
func GetCategory(err error) ErrorCategory {
	var se *ShardError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a ShardError.
func GetCode(err error) string {
	var se *ShardError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsNotFound reports whether the error chain is a NOT_FOUND store error.
func IsNotFound(err error) bool {
	return GetCode(err) == CodeNotFound
}

// IsConstraintViolation reports whether the error chain is a constraint or
// invariant violation.
func IsConstraintViolation(err error) bool {
	code := GetCode(err)
	return code == CodeConstraintViolation || code == CodeInvalidTransition
}

// IsPartitionNotProvisioned reports whether an archive write targeted a
// month with no provisioned partition.
func IsPartitionNotProvisioned(err error) bool {
	return GetCode(err) == CodePartitionNotProvisioned
}

// Convenience constructors for common errors.

func NewNotFound(message string) *ShardError {
	return New(ErrCategoryStore, CodeNotFound, message)
}

func NewConstraintViolation(message string, cause error) *ShardError {
	return Wrap(ErrCategoryStore, CodeConstraintViolation, message, cause)
}

func NewPartitionNotProvisioned(message string) *ShardError {
	return New(ErrCategoryArchive, CodePartitionNotProvisioned, message)
}

func NewValidationFailed(message string) *ShardError {
	return New(ErrCategoryMigration, CodeValidationFailed, message)
}

func NewMaintenanceJobFailed(message string, cause error) *ShardError {
	return Wrap(ErrCategoryMaintenance, CodeMaintenanceJobFailed, message, cause)
}

func NewStorageError(code, message string, cause error) *ShardError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *ShardError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
