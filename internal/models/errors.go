package models

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType int

const (
	ErrConfigInvalid ErrorType = iota
	ErrNotFound
	ErrDownloadFailed
	ErrValidationFailed
	ErrLoadFailed
	ErrUpdateCheckFailed
	ErrUpdateRollback
	ErrFileOp
	ErrEngineFailed
)

// String returns the string representation of ErrorType
func (e ErrorType) String() string {
	switch e {
	case ErrConfigInvalid:
		return "ConfigInvalid"
	case ErrNotFound:
		return "NotFound"
	case ErrDownloadFailed:
		return "DownloadFailed"
	case ErrValidationFailed:
		return "ValidationFailed"
	case ErrLoadFailed:
		return "LoadFailed"
	case ErrUpdateCheckFailed:
		return "UpdateCheckFailed"
	case ErrUpdateRollback:
		return "UpdateRollback"
	case ErrFileOp:
		return "FileOp"
	case ErrEngineFailed:
		return "EngineFailed"
	default:
		return "Unknown"
	}
}

// PackageError represents an error raised while handling a package or source
type PackageError struct {
	Type    ErrorType
	Package string
	Err     error
}

// Error implements the error interface
func (e *PackageError) Error() string {
	if e.Package != "" {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Package, e.Err)
	}
	return fmt.Sprintf("[%s] %v", e.Type, e.Err)
}

// Unwrap returns the wrapped error
func (e *PackageError) Unwrap() error {
	return e.Err
}

// NewError builds a PackageError from a format string.
func NewError(t ErrorType, pkg string, format string, args ...interface{}) *PackageError {
	return &PackageError{Type: t, Package: pkg, Err: fmt.Errorf(format, args...)}
}

// IsType reports whether err carries a PackageError of the given type.
func IsType(err error, t ErrorType) bool {
	var pe *PackageError
	if errors.As(err, &pe) {
		return pe.Type == t
	}
	return false
}
