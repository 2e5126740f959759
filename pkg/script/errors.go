// Package script loads compiled AGS script modules (SCOM files).
// This file defines the LoadError type for structured load failures.
package script

import (
	"errors"
	"fmt"
)

// LoadErrorType identifies why a module failed to load.
type LoadErrorType string

const (
	ErrorMagicMismatch      LoadErrorType = "MAGIC_MISMATCH"
	ErrorVersionUnsupported LoadErrorType = "VERSION_UNSUPPORTED"
	ErrorDuplicateFixup     LoadErrorType = "DUPLICATE_FIXUP"
	ErrorUnknownFixupKind   LoadErrorType = "UNKNOWN_FIXUP_KIND"
	ErrorCorruptModule      LoadErrorType = "CORRUPT_MODULE"
)

// LoadError is returned by Load. Every load error is fatal for the module:
// no partially populated Module is ever returned alongside it.
type LoadError struct {
	Type    LoadErrorType
	Message string
	// Offset is the byte position in the stream where the problem was
	// detected, or -1 when unknown.
	Offset int64
	Err    error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Type, e.Message)
	if e.Offset >= 0 {
		msg = fmt.Sprintf("%s at byte %d", msg, e.Offset)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying I/O error, if any.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsLoadError reports whether err is a LoadError of type t.
func IsLoadError(err error, t LoadErrorType) bool {
	var le *LoadError
	if errors.As(err, &le) {
		return le.Type == t
	}
	return false
}

func newLoadError(t LoadErrorType, offset int64, format string, args ...any) *LoadError {
	return &LoadError{
		Type:    t,
		Message: fmt.Sprintf(format, args...),
		Offset:  offset,
	}
}
