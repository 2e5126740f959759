// Package vm provides error handling for the AGS script virtual machine.
package vm

import (
	"errors"
	"fmt"

	"github.com/zurustar/agsvm/pkg/opcode"
)

// ErrorType represents the type of runtime error.
type ErrorType string

const (
	// Call setup errors - the call is rejected before any code runs
	ErrorTooManyArguments ErrorType = "TOO_MANY_ARGUMENTS"
	ErrorAlreadyRunning   ErrorType = "ALREADY_RUNNING"
	ErrorSymbolNotFound   ErrorType = "SYMBOL_NOT_FOUND"
	ErrorArityMismatch    ErrorType = "ARITY_MISMATCH"
	ErrorNotCallable      ErrorType = "NOT_CALLABLE"
	ErrorInstanceFreed    ErrorType = "INSTANCE_FREED"

	// Execution errors - the instance must be considered dead
	ErrorInvalidInstruction   ErrorType = "INVALID_INSTRUCTION"
	ErrorTruncatedInstruction ErrorType = "TRUNCATED_INSTRUCTION"
	ErrorUnexpectedFixup      ErrorType = "UNEXPECTED_FIXUP"
	ErrorInvalidRegister      ErrorType = "INVALID_REGISTER"
	ErrorStackOverflow        ErrorType = "STACK_OVERFLOW"
	ErrorStackUnderflow       ErrorType = "STACK_UNDERFLOW"
	ErrorStackCorrupted       ErrorType = "STACK_CORRUPTED"
	ErrorStackImbalance       ErrorType = "STACK_IMBALANCE"
	ErrorTypeMismatch         ErrorType = "TYPE_MISMATCH"
	ErrorNativeCallFailed     ErrorType = "NATIVE_CALL_FAILED"
	ErrorDivideByZero         ErrorType = "DIVIDE_BY_ZERO"
	ErrorNullPointer          ErrorType = "NULL_POINTER"
	ErrorIndexOutOfBounds     ErrorType = "INDEX_OUT_OF_BOUNDS"
	ErrorMemoryAccess         ErrorType = "MEMORY_ACCESS"
	ErrorUnresolvedImport     ErrorType = "UNRESOLVED_IMPORT"
	ErrorRunawayLoop          ErrorType = "RUNAWAY_LOOP"
	ErrorCallStackOverflow    ErrorType = "CALL_STACK_OVERFLOW"

	// Cancellation - not a bug signal
	ErrorAbortedByHost ErrorType = "ABORTED_BY_HOST"
)

// Category groups error types by how the caller should react.
type Category int

const (
	CategoryCallSetup Category = iota
	CategoryExecution
	CategoryCancellation
)

func (c Category) String() string {
	switch c {
	case CategoryCallSetup:
		return "call-setup"
	case CategoryExecution:
		return "execution"
	case CategoryCancellation:
		return "cancellation"
	default:
		return "unknown"
	}
}

// RuntimeError represents a failure reported by an instance. It carries
// enough position information to replay the failure deterministically.
type RuntimeError struct {
	Type    ErrorType
	Message string
	Line    int32       // source line from the last sourceline instruction, -1 if none
	PC      int32       // code offset of the failing instruction, -1 outside execution
	Opcode  opcode.Code // failing opcode, 0 if none
	Module  string
	Section string // source section containing PC, if the module has sections
	Err     error  // underlying error (native failure, context error)
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Type, e.Message)
	if e.Line >= 0 {
		msg = fmt.Sprintf("%s at line %d", msg, e.Line)
	}
	if e.PC >= 0 {
		msg = fmt.Sprintf("%s (pc %d, %s)", msg, e.PC, e.Opcode)
	}
	if e.Section != "" {
		msg = fmt.Sprintf("%s in %s", msg, e.Section)
	} else if e.Module != "" {
		msg = fmt.Sprintf("%s in %s", msg, e.Module)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// Category classifies the error.
func (e *RuntimeError) Category() Category {
	switch e.Type {
	case ErrorTooManyArguments, ErrorAlreadyRunning, ErrorSymbolNotFound,
		ErrorArityMismatch, ErrorNotCallable, ErrorInstanceFreed:
		return CategoryCallSetup
	case ErrorAbortedByHost:
		return CategoryCancellation
	default:
		return CategoryExecution
	}
}

// IsFatal returns true unless the error is a host-requested abort.
func (e *RuntimeError) IsFatal() bool {
	return e.Category() != CategoryCancellation
}

// NewRuntimeError creates a new RuntimeError without position information.
func NewRuntimeError(errType ErrorType, message string) *RuntimeError {
	return &RuntimeError{
		Type:    errType,
		Message: message,
		Line:    -1,
		PC:      -1,
	}
}

// IsType reports whether err is, or wraps, a RuntimeError of type t.
func IsType(err error, t ErrorType) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Type == t
	}
	return false
}

// IsAborted reports whether err is a host-requested cancellation.
func IsAborted(err error) bool {
	return IsType(err, ErrorAbortedByHost)
}
