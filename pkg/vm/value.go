// Package vm provides the virtual machine that executes compiled AGS scripts.
// It implements:
// - typed 32-bit runtime cells (RuntimeValue)
// - script instances with private or shared global data
// - the fetch-decode-execute loop over the legacy instruction set
// - the far-call boundary to natives and other script instances
package vm

import (
	"fmt"
	"math"
)

// Kind tags a RuntimeValue with the meaning of its 32-bit payload.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInteger
	KindFloat
	KindStackPointer
	KindGlobalDataRef
	KindStringRef
	KindImportRef
	KindFunctionRef
	// KindObjectRef points into a managed object or a host memory block.
	KindObjectRef
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindInteger:
		return "int"
	case KindFloat:
		return "float"
	case KindStackPointer:
		return "stack"
	case KindGlobalDataRef:
		return "global"
	case KindStringRef:
		return "string"
	case KindImportRef:
		return "import"
	case KindFunctionRef:
		return "function"
	case KindObjectRef:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// IsNumeric reports whether values of kind k carry an integer or float payload.
func (k Kind) IsNumeric() bool {
	return k == KindInteger || k == KindFloat
}

// IsPointer reports whether values of kind k are opaque references.
func (k Kind) IsPointer() bool {
	return k >= KindStackPointer
}

// RuntimeValue is one interpreter cell. Value holds the integer, the float
// bits, or the byte offset of a pointer-like kind.
type RuntimeValue struct {
	Kind  Kind
	Value int32

	// block backs GlobalDataRef and ObjectRef values.
	block *Block
	// inst owns the code a FunctionRef points into; nil means the
	// executing instance.
	inst *Instance
}

// Int returns an Integer value.
func Int(v int32) RuntimeValue {
	return RuntimeValue{Kind: KindInteger, Value: v}
}

// Bool returns Integer 1 for true and 0 for false.
func Bool(b bool) RuntimeValue {
	if b {
		return Int(1)
	}
	return Int(0)
}

// Float returns a Float value.
func Float(f float32) RuntimeValue {
	return RuntimeValue{Kind: KindFloat, Value: int32(math.Float32bits(f))}
}

// Null is the null object reference.
func Null() RuntimeValue {
	return Int(0)
}

// ObjectValue returns a reference to the start of b.
func ObjectValue(b *Block) RuntimeValue {
	if b == nil {
		return Null()
	}
	return RuntimeValue{Kind: KindObjectRef, block: b}
}

func stackPointer(off int32) RuntimeValue {
	return RuntimeValue{Kind: KindStackPointer, Value: off}
}

// Int32 returns the payload as an integer.
func (v RuntimeValue) Int32() int32 {
	return v.Value
}

// Float32 reinterprets the payload as a float. Compiled code loads float
// literals as raw integer words, so Integer cells are reinterpreted too.
func (v RuntimeValue) Float32() float32 {
	return math.Float32frombits(uint32(v.Value))
}

// IsNull reports whether v is the null reference (numeric zero).
func (v RuntimeValue) IsNull() bool {
	return v.Kind.IsNumeric() && v.Value == 0
}

// Block returns the memory behind a GlobalDataRef or ObjectRef.
func (v RuntimeValue) Block() *Block {
	return v.block
}

// truthy is the legacy notion of "non-zero" used by logical operators.
func (v RuntimeValue) truthy() bool {
	if v.Kind.IsPointer() {
		return true
	}
	return v.Value != 0
}

// sameBase reports whether two pointers address the same memory.
func (v RuntimeValue) sameBase(o RuntimeValue) bool {
	return v.Kind == o.Kind && v.block == o.block && v.inst == o.inst
}

// equal implements cmpeq: numeric values compare by payload, pointers by
// kind, base and offset.
func equal(a, b RuntimeValue) bool {
	if a.Kind.IsNumeric() && b.Kind.IsNumeric() {
		return a.Value == b.Value
	}
	return a.sameBase(b) && a.Value == b.Value
}

func (v RuntimeValue) String() string {
	switch v.Kind {
	case KindInteger:
		return fmt.Sprintf("%d", v.Value)
	case KindFloat:
		return fmt.Sprintf("%gf", v.Float32())
	case KindObjectRef:
		if v.block != nil && v.block.handle != 0 {
			return fmt.Sprintf("object#%d+%d", v.block.handle, v.Value)
		}
		return fmt.Sprintf("object+%d", v.Value)
	default:
		return fmt.Sprintf("%s+%d", v.Kind, v.Value)
	}
}
