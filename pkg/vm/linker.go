package vm

import (
	"fmt"

	"github.com/zurustar/agsvm/pkg/script"
)

// ImportKind says what an import name resolved to.
type ImportKind uint8

const (
	ImportNative ImportKind = iota
	ImportObject
	ImportScriptFunction
	ImportScriptData
)

func (k ImportKind) String() string {
	switch k {
	case ImportNative:
		return "native"
	case ImportObject:
		return "object"
	case ImportScriptFunction:
		return "script-function"
	case ImportScriptData:
		return "script-data"
	default:
		return fmt.Sprintf("importkind(%d)", uint8(k))
	}
}

// NativeFunc implements a host function callable from scripts.
type NativeFunc func(call *NativeCall) (RuntimeValue, error)

// Import is the target of a resolved import name.
type Import struct {
	Name   string
	Kind   ImportKind
	Native NativeFunc // ImportNative
	Object *Block     // ImportObject

	// ImportScriptFunction and ImportScriptData
	Instance *Instance
	Offset   int32
}

// Linker is the capability an instance uses to resolve its imports and
// publish its exports. The registry package provides the implementation.
type Linker interface {
	ResolveImport(name string) (Import, bool)
	Export(name string, imp Import) error
	Unexport(name string, owner *Instance)
}

// NativeCall carries the arguments of one far call into a native.
type NativeCall struct {
	Name     string
	Receiver RuntimeValue // null unless callobj preceded the call
	Args     []RuntimeValue

	inst *Instance
}

// Instance returns the calling instance.
func (c *NativeCall) Instance() *Instance {
	return c.inst
}

// Len returns the number of arguments.
func (c *NativeCall) Len() int {
	return len(c.Args)
}

func (c *NativeCall) arg(i int) (RuntimeValue, error) {
	if i < 0 || i >= len(c.Args) {
		return RuntimeValue{}, fmt.Errorf("%s: argument %d missing (got %d)", c.Name, i, len(c.Args))
	}
	return c.Args[i], nil
}

// Int returns argument i as an integer.
func (c *NativeCall) Int(i int) (int32, error) {
	v, err := c.arg(i)
	if err != nil {
		return 0, err
	}
	if !v.Kind.IsNumeric() {
		return 0, fmt.Errorf("%s: argument %d is %s, want int", c.Name, i, v.Kind)
	}
	return v.Value, nil
}

// Float returns argument i as a float.
func (c *NativeCall) Float(i int) (float32, error) {
	v, err := c.arg(i)
	if err != nil {
		return 0, err
	}
	if !v.Kind.IsNumeric() {
		return 0, fmt.Errorf("%s: argument %d is %s, want float", c.Name, i, v.Kind)
	}
	return v.Float32(), nil
}

// String decodes the C string argument i points to.
func (c *NativeCall) String(i int) (string, error) {
	v, err := c.arg(i)
	if err != nil {
		return "", err
	}
	raw, err := c.inst.cString(v)
	if err != nil {
		return "", fmt.Errorf("%s: argument %d: %w", c.Name, i, err)
	}
	return script.DecodeString(raw)
}

// Object returns the block argument i references, or nil for null.
func (c *NativeCall) Object(i int) (*Block, error) {
	v, err := c.arg(i)
	if err != nil {
		return nil, err
	}
	if v.IsNull() {
		return nil, nil
	}
	if v, err = c.inst.importValue(v); err != nil {
		return nil, err
	}
	if v.Kind != KindObjectRef && v.Kind != KindGlobalDataRef {
		return nil, fmt.Errorf("%s: argument %d is %s, want object", c.Name, i, v.Kind)
	}
	return v.block, nil
}

// NewString allocates a managed string in the caller's heap.
func (c *NativeCall) NewString(s string) RuntimeValue {
	return ObjectValue(c.inst.heap.AllocString(script.EncodeString(s)))
}

// ReceiverString decodes the string object the call was made on.
func (c *NativeCall) ReceiverString() (string, error) {
	if c.Receiver.IsNull() {
		return "", fmt.Errorf("%s: called on a null string", c.Name)
	}
	raw, err := c.inst.cString(c.Receiver)
	if err != nil {
		return "", fmt.Errorf("%s: receiver: %w", c.Name, err)
	}
	return script.DecodeString(raw)
}
