package vm

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/zurustar/agsvm/pkg/script"
)

// ObjectKind classifies the contents of a Block.
type ObjectKind uint8

const (
	ObjectGlobals ObjectKind = iota // instance global data
	ObjectHost                      // memory registered by the embedding engine
	ObjectString                    // managed NUL-terminated string
	ObjectArray                     // managed dynamic array
	ObjectUser                      // managed user object
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectGlobals:
		return "globals"
	case ObjectHost:
		return "host"
	case ObjectString:
		return "string"
	case ObjectArray:
		return "array"
	case ObjectUser:
		return "user"
	default:
		return fmt.Sprintf("objectkind(%d)", uint8(k))
	}
}

// Block is byte-addressed memory with a pointer overlay. Pointer-kind values
// written as dwords are remembered per offset so they read back with their
// tag; any narrower write over them drops the tag.
type Block struct {
	data []byte
	ptrs map[int32]RuntimeValue
	kind ObjectKind

	// managed object bookkeeping; handle 0 means unmanaged
	handle   int32
	elemSize int32
	refs     int32
}

// NewBlock returns a zeroed block of size bytes owned by the host.
func NewBlock(size int) *Block {
	return &Block{data: make([]byte, size), kind: ObjectHost}
}

// NewBlockFrom returns a host block holding a copy of data.
func NewBlockFrom(data []byte) *Block {
	b := NewBlock(len(data))
	copy(b.data, data)
	return b
}

// Len returns the size of the block in bytes.
func (b *Block) Len() int {
	return len(b.data)
}

// Bytes returns the underlying buffer. Writes through it bypass the
// pointer overlay.
func (b *Block) Bytes() []byte {
	return b.data
}

// Kind returns what the block holds.
func (b *Block) Kind() ObjectKind {
	return b.kind
}

// Handle returns the managed handle, or 0 for unmanaged memory.
func (b *Block) Handle() int32 {
	return b.handle
}

// ElemSize returns the element size of a dynamic array.
func (b *Block) ElemSize() int32 {
	return b.elemSize
}

// Refs returns the managed reference count.
func (b *Block) Refs() int32 {
	return b.refs
}

func (b *Block) check(off int32, size int) error {
	if off < 0 || int(off)+size > len(b.data) {
		return fmt.Errorf("access of %d bytes at offset %d outside %s block of %d bytes", size, off, b.kind, len(b.data))
	}
	return nil
}

// dropPointers forgets overlay entries overlapping [off, off+size).
func (b *Block) dropPointers(off int32, size int) {
	if len(b.ptrs) == 0 {
		return
	}
	for p := off - 3; p < off+int32(size); p++ {
		delete(b.ptrs, p)
	}
}

// ReadInt32 reads a little-endian dword.
func (b *Block) ReadInt32(off int32) (int32, error) {
	if err := b.check(off, 4); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b.data[off:])), nil
}

// WriteInt32 writes a little-endian dword.
func (b *Block) WriteInt32(off int32, v int32) error {
	return b.SetValue(off, Int(v))
}

// Value reads the dword at off, restoring its pointer tag if one was stored.
func (b *Block) Value(off int32) (RuntimeValue, error) {
	if err := b.check(off, 4); err != nil {
		return RuntimeValue{}, err
	}
	if v, ok := b.ptrs[off]; ok {
		return v, nil
	}
	return Int(int32(binary.LittleEndian.Uint32(b.data[off:]))), nil
}

// SetValue writes v as a dword at off.
func (b *Block) SetValue(off int32, v RuntimeValue) error {
	if err := b.check(off, 4); err != nil {
		return err
	}
	b.dropPointers(off, 4)
	raw := v.Value
	if v.Kind.IsPointer() {
		if b.ptrs == nil {
			b.ptrs = make(map[int32]RuntimeValue)
		}
		b.ptrs[off] = v
		if v.Kind == KindObjectRef && v.block != nil {
			raw = v.block.handle
		}
	}
	binary.LittleEndian.PutUint32(b.data[off:], uint32(raw))
	return nil
}

// readSized reads a 1, 2 or 4 byte integer. Bytes are zero-extended and
// words sign-extended.
func (b *Block) readSized(off int32, size int) (int32, error) {
	if err := b.check(off, size); err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return int32(b.data[off]), nil
	case 2:
		return int32(int16(binary.LittleEndian.Uint16(b.data[off:]))), nil
	default:
		return int32(binary.LittleEndian.Uint32(b.data[off:])), nil
	}
}

func (b *Block) writeSized(off int32, size int, v int32) error {
	if err := b.check(off, size); err != nil {
		return err
	}
	b.dropPointers(off, size)
	switch size {
	case 1:
		b.data[off] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b.data[off:], uint16(v))
	default:
		binary.LittleEndian.PutUint32(b.data[off:], uint32(v))
	}
	return nil
}

// Zero clears n bytes starting at off.
func (b *Block) Zero(off int32, n int) error {
	if err := b.check(off, n); err != nil {
		return err
	}
	b.dropPointers(off, n)
	clear(b.data[off : int(off)+n])
	return nil
}

// CString returns the NUL-terminated bytes starting at off.
func (b *Block) CString(off int32) ([]byte, error) {
	if off < 0 || int(off) > len(b.data) {
		return nil, fmt.Errorf("string offset %d outside %s block of %d bytes", off, b.kind, len(b.data))
	}
	raw, ok := script.CString(b.data, int(off))
	if !ok {
		// unterminated data runs to the end of the block
		return b.data[off:], nil
	}
	return raw, nil
}

// GlobalData is an instance's global memory. Forked instances share one
// GlobalData; the buffer is released when the last sharer lets go.
type GlobalData struct {
	block *Block
	refs  atomic.Int32
}

// newGlobalData copies the module's template and seeds the pointer overlay
// from the global-data fixups.
func newGlobalData(m *script.Module) (*GlobalData, error) {
	b := NewBlockFrom(m.GlobalData)
	b.kind = ObjectGlobals
	for _, off := range m.GlobalDataFixups {
		raw, err := b.ReadInt32(off)
		if err != nil {
			return nil, err
		}
		if err := b.SetValue(off, RuntimeValue{Kind: KindGlobalDataRef, Value: raw, block: b}); err != nil {
			return nil, err
		}
	}
	g := &GlobalData{block: b}
	g.refs.Store(1)
	return g, nil
}

func (g *GlobalData) retain() *GlobalData {
	g.refs.Add(1)
	return g
}

// release drops one sharer and reports whether the buffer was freed.
func (g *GlobalData) release() bool {
	if g.refs.Add(-1) == 0 {
		g.block = nil
		return true
	}
	return false
}

// Sharers returns the number of instances holding this global data.
func (g *GlobalData) Sharers() int32 {
	return g.refs.Load()
}
