package vm

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/zurustar/agsvm/pkg/logger"
)

// MaxObjectSize bounds the byte size of a single managed object.
const MaxObjectSize = 64 << 20

// Heap is the pool of managed objects (dynamic arrays, user objects and
// strings) shared by a family of instances. Objects are addressed by handle;
// handle 0 is null.
type Heap struct {
	mu      sync.Mutex
	objects map[int32]*Block
	next    int32
	log     *slog.Logger
}

// NewHeap creates an empty heap.
func NewHeap() *Heap {
	return &Heap{
		objects: make(map[int32]*Block),
		next:    1,
		log:     logger.GetLogger(),
	}
}

func (h *Heap) alloc(kind ObjectKind, size int, elemSize int32) *Block {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := &Block{data: make([]byte, size), kind: kind, elemSize: elemSize, handle: h.next}
	h.objects[b.handle] = b
	h.next++
	if h.next <= 0 {
		h.next = 1
	}
	return b
}

// AllocArray creates a zeroed dynamic array of count elements.
func (h *Heap) AllocArray(count, elemSize int32) (*Block, error) {
	if count < 0 || elemSize <= 0 {
		return nil, fmt.Errorf("invalid array of %d x %d bytes", count, elemSize)
	}
	size := int64(count) * int64(elemSize)
	if size > MaxObjectSize {
		return nil, fmt.Errorf("array of %d x %d bytes exceeds %d bytes", count, elemSize, MaxObjectSize)
	}
	return h.alloc(ObjectArray, int(size), elemSize), nil
}

// AllocUser creates a zeroed user object of size bytes.
func (h *Heap) AllocUser(size int32) (*Block, error) {
	if size < 0 || size > MaxObjectSize {
		return nil, fmt.Errorf("object size %d outside [0, %d]", size, MaxObjectSize)
	}
	return h.alloc(ObjectUser, int(size), 1), nil
}

// AllocString creates a managed string holding raw plus a NUL terminator.
func (h *Heap) AllocString(raw []byte) *Block {
	b := h.alloc(ObjectString, len(raw)+1, 1)
	copy(b.data, raw)
	return b
}

// Get returns the live object with handle, if any.
func (h *Heap) Get(handle int32) (*Block, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.objects[handle]
	return b, ok
}

// Retain adds a reference to a managed object. Unmanaged blocks are ignored.
func (h *Heap) Retain(b *Block) {
	if b == nil || b.handle == 0 {
		return
	}
	h.mu.Lock()
	b.refs++
	h.mu.Unlock()
}

// Release drops a reference and disposes the object when none remain.
func (h *Heap) Release(b *Block) {
	if b == nil || b.handle == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if b.refs > 0 {
		b.refs--
	}
	if b.refs == 0 {
		if _, ok := h.objects[b.handle]; ok {
			delete(h.objects, b.handle)
			h.log.Debug("Disposed managed object", "handle", b.handle, "kind", b.kind.String(), "size", len(b.data))
		}
	}
}

// Len returns the number of live objects.
func (h *Heap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.objects)
}
