package vm

import (
	"testing"

	"github.com/zurustar/agsvm/pkg/script"
)

func TestBlock_PointerOverlay(t *testing.T) {
	b := NewBlock(16)
	target := NewBlock(4)
	ref := ObjectValue(target)

	if err := b.SetValue(4, ref); err != nil {
		t.Fatalf("SetValue() error: %v", err)
	}
	got, err := b.Value(4)
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}
	if got != ref {
		t.Errorf("Value(4) = %v, want the stored reference", got)
	}

	// a byte write inside the dword drops the tag
	if err := b.writeSized(6, 1, 0x7F); err != nil {
		t.Fatalf("writeSized() error: %v", err)
	}
	got, _ = b.Value(4)
	if got.Kind != KindInteger {
		t.Errorf("Value(4) after byte write = %v, want an integer", got)
	}

	// a dword write at an overlapping offset drops it too
	_ = b.SetValue(8, ref)
	_ = b.WriteInt32(5, 1)
	if got, _ := b.Value(8); got.Kind != KindInteger {
		t.Errorf("Value(8) after overlapping write = %v, want an integer", got)
	}
}

func TestBlock_SizedAccess(t *testing.T) {
	b := NewBlock(4)
	if err := b.writeSized(0, 2, -3); err != nil {
		t.Fatalf("writeSized() error: %v", err)
	}
	if v, _ := b.readSized(0, 2); v != -3 {
		t.Errorf("word read = %d, want -3", v)
	}
	if v, _ := b.readSized(0, 1); v != 0xFD {
		t.Errorf("byte read = %#x, want 0xfd", v)
	}

	tests := []struct {
		name string
		off  int32
		size int
	}{
		{"negative offset", -1, 1},
		{"dword past end", 1, 4},
		{"byte at end", 4, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.readSized(tt.off, tt.size); err == nil {
				t.Error("expected out-of-range read to fail")
			}
			if err := b.writeSized(tt.off, tt.size, 0); err == nil {
				t.Error("expected out-of-range write to fail")
			}
		})
	}
}

func TestBlock_CString(t *testing.T) {
	b := NewBlockFrom([]byte("hi\x00there"))
	if s, err := b.CString(0); err != nil || string(s) != "hi" {
		t.Errorf("CString(0) = %q, %v", s, err)
	}
	if s, err := b.CString(3); err != nil || string(s) != "there" {
		t.Errorf("unterminated CString(3) = %q, %v", s, err)
	}
	if _, err := b.CString(50); err == nil {
		t.Error("expected error past the end")
	}
}

func TestGlobalData_SeedsPointers(t *testing.T) {
	b := script.NewBuilder()
	b.AddGlobal(12)
	b.GlobalData[8] = 4 // global[8] points at global[4]
	b.AddFixup(script.FixupDataData, 8)
	b.Emit(0x05)
	m := mustModule(t, b)

	g, err := newGlobalData(m)
	if err != nil {
		t.Fatalf("newGlobalData() error: %v", err)
	}
	v, err := g.block.Value(8)
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}
	if v.Kind != KindGlobalDataRef || v.Value != 4 || v.block != g.block {
		t.Errorf("seeded value = %v, want global+4", v)
	}

	// the template is copied, not shared
	g.block.Bytes()[0] = 1
	if m.GlobalData[0] != 0 {
		t.Error("instance globals alias the module template")
	}

	if g.Sharers() != 1 {
		t.Errorf("Sharers() = %d, want 1", g.Sharers())
	}
	g.retain()
	if g.release() {
		t.Error("release with a remaining sharer should not free")
	}
	if !g.release() || g.block != nil {
		t.Error("last release should free the buffer")
	}
}

func TestHeap_AllocLimits(t *testing.T) {
	h := NewHeap()
	tests := []struct {
		name  string
		alloc func() (*Block, error)
	}{
		{"array product overflows int32", func() (*Block, error) { return h.AllocArray(0x7fffffff, 0x7fffffff) }},
		{"array just over the limit", func() (*Block, error) { return h.AllocArray(MaxObjectSize/4+1, 4) }},
		{"negative count", func() (*Block, error) { return h.AllocArray(-1, 4) }},
		{"zero element size", func() (*Block, error) { return h.AllocArray(1, 0) }},
		{"huge user object", func() (*Block, error) { return h.AllocUser(0x7fffffff) }},
		{"negative user object", func() (*Block, error) { return h.AllocUser(-4) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if b, err := tt.alloc(); err == nil {
				t.Errorf("expected an error, got block of %d bytes", b.Len())
			}
		})
	}
	if h.Len() != 0 {
		t.Errorf("failed allocations left %d objects", h.Len())
	}

	b, err := h.AllocArray(MaxObjectSize/4, 4)
	if err != nil || b.Len() != MaxObjectSize {
		t.Errorf("array at the limit: %v", err)
	}
}

func TestHeap_RetainRelease(t *testing.T) {
	h := NewHeap()
	a, err := h.AllocArray(4, 4)
	if err != nil {
		t.Fatalf("AllocArray() error: %v", err)
	}
	s := h.AllocString([]byte("abc"))

	if a.Handle() == 0 || a.Handle() == s.Handle() {
		t.Fatalf("handles %d and %d should be distinct and non-zero", a.Handle(), s.Handle())
	}
	if a.Len() != 16 || a.ElemSize() != 4 || a.Kind() != ObjectArray {
		t.Errorf("array = len %d elem %d kind %s", a.Len(), a.ElemSize(), a.Kind())
	}
	if raw, _ := s.CString(0); string(raw) != "abc" {
		t.Errorf("string = %q", raw)
	}

	h.Retain(a)
	h.Retain(a)
	h.Release(a)
	if _, ok := h.Get(a.Handle()); !ok {
		t.Fatal("object disposed while still referenced")
	}
	h.Release(a)
	if _, ok := h.Get(a.Handle()); ok {
		t.Error("object should be disposed at zero references")
	}
	if h.Len() != 1 {
		t.Errorf("Len() = %d, want 1", h.Len())
	}

	// host blocks are not managed
	host := NewBlock(4)
	h.Retain(host)
	h.Release(host)
	if host.Refs() != 0 {
		t.Errorf("host block refs = %d, want 0", host.Refs())
	}
}
