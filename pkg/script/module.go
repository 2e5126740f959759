package script

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
)

// FixupKind records how the raw integer stored in a code or global-data
// word must be interpreted.
type FixupKind uint8

const (
	FixupNone       FixupKind = 0 // plain literal
	FixupGlobalData FixupKind = 1 // offset into global data
	FixupFunction   FixupKind = 2 // code offset in this module
	FixupString     FixupKind = 3 // offset into the string segment
	FixupImport     FixupKind = 4 // index into the import table
	FixupDataData   FixupKind = 5 // global-data word holding a global-data offset
	FixupStack      FixupKind = 6 // offset into the operand stack
)

func (k FixupKind) String() string {
	switch k {
	case FixupNone:
		return "none"
	case FixupGlobalData:
		return "globaldata"
	case FixupFunction:
		return "function"
	case FixupString:
		return "string"
	case FixupImport:
		return "import"
	case FixupDataData:
		return "datadata"
	case FixupStack:
		return "stack"
	default:
		return fmt.Sprintf("fixup(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the recognised fixup kinds 1..6.
func (k FixupKind) Valid() bool {
	return k >= FixupGlobalData && k <= FixupStack
}

// CodeWord is one word of the code segment together with its fixup tag.
// The code segment is never patched; the tag is interpreted at decode time.
type CodeWord struct {
	Data  int32
	Fixup FixupKind
}

// ExportKind is stored in the top byte of an export's packed address.
type ExportKind uint8

const (
	ExportFunction ExportKind = 1
	ExportData     ExportKind = 2
)

func (k ExportKind) String() string {
	switch k {
	case ExportFunction:
		return "function"
	case ExportData:
		return "data"
	default:
		return fmt.Sprintf("export(%d)", uint8(k))
	}
}

// Export is one entry of the module's export table.
type Export struct {
	Name    string
	Address uint32 // packed: kind in the top byte, offset in the low 24 bits
}

// Kind returns the export kind from the packed address.
func (e Export) Kind() ExportKind {
	return ExportKind(e.Address >> 24)
}

// Offset returns the code offset (functions) or global-data offset (data).
func (e Export) Offset() int32 {
	return int32(e.Address & 0x00FFFFFF)
}

// BaseName returns the export name without its "$N" arity suffix.
func (e Export) BaseName() string {
	base, _, _ := SplitMangled(e.Name, '$')
	return base
}

// Section names the source file that contributed code starting at Offset.
type Section struct {
	Name   string
	Offset int32
}

// Module is an immutable compiled script. It is shared read-only by every
// instance created from it.
type Module struct {
	Name             string
	Version          int32
	GlobalData       []byte
	Code             []CodeWord
	Strings          []byte
	GlobalDataFixups []int32 // byte offsets into GlobalData, ascending
	Imports          []string
	Exports          []Export
	Sections         []Section

	instances atomic.Int32
}

// SplitMangled splits "Name<sep>N" into ("Name", N, true). Names without a
// numeric suffix return (name, 0, false).
func SplitMangled(name string, sep byte) (string, int, bool) {
	i := strings.LastIndexByte(name, sep)
	if i < 0 {
		return name, 0, false
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil || n < 0 {
		return name, 0, false
	}
	return name[:i], n, true
}

// Lookup finds an export whose name is exactly name or name$N for any N.
func (m *Module) Lookup(name string) (Export, bool) {
	for _, ex := range m.Exports {
		if ex.Name == name || ex.BaseName() == name {
			return ex, true
		}
	}
	return Export{}, false
}

// ExportsSymbol reports whether the module exports name, either exactly or
// in its arity-mangled form.
func (m *Module) ExportsSymbol(name string) bool {
	_, ok := m.Lookup(name)
	return ok
}

// SectionAt returns the section containing code offset pc.
func (m *Module) SectionAt(pc int32) (Section, bool) {
	i := sort.Search(len(m.Sections), func(i int) bool {
		return m.Sections[i].Offset > pc
	})
	if i == 0 {
		return Section{}, false
	}
	return m.Sections[i-1], true
}

// IsGlobalDataFixup reports whether the global-data word at offset is
// annotated as a global-data-relative pointer.
func (m *Module) IsGlobalDataFixup(offset int32) bool {
	i := sort.Search(len(m.GlobalDataFixups), func(i int) bool {
		return m.GlobalDataFixups[i] >= offset
	})
	return i < len(m.GlobalDataFixups) && m.GlobalDataFixups[i] == offset
}

// StringAt returns the decoded string literal at byte offset in the string
// segment.
func (m *Module) StringAt(offset int32) (string, error) {
	raw, ok := CString(m.Strings, int(offset))
	if !ok {
		return "", fmt.Errorf("string offset %d outside segment of %d bytes", offset, len(m.Strings))
	}
	return DecodeString(raw)
}

// AddInstance increments the live-instance counter and returns the new count.
func (m *Module) AddInstance() int32 {
	return m.instances.Add(1)
}

// RemoveInstance decrements the live-instance counter and returns the new count.
func (m *Module) RemoveInstance() int32 {
	return m.instances.Add(-1)
}

// Instances returns the number of live instances bound to the module.
func (m *Module) Instances() int32 {
	return m.instances.Load()
}
