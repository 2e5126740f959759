package script

import (
	"bytes"
	"encoding/binary"

	"github.com/zurustar/agsvm/pkg/opcode"
)

// Fixup is a raw entry of the fixup table.
type Fixup struct {
	Kind   FixupKind
	Target int32
}

// Arg is one operand passed to Builder.Emit.
type Arg struct {
	Value int32
	Fixup FixupKind
}

// Lit returns a plain literal operand.
func Lit(v int32) Arg { return Arg{Value: v} }

// Reg returns a register operand.
func Reg(r int32) Arg { return Arg{Value: r} }

// Fix returns an operand annotated with a fixup.
func Fix(kind FixupKind, v int32) Arg { return Arg{Value: v, Fixup: kind} }

// Builder assembles modules in the on-disk format. It is used by tests and
// tools that need real module bytes without the legacy compiler.
type Builder struct {
	Version    int32
	GlobalData []byte
	Code       []int32
	Strings    []byte
	Fixups     []Fixup
	Imports    []string
	Exports    []Export
	Sections   []Section
}

// NewBuilder returns a builder for the newest supported format version.
func NewBuilder() *Builder {
	return &Builder{Version: MaxVersion}
}

// Here returns the code offset of the next emitted word.
func (b *Builder) Here() int32 {
	return int32(len(b.Code))
}

// Emit appends an instruction and records fixups for annotated operands.
// It returns the code offset of the opcode word.
func (b *Builder) Emit(code opcode.Code, args ...Arg) int32 {
	at := b.Here()
	b.Code = append(b.Code, int32(code))
	for _, a := range args {
		if a.Fixup != FixupNone {
			b.Fixups = append(b.Fixups, Fixup{Kind: a.Fixup, Target: b.Here()})
		}
		b.Code = append(b.Code, a.Value)
	}
	return at
}

// Words appends raw code words.
func (b *Builder) Words(words ...int32) {
	b.Code = append(b.Code, words...)
}

// AddFixup appends a raw fixup table entry.
func (b *Builder) AddFixup(kind FixupKind, target int32) {
	b.Fixups = append(b.Fixups, Fixup{Kind: kind, Target: target})
}

// AddString appends a NUL-terminated literal and returns its offset.
func (b *Builder) AddString(s string) int32 {
	at := int32(len(b.Strings))
	b.Strings = append(b.Strings, EncodeString(s)...)
	b.Strings = append(b.Strings, 0)
	return at
}

// AddGlobal appends size zero bytes of global data and returns their offset.
func (b *Builder) AddGlobal(size int) int32 {
	at := int32(len(b.GlobalData))
	b.GlobalData = append(b.GlobalData, make([]byte, size)...)
	return at
}

// AddImport appends an import name and returns its index.
func (b *Builder) AddImport(name string) int32 {
	b.Imports = append(b.Imports, name)
	return int32(len(b.Imports) - 1)
}

// AddExport appends an export entry.
func (b *Builder) AddExport(name string, kind ExportKind, offset int32) {
	b.Exports = append(b.Exports, Export{
		Name:    name,
		Address: uint32(kind)<<24 | uint32(offset)&0x00FFFFFF,
	})
}

// AddSection appends a section entry.
func (b *Builder) AddSection(name string, offset int32) {
	b.Sections = append(b.Sections, Section{Name: name, Offset: offset})
}

// Bytes serialises the module.
func (b *Builder) Bytes() []byte {
	var buf bytes.Buffer
	u32 := func(v uint32) {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	name := func(s string) {
		buf.WriteString(s)
		buf.WriteByte(0)
	}

	buf.WriteString(Signature)
	u32(uint32(b.Version))
	u32(uint32(len(b.GlobalData)))
	u32(uint32(len(b.Code)))
	u32(uint32(len(b.Strings)))
	buf.Write(b.GlobalData)
	for _, w := range b.Code {
		u32(uint32(w))
	}
	buf.Write(b.Strings)

	u32(uint32(len(b.Fixups)))
	for _, f := range b.Fixups {
		buf.WriteByte(byte(f.Kind))
	}
	for _, f := range b.Fixups {
		u32(uint32(f.Target))
	}

	u32(uint32(len(b.Imports)))
	for _, s := range b.Imports {
		name(s)
	}
	u32(uint32(len(b.Exports)))
	for _, e := range b.Exports {
		name(e.Name)
		u32(e.Address)
	}
	if b.Version >= SectionsVersion {
		u32(uint32(len(b.Sections)))
		for _, s := range b.Sections {
			name(s.Name)
			u32(uint32(s.Offset))
		}
	}
	u32(EndSignature)
	return buf.Bytes()
}

// Module serialises and loads the module.
func (b *Builder) Module() (*Module, error) {
	return Load(bytes.NewReader(b.Bytes()))
}
