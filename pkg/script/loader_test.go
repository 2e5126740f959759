package script

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/zurustar/agsvm/pkg/opcode"
)

// fixtureBuilder returns a small but complete module exercising every table.
func fixtureBuilder() *Builder {
	b := NewBuilder()
	b.GlobalData = []byte{1, 0, 0, 0, 8, 0, 0, 0, 0xAA, 0xBB, 0xCC, 0xDD}
	hello := b.AddString("hello")
	b.AddString("world")
	display := b.AddImport("Display")
	b.AddImport("player")

	start := b.Emit(opcode.ThisBase, Lit(0))
	b.Emit(opcode.LineNum, Lit(1))
	b.Emit(opcode.LitToReg, Reg(opcode.RegAX), Fix(FixupString, hello))
	b.Emit(opcode.PushReal, Reg(opcode.RegAX))
	b.Emit(opcode.LitToReg, Reg(opcode.RegAX), Fix(FixupImport, display))
	b.Emit(opcode.CallExt, Reg(opcode.RegAX))
	b.Emit(opcode.SubRealStack, Lit(1))
	b.Emit(opcode.LitToReg, Reg(opcode.RegMAR), Fix(FixupGlobalData, 0))
	b.Emit(opcode.Ret)

	// Out of order on purpose: the loader must sort these.
	b.AddFixup(FixupDataData, 4)
	b.AddFixup(FixupDataData, 0)

	b.AddExport("game_start", ExportFunction, start)
	b.AddExport("counter", ExportData, 8)
	b.AddSection("GlobalScript.asc", 0)
	b.AddSection("__Header.ash", 0)
	return b
}

func TestLoad_Fixture(t *testing.T) {
	b := fixtureBuilder()
	m, err := b.Module()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.Version != MaxVersion {
		t.Errorf("Version = %d, want %d", m.Version, MaxVersion)
	}
	if !bytes.Equal(m.GlobalData, b.GlobalData) {
		t.Errorf("GlobalData = %v, want %v", m.GlobalData, b.GlobalData)
	}
	if len(m.Code) != len(b.Code) {
		t.Fatalf("len(Code) = %d, want %d", len(m.Code), len(b.Code))
	}
	for i, w := range b.Code {
		if m.Code[i].Data != w {
			t.Errorf("Code[%d].Data = %d, want %d", i, m.Code[i].Data, w)
		}
	}

	wantFixups := map[int]FixupKind{6: FixupString, 11: FixupImport, 18: FixupGlobalData}
	for i, w := range m.Code {
		if w.Fixup != wantFixups[i] {
			t.Errorf("Code[%d].Fixup = %s, want %s", i, w.Fixup, wantFixups[i])
		}
	}

	if !bytes.Equal(m.Strings, []byte("hello\x00world\x00")) {
		t.Errorf("Strings = %q", m.Strings)
	}
	if !reflect.DeepEqual(m.GlobalDataFixups, []int32{0, 4}) {
		t.Errorf("GlobalDataFixups = %v, want [0 4]", m.GlobalDataFixups)
	}
	if !reflect.DeepEqual(m.Imports, []string{"Display", "player"}) {
		t.Errorf("Imports = %v", m.Imports)
	}
	if len(m.Exports) != 2 {
		t.Fatalf("len(Exports) = %d, want 2", len(m.Exports))
	}
	if m.Exports[0].Name != "game_start" || m.Exports[0].Kind() != ExportFunction || m.Exports[0].Offset() != 0 {
		t.Errorf("Exports[0] = %+v", m.Exports[0])
	}
	if m.Exports[1].Kind() != ExportData || m.Exports[1].Offset() != 8 {
		t.Errorf("Exports[1] = %+v", m.Exports[1])
	}
	if len(m.Sections) != 2 {
		t.Errorf("len(Sections) = %d, want 2", len(m.Sections))
	}
}

func TestLoad_NoSectionsBeforeVersion83(t *testing.T) {
	b := fixtureBuilder()
	b.Version = SectionsVersion - 1
	m, err := b.Module()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Sections) != 0 {
		t.Errorf("expected no sections, got %v", m.Sections)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b *Builder) []byte
		want   LoadErrorType
	}{
		{
			name: "bad magic",
			mutate: func(b *Builder) []byte {
				data := b.Bytes()
				copy(data, "SCOX")
				return data
			},
			want: ErrorMagicMismatch,
		},
		{
			name: "newer version",
			mutate: func(b *Builder) []byte {
				b.Version = MaxVersion + 1
				return b.Bytes()
			},
			want: ErrorVersionUnsupported,
		},
		{
			name: "duplicate fixup",
			mutate: func(b *Builder) []byte {
				b.AddFixup(FixupFunction, 6)
				return b.Bytes()
			},
			want: ErrorDuplicateFixup,
		},
		{
			name: "unknown fixup kind",
			mutate: func(b *Builder) []byte {
				b.AddFixup(FixupKind(7), 1)
				return b.Bytes()
			},
			want: ErrorUnknownFixupKind,
		},
		{
			name: "fixup kind zero",
			mutate: func(b *Builder) []byte {
				b.AddFixup(FixupNone, 1)
				return b.Bytes()
			},
			want: ErrorUnknownFixupKind,
		},
		{
			name: "fixup outside code",
			mutate: func(b *Builder) []byte {
				b.AddFixup(FixupFunction, int32(len(b.Code)))
				return b.Bytes()
			},
			want: ErrorCorruptModule,
		},
		{
			name: "data fixup outside global data",
			mutate: func(b *Builder) []byte {
				b.AddFixup(FixupDataData, int32(len(b.GlobalData)-2))
				return b.Bytes()
			},
			want: ErrorCorruptModule,
		},
		{
			name: "bad end signature",
			mutate: func(b *Builder) []byte {
				data := b.Bytes()
				binary.LittleEndian.PutUint32(data[len(data)-4:], 0xDEADBEEF)
				return data
			},
			want: ErrorCorruptModule,
		},
		{
			name: "truncated",
			mutate: func(b *Builder) []byte {
				data := b.Bytes()
				return data[:len(data)-10]
			},
			want: ErrorCorruptModule,
		},
		{
			name: "negative size",
			mutate: func(b *Builder) []byte {
				data := b.Bytes()
				binary.LittleEndian.PutUint32(data[8:], 0xFFFFFFFF)
				return data
			},
			want: ErrorCorruptModule,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(fixtureBuilder())
			m, err := Load(bytes.NewReader(data))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if m != nil {
				t.Error("failed load must not return a module")
			}
			if !IsLoadError(err, tt.want) {
				t.Errorf("error = %v, want type %s", err, tt.want)
			}
		})
	}
}

func TestLoad_TruncatedWrapsIOError(t *testing.T) {
	data := fixtureBuilder().Bytes()
	_, err := Load(bytes.NewReader(data[:6]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected io.ErrUnexpectedEOF in chain, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "globalscript.o")
	if err := os.WriteFile(path, fixtureBuilder().Bytes(), 0644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	m, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Name != "globalscript.o" {
		t.Errorf("Name = %q", m.Name)
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.o")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestModule_Lookup(t *testing.T) {
	b := NewBuilder()
	b.Emit(opcode.Ret)
	b.AddExport("Add$2", ExportFunction, 0)
	b.AddExport("repeatedly_execute", ExportFunction, 0)
	b.AddExport("score", ExportData, 0)
	m, err := b.Module()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		want bool
	}{
		{"Add", true},
		{"Add$2", true},
		{"repeatedly_execute", true},
		{"score", true},
		{"Ad", false},
		{"add", false},
		{"missing", false},
	}
	for _, tt := range tests {
		if got := m.ExportsSymbol(tt.name); got != tt.want {
			t.Errorf("ExportsSymbol(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestModule_SectionAt(t *testing.T) {
	m := &Module{Sections: []Section{{"a.asc", 0}, {"b.asc", 100}}}
	if s, ok := m.SectionAt(50); !ok || s.Name != "a.asc" {
		t.Errorf("SectionAt(50) = %v, %v", s, ok)
	}
	if s, ok := m.SectionAt(100); !ok || s.Name != "b.asc" {
		t.Errorf("SectionAt(100) = %v, %v", s, ok)
	}
	if _, ok := (&Module{}).SectionAt(0); ok {
		t.Error("empty module should have no sections")
	}
}

func TestSplitMangled(t *testing.T) {
	tests := []struct {
		in    string
		base  string
		n     int
		found bool
	}{
		{"Foo$2", "Foo", 2, true},
		{"Foo", "Foo", 0, false},
		{"Foo$x", "Foo$x", 0, false},
		{"a$b$10", "a$b", 10, true},
	}
	for _, tt := range tests {
		base, n, found := SplitMangled(tt.in, '$')
		if base != tt.base || n != tt.n || found != tt.found {
			t.Errorf("SplitMangled(%q) = %q, %d, %v", tt.in, base, n, found)
		}
	}
}

func TestModule_InstanceCounter(t *testing.T) {
	m := &Module{}
	if m.AddInstance() != 1 || m.AddInstance() != 2 {
		t.Fatal("AddInstance should count up")
	}
	if m.RemoveInstance() != 1 || m.Instances() != 1 {
		t.Error("RemoveInstance should count down")
	}
}
