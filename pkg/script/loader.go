package script

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// Signature is the magic tag at the start of every compiled script.
	Signature = "SCOM"
	// MaxVersion is the newest format version the VM understands.
	MaxVersion = 90
	// SectionsVersion is the first version that carries a sections table.
	SectionsVersion = 83
	// EndSignature terminates every compiled script.
	EndSignature uint32 = 0xBEEFCAFE

	// maxSegmentSize bounds the sizes read from the header so a corrupt
	// header cannot trigger a huge allocation.
	maxSegmentSize = 64 << 20
	// maxNameLength matches the legacy string reader limit.
	maxNameLength = 300
)

// reader tracks the byte offset for error reporting.
type reader struct {
	r   *bufio.Reader
	off int64
}

func (r *reader) corrupt(err error, what string) *LoadError {
	le := newLoadError(ErrorCorruptModule, r.off, "truncated or unreadable %s", what)
	le.Err = err
	return le
}

func (r *reader) full(buf []byte, what string) error {
	n, err := io.ReadFull(r.r, buf)
	r.off += int64(n)
	if err != nil {
		return r.corrupt(err, what)
	}
	return nil
}

func (r *reader) u32(what string) (uint32, error) {
	var b [4]byte
	if err := r.full(b[:], what); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (r *reader) size(what string) (int, error) {
	at := r.off
	v, err := r.u32(what)
	if err != nil {
		return 0, err
	}
	if int32(v) < 0 || v > maxSegmentSize {
		return 0, newLoadError(ErrorCorruptModule, at, "invalid %s %d", what, int32(v))
	}
	return int(v), nil
}

// name reads a NUL-terminated string as written by the legacy compiler.
func (r *reader) name(what string) (string, error) {
	var sb strings.Builder
	for {
		b, err := r.r.ReadByte()
		if err != nil {
			return "", r.corrupt(err, what)
		}
		r.off++
		if b == 0 {
			return sb.String(), nil
		}
		if sb.Len() >= maxNameLength {
			return "", newLoadError(ErrorCorruptModule, r.off, "%s longer than %d bytes", what, maxNameLength)
		}
		sb.WriteByte(b)
	}
}

// Load parses a compiled script from in. The stream must be positioned at
// the start of the script record. On any error the returned module is nil.
func Load(in io.Reader) (*Module, error) {
	r := &reader{r: bufio.NewReader(in)}
	m := &Module{}

	var magic [4]byte
	if err := r.full(magic[:], "signature"); err != nil {
		return nil, err
	}
	if string(magic[:]) != Signature {
		return nil, newLoadError(ErrorMagicMismatch, 0, "bad signature %q, want %q", string(magic[:]), Signature)
	}

	version, err := r.u32("version")
	if err != nil {
		return nil, err
	}
	if int32(version) > MaxVersion || int32(version) < 0 {
		return nil, newLoadError(ErrorVersionUnsupported, 4, "version %d is newer than supported version %d", int32(version), MaxVersion)
	}
	m.Version = int32(version)

	globalSize, err := r.size("global data size")
	if err != nil {
		return nil, err
	}
	codeSize, err := r.size("code size")
	if err != nil {
		return nil, err
	}
	stringsSize, err := r.size("strings size")
	if err != nil {
		return nil, err
	}

	m.GlobalData = make([]byte, globalSize)
	if err := r.full(m.GlobalData, "global data"); err != nil {
		return nil, err
	}

	raw := make([]byte, codeSize*4)
	if err := r.full(raw, "code"); err != nil {
		return nil, err
	}
	m.Code = make([]CodeWord, codeSize)
	for i := range m.Code {
		m.Code[i].Data = int32(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	m.Strings = make([]byte, stringsSize)
	if err := r.full(m.Strings, "strings"); err != nil {
		return nil, err
	}

	if err := readFixups(r, m); err != nil {
		return nil, err
	}

	numImports, err := r.size("import count")
	if err != nil {
		return nil, err
	}
	m.Imports = make([]string, numImports)
	for i := range m.Imports {
		if m.Imports[i], err = r.name("import name"); err != nil {
			return nil, err
		}
	}

	numExports, err := r.size("export count")
	if err != nil {
		return nil, err
	}
	m.Exports = make([]Export, numExports)
	for i := range m.Exports {
		if m.Exports[i].Name, err = r.name("export name"); err != nil {
			return nil, err
		}
		if m.Exports[i].Address, err = r.u32("export address"); err != nil {
			return nil, err
		}
	}

	if m.Version >= SectionsVersion {
		numSections, err := r.size("section count")
		if err != nil {
			return nil, err
		}
		m.Sections = make([]Section, numSections)
		for i := range m.Sections {
			if m.Sections[i].Name, err = r.name("section name"); err != nil {
				return nil, err
			}
			off, err := r.u32("section offset")
			if err != nil {
				return nil, err
			}
			m.Sections[i].Offset = int32(off)
		}
		sort.SliceStable(m.Sections, func(i, j int) bool {
			return m.Sections[i].Offset < m.Sections[j].Offset
		})
	}

	at := r.off
	sig, err := r.u32("end signature")
	if err != nil {
		return nil, err
	}
	if sig != EndSignature {
		return nil, newLoadError(ErrorCorruptModule, at, "bad end signature 0x%08X, want 0x%08X", sig, EndSignature)
	}

	return m, nil
}

func readFixups(r *reader, m *Module) error {
	count, err := r.size("fixup count")
	if err != nil {
		return err
	}
	kinds := make([]byte, count)
	if err := r.full(kinds, "fixup kinds"); err != nil {
		return err
	}
	targets := make([]int32, count)
	for i := range targets {
		v, err := r.u32("fixup target")
		if err != nil {
			return err
		}
		targets[i] = int32(v)
	}

	for i, k := range kinds {
		kind := FixupKind(k)
		target := targets[i]
		if !kind.Valid() {
			return newLoadError(ErrorUnknownFixupKind, -1, "fixup %d has unknown kind %d", i, k)
		}
		if kind == FixupDataData {
			if target < 0 || int(target)+4 > len(m.GlobalData) {
				return newLoadError(ErrorCorruptModule, -1, "data fixup %d targets offset %d outside %d bytes of global data", i, target, len(m.GlobalData))
			}
			m.GlobalDataFixups = append(m.GlobalDataFixups, target)
			continue
		}
		if target < 0 || int(target) >= len(m.Code) {
			return newLoadError(ErrorCorruptModule, -1, "fixup %d targets code word %d outside %d words", i, target, len(m.Code))
		}
		if m.Code[target].Fixup != FixupNone {
			return newLoadError(ErrorDuplicateFixup, -1, "code word %d already has a %s fixup, cannot add %s", target, m.Code[target].Fixup, kind)
		}
		m.Code[target].Fixup = kind
	}

	sort.Slice(m.GlobalDataFixups, func(i, j int) bool {
		return m.GlobalDataFixups[i] < m.GlobalDataFixups[j]
	})
	return nil
}

// LoadFile opens path and loads the module it contains. The module is
// named after the file.
func LoadFile(path string) (*Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := Load(f)
	if err != nil {
		return nil, err
	}
	m.Name = filepath.Base(path)
	return m, nil
}
