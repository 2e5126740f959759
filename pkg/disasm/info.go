package disasm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/zurustar/agsvm/pkg/script"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("disasm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ExportInfo describes one export.
type ExportInfo struct {
	Name   string `json:"name" cbor:"1,keyasint"`
	Kind   string `json:"kind" cbor:"2,keyasint"`
	Offset int32  `json:"offset" cbor:"3,keyasint"`
}

// SectionInfo describes one source section.
type SectionInfo struct {
	Name   string `json:"name" cbor:"1,keyasint"`
	Offset int32  `json:"offset" cbor:"2,keyasint"`
}

// Info summarises a module.
type Info struct {
	Name           string         `json:"name" cbor:"1,keyasint"`
	Version        int32          `json:"version" cbor:"2,keyasint"`
	GlobalDataSize int            `json:"globalDataSize" cbor:"3,keyasint"`
	CodeWords      int            `json:"codeWords" cbor:"4,keyasint"`
	StringsSize    int            `json:"stringsSize" cbor:"5,keyasint"`
	Instructions   int            `json:"instructions" cbor:"6,keyasint"`
	InvalidWords   int            `json:"invalidWords,omitempty" cbor:"7,keyasint,omitempty"`
	Fixups         map[string]int `json:"fixups,omitempty" cbor:"8,keyasint,omitempty"`
	Imports        []string       `json:"imports,omitempty" cbor:"9,keyasint,omitempty"`
	Exports        []ExportInfo   `json:"exports,omitempty" cbor:"10,keyasint,omitempty"`
	Sections       []SectionInfo  `json:"sections,omitempty" cbor:"11,keyasint,omitempty"`
}

// Summarize collects the Info of m.
func Summarize(m *script.Module) *Info {
	info := &Info{
		Name:           m.Name,
		Version:        m.Version,
		GlobalDataSize: len(m.GlobalData),
		CodeWords:      len(m.Code),
		StringsSize:    len(m.Strings),
		Imports:        slices.Clone(m.Imports),
		Fixups:         make(map[string]int),
	}
	for _, w := range m.Code {
		if w.Fixup != script.FixupNone {
			info.Fixups[w.Fixup.String()]++
		}
	}
	if n := len(m.GlobalDataFixups); n > 0 {
		info.Fixups[script.FixupDataData.String()] = n
	}
	for _, line := range Disassemble(m) {
		if line.Invalid {
			info.InvalidWords++
		} else {
			info.Instructions++
		}
	}
	for _, ex := range m.Exports {
		info.Exports = append(info.Exports, ExportInfo{Name: ex.Name, Kind: ex.Kind().String(), Offset: ex.Offset()})
	}
	for _, s := range m.Sections {
		info.Sections = append(info.Sections, SectionInfo(s))
	}
	return info
}

// MarshalInfo renders info as "text", "json" or canonical "cbor".
func MarshalInfo(info *Info, format string) ([]byte, error) {
	switch format {
	case "", "text":
		return marshalText(info), nil
	case "json":
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("disasm: marshal info: %w", err)
		}
		return append(data, '\n'), nil
	case "cbor":
		data, err := cborEncMode.Marshal(info)
		if err != nil {
			return nil, fmt.Errorf("disasm: marshal info: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("disasm: unknown info format %q (want text, json or cbor)", format)
	}
}

// UnmarshalInfo decodes a CBOR summary.
func UnmarshalInfo(data []byte) (*Info, error) {
	var info Info
	if err := cbor.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("disasm: unmarshal info: %w", err)
	}
	return &info, nil
}

func marshalText(info *Info) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "module:       %s\n", info.Name)
	fmt.Fprintf(&b, "version:      %d\n", info.Version)
	fmt.Fprintf(&b, "global data:  %d bytes\n", info.GlobalDataSize)
	fmt.Fprintf(&b, "code:         %d words, %d instructions\n", info.CodeWords, info.Instructions)
	if info.InvalidWords > 0 {
		fmt.Fprintf(&b, "invalid:      %d words\n", info.InvalidWords)
	}
	fmt.Fprintf(&b, "strings:      %d bytes\n", info.StringsSize)

	kinds := make([]string, 0, len(info.Fixups))
	for k := range info.Fixups {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&b, "fixups %-7s%d\n", k+":", info.Fixups[k])
	}
	for _, name := range info.Imports {
		fmt.Fprintf(&b, "import        %s\n", name)
	}
	for _, ex := range info.Exports {
		fmt.Fprintf(&b, "export        %s (%s @%d)\n", ex.Name, ex.Kind, ex.Offset)
	}
	for _, s := range info.Sections {
		fmt.Fprintf(&b, "section       %s @%d\n", s.Name, s.Offset)
	}
	return b.Bytes()
}
