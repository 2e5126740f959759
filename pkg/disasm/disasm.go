// Package disasm renders compiled script modules as readable instruction
// listings, driven by the opcode table.
package disasm

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/zurustar/agsvm/pkg/opcode"
	"github.com/zurustar/agsvm/pkg/script"
)

// Line is one decoded instruction, or a raw word that does not decode.
type Line struct {
	Offset   int32
	Code     opcode.Code
	Mnemonic string
	Operands []string
	// Label holds the names of the exports and sections that start here.
	Label []string
	// Invalid is set for words that are not a valid instruction.
	Invalid bool
}

func (l Line) String() string {
	if len(l.Operands) == 0 {
		return fmt.Sprintf("%6d: %s", l.Offset, l.Mnemonic)
	}
	return fmt.Sprintf("%6d: %-14s %s", l.Offset, l.Mnemonic, strings.Join(l.Operands, ", "))
}

// Disassemble decodes the whole code segment of m.
func Disassemble(m *script.Module) []Line {
	labels := make(map[int32][]string)
	for _, s := range m.Sections {
		labels[s.Offset] = append(labels[s.Offset], "section "+s.Name)
	}
	for _, ex := range m.Exports {
		if ex.Kind() == script.ExportFunction {
			labels[ex.Offset()] = append(labels[ex.Offset()], ex.Name)
		}
	}

	var lines []Line
	for pc := int32(0); int(pc) < len(m.Code); {
		line, width := decode(m, pc)
		line.Label = labels[pc]
		lines = append(lines, line)
		pc += int32(width)
	}
	return lines
}

func decode(m *script.Module, pc int32) (Line, int) {
	w := m.Code[pc]
	raw := Line{Offset: pc, Mnemonic: ".word", Operands: []string{strconv.Itoa(int(w.Data))}, Invalid: true}
	if w.Fixup != script.FixupNone {
		return raw, 1
	}
	code := opcode.Code(w.Data)
	info, ok := opcode.Lookup(code)
	if !ok || int(pc)+info.Width() > len(m.Code) {
		return raw, 1
	}

	line := Line{Offset: pc, Code: code, Mnemonic: info.Name}
	for i := 0; i < info.Arity; i++ {
		line.Operands = append(line.Operands, operand(m, info.Operands[i], m.Code[int(pc)+1+i]))
	}
	return line, info.Width()
}

func operand(m *script.Module, class opcode.Operand, w script.CodeWord) string {
	if class.IsRegister() {
		return opcode.RegisterName(w.Data)
	}
	switch w.Fixup {
	case script.FixupGlobalData:
		return fmt.Sprintf("@global+%d", w.Data)
	case script.FixupFunction:
		return fmt.Sprintf("@func:%d", w.Data)
	case script.FixupString:
		s, err := m.StringAt(w.Data)
		if err != nil {
			return fmt.Sprintf("@string+%d", w.Data)
		}
		return strconv.Quote(s)
	case script.FixupImport:
		if w.Data >= 0 && int(w.Data) < len(m.Imports) {
			return "import:" + m.Imports[w.Data]
		}
		return fmt.Sprintf("import:#%d", w.Data)
	case script.FixupStack:
		return fmt.Sprintf("@stack+%d", w.Data)
	case script.FixupNone:
		return strconv.Itoa(int(w.Data))
	default:
		return fmt.Sprintf("%s:%d", w.Fixup, w.Data)
	}
}

// Write prints the listing of m to w, with labels on their own lines.
func Write(w io.Writer, m *script.Module) error {
	for _, line := range Disassemble(m) {
		for _, label := range line.Label {
			if _, err := fmt.Fprintf(w, "%s:\n", label); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w, line.String()); err != nil {
			return err
		}
	}
	return nil
}
