package vm

import (
	"github.com/zurustar/agsvm/pkg/script"
)

// fixupValue turns a code word into a tagged value according to its fixup.
func (inst *Instance) fixupValue(w script.CodeWord) RuntimeValue {
	switch w.Fixup {
	case script.FixupGlobalData, script.FixupDataData:
		return RuntimeValue{Kind: KindGlobalDataRef, Value: w.Data, block: inst.globals.block}
	case script.FixupFunction:
		return RuntimeValue{Kind: KindFunctionRef, Value: w.Data, inst: inst}
	case script.FixupString:
		return RuntimeValue{Kind: KindStringRef, Value: w.Data}
	case script.FixupImport:
		return RuntimeValue{Kind: KindImportRef, Value: w.Data}
	case script.FixupStack:
		return stackPointer(w.Data)
	default:
		return Int(w.Data)
	}
}

// resolveImport looks up import idx through the linker, caching the result.
func (inst *Instance) resolveImport(idx int32) (Import, error) {
	if idx < 0 || int(idx) >= len(inst.imports) {
		return Import{}, inst.fail(ErrorUnresolvedImport, "import index %d outside table of %d", idx, len(inst.imports))
	}
	if inst.resolved[idx] {
		return inst.imports[idx], nil
	}
	name := inst.module.Imports[idx]
	if inst.linker == nil {
		return Import{}, inst.fail(ErrorUnresolvedImport, "import %q: no linker", name)
	}
	imp, ok := inst.linker.ResolveImport(name)
	if !ok {
		return Import{}, inst.fail(ErrorUnresolvedImport, "import %q is not registered", name)
	}
	if (imp.Kind == ImportScriptFunction || imp.Kind == ImportScriptData) && imp.Instance == nil {
		return Import{}, inst.fail(ErrorUnresolvedImport, "import %q has no owning instance", name)
	}
	inst.imports[idx] = imp
	inst.resolved[idx] = true
	inst.log.Debug("Resolved import", "module", inst.module.Name, "import", name, "kind", imp.Kind.String())
	return imp, nil
}

// importValue replaces an ImportRef with the value it designates. Natives
// stay ImportRef since they are only meaningful to a far call.
func (inst *Instance) importValue(v RuntimeValue) (RuntimeValue, error) {
	if v.Kind != KindImportRef {
		return v, nil
	}
	imp, err := inst.resolveImport(v.Value)
	if err != nil {
		return RuntimeValue{}, err
	}
	switch imp.Kind {
	case ImportObject:
		return ObjectValue(imp.Object), nil
	case ImportScriptData:
		if imp.Instance.globals.block == nil {
			return RuntimeValue{}, inst.fail(ErrorInstanceFreed, "import %q refers to freed global data", imp.Name)
		}
		return RuntimeValue{Kind: KindGlobalDataRef, Value: imp.Offset, block: imp.Instance.globals.block}, nil
	case ImportScriptFunction:
		return RuntimeValue{Kind: KindFunctionRef, Value: imp.Offset, inst: imp.Instance}, nil
	default:
		return v, nil
	}
}

// offset moves a pointer or adds to an integer.
func (inst *Instance) offset(v RuntimeValue, delta int32) (RuntimeValue, error) {
	v, err := inst.importValue(v)
	if err != nil {
		return RuntimeValue{}, err
	}
	switch {
	case v.Kind == KindInteger, v.Kind.IsPointer() && v.Kind != KindImportRef:
		v.Value += delta
		return v, nil
	case v.Kind == KindFloat:
		return Int(v.Value + delta), nil
	default:
		return RuntimeValue{}, inst.fail(ErrorTypeMismatch, "cannot offset %s", v.Kind)
	}
}

func (inst *Instance) addValues(a, b RuntimeValue) (RuntimeValue, error) {
	if a.Kind.IsNumeric() && b.Kind.IsNumeric() {
		return Int(a.Value + b.Value), nil
	}
	if b.Kind.IsNumeric() {
		return inst.offset(a, b.Value)
	}
	if a.Kind.IsNumeric() {
		return inst.offset(b, a.Value)
	}
	return RuntimeValue{}, inst.fail(ErrorTypeMismatch, "cannot add %s and %s", a.Kind, b.Kind)
}

func (inst *Instance) subValues(a, b RuntimeValue) (RuntimeValue, error) {
	if a.Kind.IsNumeric() && b.Kind.IsNumeric() {
		return Int(a.Value - b.Value), nil
	}
	if b.Kind.IsNumeric() {
		return inst.offset(a, -b.Value)
	}
	a, err := inst.importValue(a)
	if err != nil {
		return RuntimeValue{}, err
	}
	b, err = inst.importValue(b)
	if err != nil {
		return RuntimeValue{}, err
	}
	if a.Kind.IsPointer() && a.sameBase(b) {
		return Int(a.Value - b.Value), nil
	}
	return RuntimeValue{}, inst.fail(ErrorTypeMismatch, "cannot subtract %s from %s", b.Kind, a.Kind)
}

// address resolves v for a memory access.
func (inst *Instance) address(v RuntimeValue) (RuntimeValue, error) {
	v, err := inst.importValue(v)
	if err != nil {
		return RuntimeValue{}, err
	}
	switch v.Kind {
	case KindStackPointer, KindStringRef:
		return v, nil
	case KindGlobalDataRef, KindObjectRef:
		if v.block == nil {
			return RuntimeValue{}, inst.fail(ErrorMemoryAccess, "%s has no backing memory", v.Kind)
		}
		return v, nil
	case KindInteger:
		if v.Value == 0 {
			return RuntimeValue{}, inst.fail(ErrorNullPointer, "null pointer dereferenced")
		}
	}
	return RuntimeValue{}, inst.fail(ErrorMemoryAccess, "%s is not an address", v)
}

func (inst *Instance) stackCell(off int32, size int) error {
	if off < 0 || int(off)+size > len(inst.stack) {
		return inst.fail(ErrorMemoryAccess, "stack access of %d bytes at %d outside %d cells", size, off, len(inst.stack))
	}
	return nil
}

// load reads size bytes (1, 2 or 4) at addr. Dword reads keep pointer tags.
func (inst *Instance) load(addr RuntimeValue, size int) (RuntimeValue, error) {
	addr, err := inst.address(addr)
	if err != nil {
		return RuntimeValue{}, err
	}
	switch addr.Kind {
	case KindStackPointer:
		if err := inst.stackCell(addr.Value, size); err != nil {
			return RuntimeValue{}, err
		}
		cell := inst.stack[addr.Value]
		if size == 4 {
			return cell, nil
		}
		switch {
		case cell.Kind == KindInvalid:
			return Int(0), nil
		case !cell.Kind.IsNumeric():
			return RuntimeValue{}, inst.fail(ErrorTypeMismatch, "%d-byte read of %s stack cell", size, cell.Kind)
		case size == 1:
			return Int(int32(uint8(cell.Value))), nil
		default:
			return Int(int32(int16(cell.Value))), nil
		}
	case KindStringRef:
		segment := &Block{data: inst.module.Strings, kind: ObjectHost}
		v, err := segment.readSized(addr.Value, size)
		if err != nil {
			return RuntimeValue{}, inst.wrap(ErrorMemoryAccess, err, "string segment read")
		}
		return Int(v), nil
	default:
		if size == 4 {
			v, err := addr.block.Value(addr.Value)
			if err != nil {
				return RuntimeValue{}, inst.wrap(ErrorMemoryAccess, err, "read")
			}
			return v, nil
		}
		v, err := addr.block.readSized(addr.Value, size)
		if err != nil {
			return RuntimeValue{}, inst.wrap(ErrorMemoryAccess, err, "read")
		}
		return Int(v), nil
	}
}

// store writes v as size bytes at addr. Only dword stores keep pointer tags.
func (inst *Instance) store(addr RuntimeValue, size int, v RuntimeValue) error {
	addr, err := inst.address(addr)
	if err != nil {
		return err
	}
	if size != 4 && !v.Kind.IsNumeric() {
		return inst.fail(ErrorTypeMismatch, "%d-byte write of %s", size, v.Kind)
	}
	switch addr.Kind {
	case KindStackPointer:
		if err := inst.stackCell(addr.Value, size); err != nil {
			return err
		}
		switch size {
		case 1:
			inst.stack[addr.Value] = Int(int32(uint8(v.Value)))
		case 2:
			inst.stack[addr.Value] = Int(int32(int16(v.Value)))
			inst.stack[addr.Value+1] = RuntimeValue{}
		default:
			inst.stack[addr.Value] = v
			for i := addr.Value + 1; i < addr.Value+4; i++ {
				inst.stack[i] = RuntimeValue{}
			}
		}
		return nil
	case KindStringRef:
		return inst.fail(ErrorMemoryAccess, "write to read-only string segment at %d", addr.Value)
	default:
		if size == 4 {
			err = addr.block.SetValue(addr.Value, v)
		} else {
			err = addr.block.writeSized(addr.Value, size, v.Value)
		}
		if err != nil {
			return inst.wrap(ErrorMemoryAccess, err, "write")
		}
		return nil
	}
}

// zero clears n bytes at addr.
func (inst *Instance) zero(addr RuntimeValue, n int32) error {
	addr, err := inst.address(addr)
	if err != nil {
		return err
	}
	if n < 0 {
		return inst.fail(ErrorMemoryAccess, "zero %d bytes", n)
	}
	switch addr.Kind {
	case KindStackPointer:
		if err := inst.stackCell(addr.Value, int(n)); err != nil {
			return err
		}
		for i := addr.Value; i < addr.Value+n; i++ {
			inst.stack[i] = Int(0)
		}
		return nil
	case KindStringRef:
		return inst.fail(ErrorMemoryAccess, "zero read-only string segment at %d", addr.Value)
	default:
		if err := addr.block.Zero(addr.Value, int(n)); err != nil {
			return inst.wrap(ErrorMemoryAccess, err, "zero")
		}
		return nil
	}
}

// cString reads the NUL-terminated bytes v points at.
func (inst *Instance) cString(v RuntimeValue) ([]byte, error) {
	addr, err := inst.address(v)
	if err != nil {
		return nil, err
	}
	switch addr.Kind {
	case KindStackPointer:
		if err := inst.stackCell(addr.Value, 1); err != nil {
			return nil, err
		}
		var out []byte
		for i := int(addr.Value); i < len(inst.stack); i++ {
			c := inst.stack[i]
			if !c.Kind.IsNumeric() || uint8(c.Value) == 0 {
				break
			}
			out = append(out, uint8(c.Value))
		}
		return out, nil
	case KindStringRef:
		raw, ok := script.CString(inst.module.Strings, int(addr.Value))
		if !ok {
			return nil, inst.fail(ErrorMemoryAccess, "string offset %d outside segment", addr.Value)
		}
		return raw, nil
	default:
		raw, err := addr.block.CString(addr.Value)
		if err != nil {
			return nil, inst.wrap(ErrorMemoryAccess, err, "string read")
		}
		return raw, nil
	}
}
