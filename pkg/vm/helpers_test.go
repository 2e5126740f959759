package vm

import (
	"context"
	"fmt"
	"testing"

	"github.com/zurustar/agsvm/pkg/opcode"
	"github.com/zurustar/agsvm/pkg/script"
)

// testLinker is a map-backed Linker.
type testLinker struct {
	symbols map[string]Import
}

func newTestLinker() *testLinker {
	return &testLinker{symbols: make(map[string]Import)}
}

func (l *testLinker) ResolveImport(name string) (Import, bool) {
	imp, ok := l.symbols[name]
	return imp, ok
}

func (l *testLinker) Export(name string, imp Import) error {
	if _, ok := l.symbols[name]; ok {
		return fmt.Errorf("symbol %q already exported", name)
	}
	l.symbols[name] = imp
	return nil
}

func (l *testLinker) Unexport(name string, owner *Instance) {
	if imp, ok := l.symbols[name]; ok && imp.Instance == owner {
		delete(l.symbols, name)
	}
}

func (l *testLinker) native(name string, fn NativeFunc) {
	l.symbols[name] = Import{Name: name, Kind: ImportNative, Native: fn}
}

func mustModule(t *testing.T, b *script.Builder) *script.Module {
	t.Helper()
	m, err := b.Module()
	if err != nil {
		t.Fatalf("failed to build module: %v", err)
	}
	return m
}

func mustInstance(t *testing.T, m *script.Module, l Linker, opts ...Option) *Instance {
	t.Helper()
	inst, err := NewInstance(m, l, opts...)
	if err != nil {
		t.Fatalf("NewInstance() error: %v", err)
	}
	t.Cleanup(inst.Free)
	return inst
}

// runBody builds a module exporting "f" at offset 0 with the given body and
// calls it once.
func runBody(t *testing.T, l Linker, body func(b *script.Builder), args ...RuntimeValue) (RuntimeValue, *Instance, error) {
	t.Helper()
	b := script.NewBuilder()
	b.AddExport("f", script.ExportFunction, 0)
	body(b)
	inst := mustInstance(t, mustModule(t, b), l)
	v, err := inst.Call(context.Background(), "f", args...)
	return v, inst, err
}

func reg(r int32) script.Arg { return script.Reg(r) }
func lit(v int32) script.Arg { return script.Lit(v) }

// movl emits "movl reg, lit".
func movl(b *script.Builder, r int32, v int32) {
	b.Emit(opcode.LitToReg, reg(r), lit(v))
}

func assertErrorType(t *testing.T, err error, want ErrorType) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if !IsType(err, want) {
		t.Fatalf("expected %s error, got %v", want, err)
	}
}
