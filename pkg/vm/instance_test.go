package vm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/zurustar/agsvm/pkg/opcode"
	"github.com/zurustar/agsvm/pkg/script"
)

// addModule exports Add$2 returning the sum of its two arguments.
func addModule(t *testing.T) *script.Module {
	b := script.NewBuilder()
	b.AddExport("Add$2", script.ExportFunction, b.Here())
	b.Emit(opcode.LoadSPOffs, lit(8))
	b.Emit(opcode.MemRead, reg(opcode.RegAX))
	b.Emit(opcode.LoadSPOffs, lit(12))
	b.Emit(opcode.MemRead, reg(opcode.RegBX))
	b.Emit(opcode.AddReg, reg(opcode.RegAX), reg(opcode.RegBX))
	b.Emit(opcode.Ret)
	return mustModule(t, b)
}

func TestCall_Add(t *testing.T) {
	inst := mustInstance(t, addModule(t), nil)

	v, err := inst.Call(context.Background(), "Add", Int(3), Int(4))
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if v.Kind != KindInteger || v.Value != 7 {
		t.Errorf("Add(3, 4) = %v, want 7", v)
	}
	sp := inst.Register(opcode.RegSP)
	if sp.Kind != KindStackPointer || sp.Value != 8 {
		t.Errorf("stack pointer = %v, want stack+8", sp)
	}
	if inst.PC() != 0 {
		t.Errorf("PC() = %d after return, want 0", inst.PC())
	}

	// the instance is reusable
	v, err = inst.Call(context.Background(), "Add$2", Int(-10), Int(4))
	if err != nil || v.Value != -6 {
		t.Errorf("second call = %v, %v", v, err)
	}
}

// TestProperty_CallConvention tests that the stack is unwound to exactly
// the arguments for every legal argument count.
func TestProperty_CallConvention(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("stack pointer is 4*k after calling a k-argument function", prop.ForAll(
		func(k int) bool {
			b := script.NewBuilder()
			b.AddExport(fmt.Sprintf("F$%d", k), script.ExportFunction, 0)
			b.Emit(opcode.Ret)
			m, err := b.Module()
			if err != nil {
				return false
			}
			inst, err := NewInstance(m, nil)
			if err != nil {
				return false
			}
			defer inst.Free()

			args := make([]RuntimeValue, k)
			for i := range args {
				args[i] = Int(int32(i))
			}
			if _, err := inst.Call(context.Background(), "F", args...); err != nil {
				return false
			}
			sp := inst.Register(opcode.RegSP)
			return sp.Kind == KindStackPointer && sp.Value == int32(4*k)
		},
		gen.IntRange(0, MaxArgs-1),
	))

	properties.Property("arguments are laid out first parameter nearest the return address", prop.ForAll(
		func(k int, pick int) bool {
			if pick >= k {
				pick = k - 1
			}
			b := script.NewBuilder()
			b.AddExport("Arg", script.ExportFunction, 0)
			b.Emit(opcode.LoadSPOffs, lit(int32(8+4*pick)))
			b.Emit(opcode.MemRead, reg(opcode.RegAX))
			b.Emit(opcode.Ret)
			m, err := b.Module()
			if err != nil {
				return false
			}
			inst, err := NewInstance(m, nil)
			if err != nil {
				return false
			}
			defer inst.Free()

			args := make([]RuntimeValue, k)
			for i := range args {
				args[i] = Int(int32(100 + i))
			}
			v, err := inst.Call(context.Background(), "Arg", args...)
			return err == nil && v.Value == int32(100+pick)
		},
		gen.IntRange(1, MaxArgs-1),
		gen.IntRange(0, MaxArgs-2),
	))

	properties.TestingRun(t)
}

func TestCall_SetupErrors(t *testing.T) {
	b := script.NewBuilder()
	b.AddExport("Foo$2", script.ExportFunction, 0)
	b.AddExport("Bar", script.ExportFunction, 0)
	b.AddExport("score", script.ExportData, 0)
	b.AddGlobal(4)
	b.Emit(opcode.Ret)
	inst := mustInstance(t, mustModule(t, b), nil)

	tests := []struct {
		name string
		fn   string
		argc int
		want ErrorType
	}{
		{"too many arguments", "Bar", MaxArgs, ErrorTooManyArguments},
		{"unknown symbol", "Missing", 0, ErrorSymbolNotFound},
		{"base name with wrong arity", "Foo", 3, ErrorArityMismatch},
		{"mangled name with wrong arity", "Foo$2", 3, ErrorArityMismatch},
		{"data export", "score", 0, ErrorNotCallable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := make([]RuntimeValue, tt.argc)
			_, err := inst.Call(context.Background(), tt.fn, args...)
			assertErrorType(t, err, tt.want)

			var re *RuntimeError
			if errors.As(err, &re) && re.Category() != CategoryCallSetup {
				t.Errorf("Category() = %s, want call-setup", re.Category())
			}
		})
	}

	// setup failures leave the instance usable
	if _, err := inst.Call(context.Background(), "Foo", Int(1), Int(2)); err != nil {
		t.Errorf("Call() after setup errors: %v", err)
	}
	if !inst.ExportsSymbol("Foo") || !inst.ExportsSymbol("Foo$2") || inst.ExportsSymbol("Baz") {
		t.Error("ExportsSymbol() gave wrong answers")
	}
}

func TestCall_AlreadyRunning(t *testing.T) {
	l := newTestLinker()
	var inner error
	l.native("Reenter", func(call *NativeCall) (RuntimeValue, error) {
		_, inner = call.Instance().Call(context.Background(), "Outer")
		return Int(1), nil
	})

	b := script.NewBuilder()
	b.AddExport("Outer", script.ExportFunction, 0)
	imp := b.AddImport("Reenter")
	b.Emit(opcode.LitToReg, reg(opcode.RegBX), script.Fix(script.FixupImport, imp))
	b.Emit(opcode.CallExt, reg(opcode.RegBX))
	b.Emit(opcode.Ret)
	inst := mustInstance(t, mustModule(t, b), l)

	v, err := inst.Call(context.Background(), "Outer")
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if v.Value != 1 {
		t.Errorf("ax = %v, want 1", v)
	}
	assertErrorType(t, inner, ErrorAlreadyRunning)
}

func TestCall_AfterFailureNeedsReset(t *testing.T) {
	b := script.NewBuilder()
	b.AddExport("Fail", script.ExportFunction, b.Here())
	b.Emit(opcode.Jump, lit(0))
	b.Words(99)
	b.AddExport("Ok", script.ExportFunction, b.Here())
	b.Emit(opcode.Ret)
	inst := mustInstance(t, mustModule(t, b), nil)

	_, err := inst.Call(context.Background(), "Fail")
	assertErrorType(t, err, ErrorInvalidInstruction)

	_, err = inst.Call(context.Background(), "Ok")
	assertErrorType(t, err, ErrorAlreadyRunning)

	inst.Reset()
	if _, err := inst.Call(context.Background(), "Ok"); err != nil {
		t.Errorf("Call() after Reset: %v", err)
	}
}

// setterModule exports Set$1 (global[0] = arg) with four bytes of globals.
func setterModule(t *testing.T) *script.Module {
	b := script.NewBuilder()
	b.AddGlobal(4)
	b.AddExport("Set$1", script.ExportFunction, 0)
	b.Emit(opcode.LoadSPOffs, lit(8))
	b.Emit(opcode.MemRead, reg(opcode.RegAX))
	b.Emit(opcode.LitToReg, reg(opcode.RegMAR), script.Fix(script.FixupGlobalData, 0))
	b.Emit(opcode.MemWrite, reg(opcode.RegAX))
	b.Emit(opcode.Ret)
	return mustModule(t, b)
}

func TestFork_SharesGlobalData(t *testing.T) {
	m := setterModule(t)
	parent := mustInstance(t, m, nil)
	fork, err := parent.Fork()
	if err != nil {
		t.Fatalf("Fork() error: %v", err)
	}
	t.Cleanup(fork.Free)
	independent := mustInstance(t, m, nil)

	if fork.Flags()&FlagSharedData == 0 {
		t.Error("fork should carry the shared-data flag")
	}
	if parent.Flags()&FlagSharedData != 0 {
		t.Error("parent should own its global data")
	}

	if _, err := fork.Call(context.Background(), "Set", Int(42)); err != nil {
		t.Fatalf("fork.Call() error: %v", err)
	}
	if v, _ := parent.Globals().ReadInt32(0); v != 42 {
		t.Errorf("parent sees %d, want 42", v)
	}
	if v, _ := independent.Globals().ReadInt32(0); v != 0 {
		t.Errorf("independent instance sees %d, want 0", v)
	}

	if _, err := parent.Call(context.Background(), "Set", Int(7)); err != nil {
		t.Fatalf("parent.Call() error: %v", err)
	}
	if v, _ := fork.Globals().ReadInt32(0); v != 7 {
		t.Errorf("fork sees %d, want 7", v)
	}

	if _, err := independent.Call(context.Background(), "Set", Int(-1)); err != nil {
		t.Fatalf("independent.Call() error: %v", err)
	}
	if v, _ := parent.Globals().ReadInt32(0); v != 7 {
		t.Errorf("parent sees %d after independent write, want 7", v)
	}
}

func TestFork_OutlivesParent(t *testing.T) {
	m := setterModule(t)
	parent, err := NewInstance(m, nil)
	if err != nil {
		t.Fatalf("NewInstance() error: %v", err)
	}
	fork, err := parent.Fork()
	if err != nil {
		t.Fatalf("Fork() error: %v", err)
	}
	defer fork.Free()

	parent.Free()
	if fork.Globals() == nil {
		t.Fatal("global data released while a fork still shares it")
	}
	if _, err := fork.Call(context.Background(), "Set", Int(5)); err != nil {
		t.Errorf("fork.Call() after parent Free: %v", err)
	}
	if _, err := parent.Fork(); !IsType(err, ErrorInstanceFreed) {
		t.Errorf("Fork() of freed instance: %v", err)
	}
}

func TestFree(t *testing.T) {
	m := addModule(t)
	inst, err := NewInstance(m, nil)
	if err != nil {
		t.Fatalf("NewInstance() error: %v", err)
	}
	if m.Instances() != 1 {
		t.Errorf("Instances() = %d, want 1", m.Instances())
	}

	inst.Free()
	inst.Free()
	if m.Instances() != 0 {
		t.Errorf("Instances() = %d after Free, want 0", m.Instances())
	}
	if inst.Globals() != nil {
		t.Error("Globals() should be nil after the last sharer is freed")
	}
	_, err = inst.Call(context.Background(), "Add", Int(1), Int(2))
	assertErrorType(t, err, ErrorInstanceFreed)
}

func TestAutoImportExports(t *testing.T) {
	l := newTestLinker()
	m := addModule(t)

	first := mustInstance(t, m, l, WithAutoImportExports(true))
	imp, ok := l.ResolveImport("Add$2")
	if !ok || imp.Kind != ImportScriptFunction || imp.Instance != first {
		t.Fatalf("Add$2 not exported by first instance: %+v, %v", imp, ok)
	}

	// only the first live instance publishes
	second, err := NewInstance(m, l, WithAutoImportExports(true))
	if err != nil {
		t.Fatalf("second NewInstance() error: %v", err)
	}
	second.Free()

	first.Free()
	if _, ok := l.ResolveImport("Add$2"); ok {
		t.Error("exports should be withdrawn when the publishing instance is freed")
	}
}

func TestAbort(t *testing.T) {
	b := script.NewBuilder()
	b.AddExport("Spin", script.ExportFunction, 0)
	b.Emit(opcode.LoopCheckOff)
	b.Emit(opcode.Jump, lit(-2))
	m := mustModule(t, b)

	t.Run("abort flag", func(t *testing.T) {
		inst := mustInstance(t, m, nil)
		go func() {
			time.Sleep(10 * time.Millisecond)
			inst.Abort()
		}()
		_, err := inst.Call(context.Background(), "Spin")
		assertErrorType(t, err, ErrorAbortedByHost)

		var re *RuntimeError
		if errors.As(err, &re) && re.IsFatal() {
			t.Error("aborts are not fatal")
		}
		if inst.Flags()&FlagAborted == 0 {
			t.Error("aborted flag should stay set until Reset")
		}
		inst.Reset()
		if inst.Flags()&FlagAborted != 0 {
			t.Error("Reset should clear the aborted flag")
		}
	})

	t.Run("context deadline", func(t *testing.T) {
		inst := mustInstance(t, m, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := inst.Call(ctx, "Spin")
		assertErrorType(t, err, ErrorAbortedByHost)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("error should wrap the context error: %v", err)
		}
	})

	t.Run("cancelled before start", func(t *testing.T) {
		inst := mustInstance(t, addModule(t), nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := inst.Call(ctx, "Add", Int(1), Int(1))
		assertErrorType(t, err, ErrorAbortedByHost)
	})
}

func TestRunawayLoop(t *testing.T) {
	b := script.NewBuilder()
	b.AddExport("Spin", script.ExportFunction, 0)
	b.Emit(opcode.Jump, lit(-2))
	inst := mustInstance(t, mustModule(t, b), nil, WithMaxLoops(100))

	_, err := inst.Call(context.Background(), "Spin")
	assertErrorType(t, err, ErrorRunawayLoop)
}

func TestNewInstance_Errors(t *testing.T) {
	if _, err := NewInstance(nil, nil); err == nil {
		t.Error("expected error for nil module")
	}
	if _, err := NewInstance(addModule(t), nil, WithStackSize(2)); err == nil {
		t.Error("expected error for tiny stack")
	}
	if _, err := NewInstance(addModule(t), nil, WithAutoImportExports(true)); err == nil {
		t.Error("expected error publishing exports without a linker")
	}
}

func TestInstance_IDsAreUnique(t *testing.T) {
	m := addModule(t)
	a := mustInstance(t, m, nil)
	b := mustInstance(t, m, nil)
	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("IDs %q and %q should be distinct and non-empty", a.ID(), b.ID())
	}
}
