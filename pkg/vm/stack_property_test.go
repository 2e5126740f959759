package vm

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/zurustar/agsvm/pkg/opcode"
	"github.com/zurustar/agsvm/pkg/script"
)

func newStackInstance(t *testing.T) *Instance {
	b := script.NewBuilder()
	b.Emit(opcode.Ret)
	inst := mustInstance(t, mustModule(t, b), nil)
	inst.resetState()
	return inst
}

// TestProperty_PushPopInverse tests that N pushes followed by N pops give
// the values back in reverse and restore the stack pointer.
func TestProperty_PushPopInverse(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)
	inst := newStackInstance(t)

	properties.Property("pops return pushes in reverse", prop.ForAll(
		func(values []int32, base int) bool {
			inst.registers[opcode.RegSP] = stackPointer(int32(base * 4))
			for _, v := range values {
				if err := inst.push(Int(v)); err != nil {
					return false
				}
			}
			for i := len(values) - 1; i >= 0; i-- {
				got, err := inst.pop()
				if err != nil || got != Int(values[i]) {
					return false
				}
			}
			sp := inst.registers[opcode.RegSP]
			return sp.Kind == KindStackPointer && sp.Value == int32(base*4)
		},
		gen.SliceOf(gen.Int32()),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

func TestStack_Limits(t *testing.T) {
	inst := newStackInstance(t)

	inst.registers[opcode.RegSP] = stackPointer(0)
	_, err := inst.pop()
	assertErrorType(t, err, ErrorStackUnderflow)

	inst.registers[opcode.RegSP] = stackPointer(int32(len(inst.stack) - 4))
	assertErrorType(t, inst.push(Int(1)), ErrorStackOverflow)

	inst.registers[opcode.RegSP] = Int(8)
	assertErrorType(t, inst.push(Int(1)), ErrorStackCorrupted)
}

func TestStack_PushInvalidatesCells(t *testing.T) {
	inst := newStackInstance(t)
	for i := 0; i < 8; i++ {
		inst.stack[i] = Int(7)
	}
	inst.registers[opcode.RegSP] = stackPointer(0)
	if err := inst.push(Int(1)); err != nil {
		t.Fatalf("push() error: %v", err)
	}
	for i := 1; i < 4; i++ {
		if inst.stack[i].Kind != KindInvalid {
			t.Errorf("cell %d = %v after push, want invalid", i, inst.stack[i])
		}
	}
	if inst.stack[4] != Int(7) {
		t.Error("push should only touch its own four cells")
	}
}

func TestFarArgs_Ordering(t *testing.T) {
	inst := newStackInstance(t)
	for _, v := range []int32{3, 2, 1} {
		if err := inst.farPush(Int(v)); err != nil {
			t.Fatalf("farPush() error: %v", err)
		}
	}

	inst.numFuncArgs = 2
	args, err := inst.farArgs()
	if err != nil {
		t.Fatalf("farArgs() error: %v", err)
	}
	if len(args) != 2 || args[0] != Int(1) || args[1] != Int(2) {
		t.Errorf("farArgs() = %v, want [1 2]", args)
	}

	inst.numFuncArgs = 4
	_, err = inst.farArgs()
	assertErrorType(t, err, ErrorStackUnderflow)

	inst.numFuncArgs = -1
	if args, _ := inst.farArgs(); len(args) != 3 {
		t.Errorf("farArgs() without setfuncargs = %v, want all three", args)
	}
}
