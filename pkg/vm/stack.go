package vm

import (
	"github.com/zurustar/agsvm/pkg/opcode"
)

// push stores v at the stack pointer, invalidates the three cells a dword
// spans and advances the stack pointer by 4.
func (inst *Instance) push(v RuntimeValue) error {
	sp := inst.registers[opcode.RegSP]
	if sp.Kind != KindStackPointer {
		return inst.fail(ErrorStackCorrupted, "push with stack pointer holding %s", sp.Kind)
	}
	if sp.Value < 0 || int(sp.Value)+4 >= len(inst.stack) {
		return inst.fail(ErrorStackOverflow, "push at offset %d exceeds stack of %d cells", sp.Value, len(inst.stack))
	}
	inst.stack[sp.Value] = v
	for i := sp.Value + 1; i < sp.Value+4; i++ {
		inst.stack[i] = RuntimeValue{}
	}
	inst.registers[opcode.RegSP] = stackPointer(sp.Value + 4)
	return nil
}

// pop moves the stack pointer back by 4 and returns the cell it now points at.
func (inst *Instance) pop() (RuntimeValue, error) {
	sp := inst.registers[opcode.RegSP]
	if sp.Kind != KindStackPointer {
		return RuntimeValue{}, inst.fail(ErrorStackCorrupted, "pop with stack pointer holding %s", sp.Kind)
	}
	if sp.Value < 4 {
		return RuntimeValue{}, inst.fail(ErrorStackUnderflow, "pop at offset %d", sp.Value)
	}
	sp.Value -= 4
	inst.registers[opcode.RegSP] = sp
	return inst.stack[sp.Value], nil
}

// popInt pops a value that must be an Integer, such as a return address.
func (inst *Instance) popInt() (int32, error) {
	v, err := inst.pop()
	if err != nil {
		return 0, err
	}
	if v.Kind != KindInteger {
		return 0, inst.fail(ErrorTypeMismatch, "popped %s where an integer was required", v.Kind)
	}
	return v.Value, nil
}

// checkStackPointer enforces the stack pointer invariant between
// instructions.
func (inst *Instance) checkStackPointer() error {
	sp := inst.registers[opcode.RegSP]
	if sp.Kind != KindStackPointer {
		return inst.fail(ErrorStackCorrupted, "stack pointer holds %s", sp.Kind)
	}
	if sp.Value%4 != 0 {
		return inst.fail(ErrorStackCorrupted, "stack pointer %d is not a multiple of 4", sp.Value)
	}
	if sp.Value < 4 || int(sp.Value) >= len(inst.stack) {
		return inst.fail(ErrorStackCorrupted, "stack pointer %d outside [4, %d)", sp.Value, len(inst.stack))
	}
	return nil
}

// farPush appends an argument for the next far call.
func (inst *Instance) farPush(v RuntimeValue) error {
	if len(inst.farStack) >= MaxFarArgs {
		return inst.fail(ErrorStackOverflow, "far-call argument stack exceeds %d entries", MaxFarArgs)
	}
	inst.farStack = append(inst.farStack, v)
	return nil
}

// farDrop removes n entries from the far-call argument stack.
func (inst *Instance) farDrop(n int32) error {
	if n < 0 || int(n) > len(inst.farStack) {
		return inst.fail(ErrorStackUnderflow, "drop %d of %d far-call arguments", n, len(inst.farStack))
	}
	inst.farStack = inst.farStack[:len(inst.farStack)-int(n)]
	return nil
}

// farArgs returns the arguments of the pending far call, first parameter
// first. Arguments are pushed last to first, so the first parameter is
// the most recent entry.
func (inst *Instance) farArgs() ([]RuntimeValue, error) {
	n := len(inst.farStack)
	if inst.numFuncArgs >= 0 {
		if int(inst.numFuncArgs) > n {
			return nil, inst.fail(ErrorStackUnderflow, "far call wants %d arguments, %d pushed", inst.numFuncArgs, n)
		}
		n = int(inst.numFuncArgs)
	}
	args := make([]RuntimeValue, n)
	for i := range args {
		args[i] = inst.farStack[len(inst.farStack)-1-i]
	}
	return args, nil
}
