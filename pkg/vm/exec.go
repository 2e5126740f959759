package vm

import (
	"bytes"
	"context"

	"github.com/zurustar/agsvm/pkg/opcode"
	"github.com/zurustar/agsvm/pkg/script"
)

// ctxCheckInterval is how many instructions run between context polls.
const ctxCheckInterval = 256

// operands holds one decoded instruction's operands. For register operands
// reg is the index and val its contents; otherwise val is the decoded word.
type operands struct {
	val [opcode.MaxOperands]RuntimeValue
	reg [opcode.MaxOperands]int32
}

// runCodeFrom executes from start until a ret pops the idle return address
// or an error occurs.
func (inst *Instance) runCodeFrom(ctx context.Context, start int32) error {
	code := inst.module.Code
	inst.thisBase = append(inst.thisBase[:0], 0)
	inst.funcStart = append(inst.funcStart[:0], start)
	inst.loopIterations = 0
	inst.pc = start

	for iter := 0; ; iter++ {
		if inst.abort.Load() {
			return inst.fail(ErrorAbortedByHost, "aborted by host")
		}
		if iter%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return inst.wrap(ErrorAbortedByHost, err, "execution cancelled")
			}
		}

		pc := inst.pc
		if pc < 0 || int(pc) >= len(code) {
			inst.op = 0
			return inst.fail(ErrorInvalidInstruction, "program counter %d outside code of %d words", pc, len(code))
		}
		word := code[pc]
		inst.op = opcode.Code(word.Data)
		if word.Fixup != script.FixupNone {
			return inst.fail(ErrorUnexpectedFixup, "opcode word carries a %s fixup", word.Fixup)
		}
		info, ok := opcode.Lookup(inst.op)
		if !ok {
			return inst.fail(ErrorInvalidInstruction, "invalid opcode %d", word.Data)
		}
		if int(pc)+info.Arity >= len(code) {
			return inst.fail(ErrorTruncatedInstruction, "%s needs %d operands, %d words remain", info.Name, info.Arity, len(code)-int(pc)-1)
		}

		var ops operands
		if err := inst.decode(info, pc, &ops); err != nil {
			return err
		}

		next, done, err := inst.execute(ctx, &ops, pc+int32(info.Width()))
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := inst.checkStackPointer(); err != nil {
			return err
		}
		inst.pc = next
	}
}

func (inst *Instance) decode(info *opcode.Info, pc int32, ops *operands) error {
	for i := 0; i < info.Arity; i++ {
		w := inst.module.Code[pc+1+int32(i)]
		class := info.Operands[i]
		if class == opcode.Any {
			ops.val[i] = inst.fixupValue(w)
			continue
		}
		if w.Fixup != script.FixupNone {
			return inst.fail(ErrorUnexpectedFixup, "operand %d of %s carries a %s fixup", i+1, info.Name, w.Fixup)
		}
		if class == opcode.Literal {
			ops.val[i] = Int(w.Data)
			continue
		}
		if w.Data < 0 || w.Data >= opcode.NumRegisters {
			return inst.fail(ErrorInvalidRegister, "operand %d of %s names register %d", i+1, info.Name, w.Data)
		}
		v := inst.registers[w.Data]
		if (class == opcode.RegisterInt || class == opcode.RegisterFloat) && !v.Kind.IsNumeric() {
			return inst.fail(ErrorTypeMismatch, "operand %d of %s: %s holds %s, want %s",
				i+1, info.Name, opcode.RegisterName(w.Data), v.Kind, class)
		}
		ops.reg[i] = w.Data
		ops.val[i] = v
	}
	return nil
}

// execute runs one decoded instruction and returns the next program counter.
// done reports that a ret popped the idle return address.
func (inst *Instance) execute(ctx context.Context, ops *operands, next int32) (int32, bool, error) {
	a, b := ops.val[0], ops.val[1]
	set := func(v RuntimeValue) {
		inst.registers[ops.reg[0]] = v
	}
	setErr := func(v RuntimeValue, err error) (int32, bool, error) {
		if err != nil {
			return 0, false, err
		}
		set(v)
		return next, false, nil
	}
	ok := func(err error) (int32, bool, error) {
		return next, false, err
	}
	mar := inst.registers[opcode.RegMAR]

	switch inst.op {
	case opcode.Add:
		return setErr(inst.offset(a, b.Value))
	case opcode.Sub:
		return setErr(inst.offset(a, -b.Value))
	case opcode.RegToReg:
		inst.registers[ops.reg[1]] = a
	case opcode.WriteLit:
		size := a.Value
		if size != 1 && size != 2 && size != 4 {
			return 0, false, inst.fail(ErrorMemoryAccess, "write of %d bytes", size)
		}
		return ok(inst.store(mar, int(size), b))
	case opcode.Ret:
		return inst.ret()
	case opcode.LitToReg:
		set(b)
	case opcode.MemRead:
		return setErr(inst.load(mar, 4))
	case opcode.MemWrite:
		return ok(inst.store(mar, 4, a))
	case opcode.MulReg:
		set(Int(a.Value * b.Value))
	case opcode.DivReg:
		if b.Value == 0 {
			return 0, false, inst.fail(ErrorDivideByZero, "integer division by zero")
		}
		set(Int(a.Value / b.Value))
	case opcode.AddReg:
		return setErr(inst.addValues(a, b))
	case opcode.SubReg:
		return setErr(inst.subValues(a, b))
	case opcode.BitAnd:
		set(Int(a.Value & b.Value))
	case opcode.BitOr:
		set(Int(a.Value | b.Value))
	case opcode.IsEqual, opcode.NotEqual:
		a, err := inst.importValue(a)
		if err != nil {
			return 0, false, err
		}
		b, err := inst.importValue(b)
		if err != nil {
			return 0, false, err
		}
		set(Bool(equal(a, b) == (inst.op == opcode.IsEqual)))
	case opcode.Greater:
		set(Bool(a.Value > b.Value))
	case opcode.LessThan:
		set(Bool(a.Value < b.Value))
	case opcode.GreaterEqual:
		set(Bool(a.Value >= b.Value))
	case opcode.LessEqual:
		set(Bool(a.Value <= b.Value))
	case opcode.And:
		set(Bool(a.truthy() && b.truthy()))
	case opcode.Or:
		set(Bool(a.truthy() || b.truthy()))
	case opcode.Call:
		return inst.call(ctx, a, next)
	case opcode.MemReadB:
		return setErr(inst.load(mar, 1))
	case opcode.MemReadW:
		return setErr(inst.load(mar, 2))
	case opcode.MemWriteB:
		return ok(inst.store(mar, 1, a))
	case opcode.MemWriteW:
		return ok(inst.store(mar, 2, a))
	case opcode.JumpIfZero:
		if !inst.registers[opcode.RegAX].truthy() {
			return inst.jump(next, a.Value)
		}
	case opcode.JumpIfNotZero:
		if inst.registers[opcode.RegAX].truthy() {
			return inst.jump(next, a.Value)
		}
	case opcode.Jump:
		return inst.jump(next, a.Value)
	case opcode.PushReg:
		return ok(inst.push(a))
	case opcode.PopReg:
		return setErr(inst.pop())
	case opcode.Mul:
		set(Int(a.Value * b.Value))
	case opcode.CallExt, opcode.CallAs:
		return ok(inst.farCall(ctx, a))
	case opcode.PushReal:
		return ok(inst.farPush(a))
	case opcode.SubRealStack:
		return ok(inst.farDrop(a.Value))
	case opcode.LineNum:
		inst.line = a.Value
	case opcode.ThisBase:
		inst.thisBase[len(inst.thisBase)-1] = a.Value
	case opcode.NumFuncArgs:
		inst.numFuncArgs = a.Value
	case opcode.ModReg:
		if b.Value == 0 {
			return 0, false, inst.fail(ErrorDivideByZero, "integer modulo by zero")
		}
		set(Int(a.Value % b.Value))
	case opcode.XorReg:
		set(Int(a.Value ^ b.Value))
	case opcode.NotReg:
		set(Bool(!a.truthy()))
	case opcode.ShiftLeft:
		set(Int(a.Value << (uint32(b.Value) & 31)))
	case opcode.ShiftRight:
		set(Int(a.Value >> (uint32(b.Value) & 31)))
	case opcode.CallObj:
		obj, err := inst.importValue(a)
		if err != nil {
			return 0, false, err
		}
		inst.callObject = obj
	case opcode.CheckBounds:
		if a.Value < 0 || a.Value >= b.Value {
			return 0, false, inst.fail(ErrorIndexOutOfBounds, "index %d outside [0, %d)", a.Value, b.Value)
		}
	case opcode.MemWritePtr:
		return ok(inst.writeHandle(mar, a, true))
	case opcode.MemInitPtr:
		return ok(inst.writeHandle(mar, a, false))
	case opcode.MemReadPtr:
		return setErr(inst.readHandle(mar))
	case opcode.MemZeroPtr:
		return ok(inst.writeHandle(mar, Null(), true))
	case opcode.MemZeroPtrND:
		return ok(inst.store(mar, 4, Null()))
	case opcode.LoadSPOffs:
		sp := inst.registers[opcode.RegSP]
		inst.registers[opcode.RegMAR] = stackPointer(sp.Value - a.Value)
	case opcode.CheckNull:
		if mar.IsNull() || mar.Kind == KindInvalid {
			return 0, false, inst.fail(ErrorNullPointer, "null pointer referenced")
		}
	case opcode.CheckNullReg:
		if a.IsNull() || a.Kind == KindInvalid {
			return 0, false, inst.fail(ErrorNullPointer, "null pointer in %s", opcode.RegisterName(ops.reg[0]))
		}
	case opcode.FAdd:
		set(Float(a.Float32() + float32(b.Value)))
	case opcode.FSub:
		set(Float(a.Float32() - float32(b.Value)))
	case opcode.FMulReg:
		set(Float(a.Float32() * b.Float32()))
	case opcode.FDivReg:
		if b.Float32() == 0 {
			return 0, false, inst.fail(ErrorDivideByZero, "float division by zero")
		}
		set(Float(a.Float32() / b.Float32()))
	case opcode.FAddReg:
		set(Float(a.Float32() + b.Float32()))
	case opcode.FSubReg:
		set(Float(a.Float32() - b.Float32()))
	case opcode.FGreater:
		set(Bool(a.Float32() > b.Float32()))
	case opcode.FLessThan:
		set(Bool(a.Float32() < b.Float32()))
	case opcode.FGreaterEqual:
		set(Bool(a.Float32() >= b.Float32()))
	case opcode.FLessEqual:
		set(Bool(a.Float32() <= b.Float32()))
	case opcode.ZeroMemory:
		return ok(inst.zero(mar, a.Value))
	case opcode.CreateString:
		raw, err := inst.cString(a)
		if err != nil {
			return 0, false, err
		}
		set(ObjectValue(inst.heap.AllocString(raw)))
	case opcode.StringsEqual, opcode.StringsNotEq:
		eq, err := inst.stringsEqual(a, b)
		if err != nil {
			return 0, false, err
		}
		set(Bool(eq == (inst.op == opcode.StringsEqual)))
	case opcode.LoopCheckOff:
		if inst.loopCheckOff == 0 {
			inst.loopCheckOff++
		}
	case opcode.DynamicBounds:
		return ok(inst.dynamicBounds(mar, a.Value))
	case opcode.NewArray:
		count, elemSize := a, b.Value
		if !count.Kind.IsNumeric() {
			return 0, false, inst.fail(ErrorTypeMismatch, "array length is %s", count.Kind)
		}
		if count.Value < 0 {
			return 0, false, inst.fail(ErrorIndexOutOfBounds, "array length %d", count.Value)
		}
		if elemSize <= 0 {
			return 0, false, inst.fail(ErrorMemoryAccess, "array element size %d", elemSize)
		}
		// element handles of managed arrays are tracked by the pointer
		// overlay, so ops.val[2] needs no separate bookkeeping
		arr, err := inst.heap.AllocArray(count.Value, elemSize)
		if err != nil {
			return 0, false, inst.wrap(ErrorMemoryAccess, err, "cannot allocate array")
		}
		set(ObjectValue(arr))
	case opcode.NewUserObject:
		obj, err := inst.heap.AllocUser(b.Value)
		if err != nil {
			return 0, false, inst.wrap(ErrorMemoryAccess, err, "cannot allocate object")
		}
		set(ObjectValue(obj))
	default:
		return 0, false, inst.fail(ErrorInvalidInstruction, "unhandled opcode %s", inst.op)
	}
	return next, false, nil
}

// jump applies a relative jump and feeds the runaway-loop guard.
func (inst *Instance) jump(next, rel int32) (int32, bool, error) {
	if rel < 0 && inst.loopCheckOff == 0 && inst.maxLoops > 0 {
		inst.loopIterations++
		if inst.loopIterations > inst.maxLoops {
			return 0, false, inst.fail(ErrorRunawayLoop, "more than %d loop iterations without loopcheckoff", inst.maxLoops)
		}
	}
	return next + rel, false, nil
}

func (inst *Instance) ret() (int32, bool, error) {
	if inst.loopCheckOff > 0 {
		inst.loopCheckOff--
	}
	addr, err := inst.popInt()
	if err != nil {
		return 0, false, err
	}
	if n := len(inst.thisBase); n > 1 {
		inst.thisBase = inst.thisBase[:n-1]
		inst.funcStart = inst.funcStart[:n-1]
	}
	if addr == 0 {
		return 0, true, nil
	}
	return addr, false, nil
}

// call performs an in-VM call to the function in target.
func (inst *Instance) call(ctx context.Context, target RuntimeValue, next int32) (int32, bool, error) {
	target, err := inst.importValue(target)
	if err != nil {
		return 0, false, err
	}
	if target.Kind != KindFunctionRef {
		return 0, false, inst.fail(ErrorTypeMismatch, "call through %s", target.Kind)
	}
	if target.inst != nil && target.inst != inst {
		return next, false, inst.farCall(ctx, target)
	}
	if err := inst.push(Int(next)); err != nil {
		return 0, false, err
	}
	if inst.loopCheckOff > 0 {
		inst.loopCheckOff++
	}
	dest := inst.callTarget(target.Value)
	inst.thisBase = append(inst.thisBase, 0)
	inst.funcStart = append(inst.funcStart, dest)
	return dest, false, nil
}

// callTarget maps a function address compiled relative to the caller's
// declared thisaddr base onto the caller's actual start.
func (inst *Instance) callTarget(addr int32) int32 {
	n := len(inst.thisBase) - 1
	if inst.thisBase[n] == 0 {
		return addr
	}
	return inst.funcStart[n] + addr - inst.thisBase[n]
}

// farCall invokes a native or a function of another instance with the
// arguments on the far-call stack. The result goes to ax.
func (inst *Instance) farCall(ctx context.Context, target RuntimeValue) error {
	args, err := inst.farArgs()
	if err != nil {
		return err
	}
	receiver := inst.callObject
	inst.numFuncArgs = -1
	inst.callObject = Null()

	var result RuntimeValue
	switch target.Kind {
	case KindImportRef:
		imp, err := inst.resolveImport(target.Value)
		if err != nil {
			return err
		}
		switch imp.Kind {
		case ImportNative:
			if imp.Native == nil {
				return inst.fail(ErrorUnresolvedImport, "import %q has no implementation", imp.Name)
			}
			inst.log.Debug("Calling native", "name", imp.Name, "args", len(args))
			call := &NativeCall{Name: imp.Name, Receiver: receiver, Args: args, inst: inst}
			result, err = imp.Native(call)
			if err != nil {
				return inst.wrap(ErrorNativeCallFailed, err, "native %q failed", imp.Name)
			}
		case ImportScriptFunction:
			inst.log.Debug("Calling script export", "name", imp.Name)
			result, err = inst.callFar(ctx, imp.Instance, imp.Offset, args)
			if err != nil {
				return err
			}
		default:
			return inst.fail(ErrorTypeMismatch, "far call to %s import %q", imp.Kind, imp.Name)
		}
	case KindFunctionRef:
		if target.inst == nil || target.inst == inst {
			return inst.fail(ErrorAlreadyRunning, "far call back into the running instance")
		}
		result, err = inst.callFar(ctx, target.inst, target.Value, args)
		if err != nil {
			return err
		}
	default:
		return inst.fail(ErrorTypeMismatch, "far call through %s", target.Kind)
	}

	if result.Kind == KindInvalid {
		result = Int(0)
	}
	inst.registers[opcode.RegAX] = result
	return nil
}

// handleAt returns the managed object referenced by the dword at addr.
func (inst *Instance) handleAt(addr RuntimeValue) (*Block, error) {
	v, err := inst.load(addr, 4)
	if err != nil {
		return nil, err
	}
	switch {
	case v.Kind == KindObjectRef:
		return v.block, nil
	case v.Kind == KindInteger && v.Value != 0:
		obj, _ := inst.heap.Get(v.Value)
		return obj, nil
	}
	return nil, nil
}

func (inst *Instance) readHandle(addr RuntimeValue) (RuntimeValue, error) {
	v, err := inst.load(addr, 4)
	if err != nil {
		return RuntimeValue{}, err
	}
	if v.Kind == KindInteger && v.Value != 0 {
		if obj, ok := inst.heap.Get(v.Value); ok {
			return ObjectValue(obj), nil
		}
	}
	return v, nil
}

// writeHandle stores a managed reference at addr, retaining the new object
// and, when release is set, releasing the one it replaces.
func (inst *Instance) writeHandle(addr, v RuntimeValue, release bool) error {
	v, err := inst.importValue(v)
	if err != nil {
		return err
	}
	if v.Kind != KindObjectRef && !v.IsNull() {
		return inst.fail(ErrorTypeMismatch, "storing %s as an object handle", v.Kind)
	}
	var old *Block
	if release {
		if old, err = inst.handleAt(addr); err != nil {
			return err
		}
	}
	if err := inst.store(addr, 4, v); err != nil {
		return err
	}
	if v.Kind == KindObjectRef {
		inst.heap.Retain(v.block)
	}
	inst.heap.Release(old)
	return nil
}

func (inst *Instance) stringsEqual(a, b RuntimeValue) (bool, error) {
	if a.IsNull() || b.IsNull() {
		return a.IsNull() && b.IsNull(), nil
	}
	sa, err := inst.cString(a)
	if err != nil {
		return false, err
	}
	sb, err := inst.cString(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(sa, sb), nil
}

// dynamicBounds checks that off is a valid byte offset into the dynamic
// array mar points at.
func (inst *Instance) dynamicBounds(mar RuntimeValue, off int32) error {
	arr, err := inst.address(mar)
	if err != nil {
		return err
	}
	if arr.Kind != KindObjectRef {
		return inst.fail(ErrorTypeMismatch, "bounds check on %s", arr.Kind)
	}
	if off < 0 || int(arr.Value)+int(off) >= arr.block.Len() {
		elem := arr.block.elemSize
		if elem <= 0 {
			elem = 1
		}
		return inst.fail(ErrorIndexOutOfBounds, "array index %d outside [0, %d)", off/elem, int32(arr.block.Len())/elem)
	}
	return nil
}
