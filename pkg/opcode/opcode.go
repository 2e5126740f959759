// Package opcode defines the instruction set of the AGS script virtual machine.
// This package is the foundation that both the loader tooling and the VM depend on.
// The VM consults the table on every instruction to validate operands,
// and the disassembler uses it to render code.
package opcode

// Code is the numeric identifier stored in the first word of an instruction.
type Code int32

// Instruction identifiers, numbered as the legacy compiler emits them.
// Id 0 is unused and therefore invalid.
const (
	Add            Code = 1  // reg += lit
	Sub            Code = 2  // reg -= lit
	RegToReg       Code = 3  // reg2 = reg1
	WriteLit       Code = 4  // m[mar] = lit (size bytes)
	Ret            Code = 5  // return from function
	LitToReg       Code = 6  // reg = lit
	MemRead        Code = 7  // reg = m[mar]
	MemWrite       Code = 8  // m[mar] = reg
	MulReg         Code = 9  // reg1 *= reg2
	DivReg         Code = 10 // reg1 /= reg2
	AddReg         Code = 11 // reg1 += reg2
	SubReg         Code = 12 // reg1 -= reg2
	BitAnd         Code = 13 // reg1 &= reg2
	BitOr          Code = 14 // reg1 |= reg2
	IsEqual        Code = 15 // reg1 = reg1 == reg2
	NotEqual       Code = 16 // reg1 = reg1 != reg2
	Greater        Code = 17 // reg1 = reg1 > reg2
	LessThan       Code = 18 // reg1 = reg1 < reg2
	GreaterEqual   Code = 19 // reg1 = reg1 >= reg2
	LessEqual      Code = 20 // reg1 = reg1 <= reg2
	And            Code = 21 // reg1 = reg1 && reg2
	Or             Code = 22 // reg1 = reg1 || reg2
	Call           Code = 23 // call function at address in reg
	MemReadB       Code = 24 // reg = m[mar] (byte)
	MemReadW       Code = 25 // reg = m[mar] (int16)
	MemWriteB      Code = 26 // m[mar] = reg (byte)
	MemWriteW      Code = 27 // m[mar] = reg (int16)
	JumpIfZero     Code = 28 // jump if ax == 0
	PushReg        Code = 29 // push reg
	PopReg         Code = 30 // pop into reg
	Jump           Code = 31 // unconditional relative jump
	Mul            Code = 32 // reg *= lit
	CallExt        Code = 33 // far call to import in reg
	PushReal       Code = 34 // push reg on far-call stack
	SubRealStack   Code = 35 // drop lit far-call stack entries
	LineNum        Code = 36 // current source line = lit
	CallAs         Code = 37 // call function in reg in its owning instance
	ThisBase       Code = 38 // current call base = lit
	NumFuncArgs    Code = 39 // argument count for next far call
	ModReg         Code = 40 // reg1 %= reg2
	XorReg         Code = 41 // reg1 ^= reg2
	NotReg         Code = 42 // reg = !reg
	ShiftLeft      Code = 43 // reg1 <<= reg2
	ShiftRight     Code = 44 // reg1 >>= reg2
	CallObj        Code = 45 // receiver of next far call = reg
	CheckBounds    Code = 46 // 0 <= reg < lit
	MemWritePtr    Code = 47 // m[mar] = handle in reg
	MemReadPtr     Code = 48 // reg = handle at m[mar]
	MemZeroPtr     Code = 49 // release handle at m[mar]
	MemInitPtr     Code = 50 // m[mar] = handle in reg, no release
	LoadSPOffs     Code = 51 // mar = sp - lit
	CheckNull      Code = 52 // mar != null
	FAdd           Code = 53 // reg += (float)lit
	FSub           Code = 54 // reg -= (float)lit
	FMulReg        Code = 55 // reg1 *= reg2 (float)
	FDivReg        Code = 56 // reg1 /= reg2 (float)
	FAddReg        Code = 57 // reg1 += reg2 (float)
	FSubReg        Code = 58 // reg1 -= reg2 (float)
	FGreater       Code = 59 // reg1 = reg1 > reg2 (float)
	FLessThan      Code = 60 // reg1 = reg1 < reg2 (float)
	FGreaterEqual  Code = 61 // reg1 = reg1 >= reg2 (float)
	FLessEqual     Code = 62 // reg1 = reg1 <= reg2 (float)
	ZeroMemory     Code = 63 // zero lit bytes at mar
	CreateString   Code = 64 // reg = new string from C string at reg
	StringsEqual   Code = 65 // reg1 = strcmp(reg1, reg2) == 0
	StringsNotEq   Code = 66 // reg1 = strcmp(reg1, reg2) != 0
	CheckNullReg   Code = 67 // reg != null
	LoopCheckOff   Code = 68 // disable runaway loop guard for this frame
	MemZeroPtrND   Code = 69 // m[mar] = null, no dispose
	JumpIfNotZero  Code = 70 // jump if ax != 0
	DynamicBounds  Code = 71 // reg is a valid offset into dynamic array at mar
	NewArray       Code = 72 // reg = new array[reg] of lit1-byte elements
	NewUserObject  Code = 73 // reg = new object of lit bytes
)

// Max is the highest opcode understood by the VM.
const Max = NewUserObject

// Operand describes which kind of word an operand position expects.
type Operand uint8

const (
	// None marks an unused operand position.
	None Operand = iota
	// Any accepts any word, including ones carrying a fixup.
	Any
	// Literal accepts a plain integer word; a fixup is an error.
	Literal
	// Register names a register whose contents may have any kind.
	Register
	// RegisterInt names a register that must hold a numeric value, read as int32.
	RegisterInt
	// RegisterFloat names a register that must hold a numeric value, read as float32.
	RegisterFloat
)

// IsRegister reports whether the operand word is a register index.
func (o Operand) IsRegister() bool {
	return o == Register || o == RegisterInt || o == RegisterFloat
}

func (o Operand) String() string {
	switch o {
	case None:
		return "none"
	case Any:
		return "any"
	case Literal:
		return "lit"
	case Register:
		return "reg"
	case RegisterInt:
		return "reg:int"
	case RegisterFloat:
		return "reg:float"
	default:
		return "?"
	}
}

// MaxOperands is the widest instruction in the set (newarray).
const MaxOperands = 3

// Info is the static description of one opcode.
type Info struct {
	Name     string
	Arity    int
	Operands [MaxOperands]Operand
}

// Width returns the number of code words the instruction occupies.
func (i *Info) Width() int {
	return 1 + i.Arity
}

func info(name string, ops ...Operand) *Info {
	in := &Info{Name: name, Arity: len(ops)}
	copy(in.Operands[:], ops)
	return in
}

// table is indexed by opcode; nil entries are invalid instructions.
var table = [Max + 1]*Info{
	Add:           info("addi", Register, Literal),
	Sub:           info("subi", Register, Literal),
	RegToReg:      info("mov", Register, Register),
	WriteLit:      info("memwritelit", Literal, Any),
	Ret:           info("ret"),
	LitToReg:      info("movl", Register, Any),
	MemRead:       info("memread", Register),
	MemWrite:      info("memwrite", Register),
	MulReg:        info("mul", RegisterInt, RegisterInt),
	DivReg:        info("div", RegisterInt, RegisterInt),
	AddReg:        info("add", Register, Register),
	SubReg:        info("sub", Register, Register),
	BitAnd:        info("and", RegisterInt, RegisterInt),
	BitOr:         info("or", RegisterInt, RegisterInt),
	IsEqual:       info("cmpeq", Register, Register),
	NotEqual:      info("cmpne", Register, Register),
	Greater:       info("gt", RegisterInt, RegisterInt),
	LessThan:      info("lt", RegisterInt, RegisterInt),
	GreaterEqual:  info("gte", RegisterInt, RegisterInt),
	LessEqual:     info("lte", RegisterInt, RegisterInt),
	And:           info("land", Register, Register),
	Or:            info("lor", Register, Register),
	Call:          info("call", Register),
	MemReadB:      info("memreadb", Register),
	MemReadW:      info("memreadw", Register),
	MemWriteB:     info("memwriteb", Register),
	MemWriteW:     info("memwritew", Register),
	JumpIfZero:    info("jz", Literal),
	PushReg:       info("push", Register),
	PopReg:        info("pop", Register),
	Jump:          info("jmp", Literal),
	Mul:           info("muli", RegisterInt, Literal),
	CallExt:       info("farcall", Register),
	PushReal:      info("farpush", Register),
	SubRealStack:  info("farsubsp", Literal),
	LineNum:       info("sourceline", Literal),
	CallAs:        info("callas", Register),
	ThisBase:      info("thisaddr", Literal),
	NumFuncArgs:   info("setfuncargs", Literal),
	ModReg:        info("mod", RegisterInt, RegisterInt),
	XorReg:        info("xor", RegisterInt, RegisterInt),
	NotReg:        info("not", Register),
	ShiftLeft:     info("shl", RegisterInt, RegisterInt),
	ShiftRight:    info("shr", RegisterInt, RegisterInt),
	CallObj:       info("callobj", Register),
	CheckBounds:   info("checkbounds", RegisterInt, Literal),
	MemWritePtr:   info("memwrite.ptr", Register),
	MemReadPtr:    info("memread.ptr", Register),
	MemZeroPtr:    info("memzero.ptr"),
	MemInitPtr:    info("meminit.ptr", Register),
	LoadSPOffs:    info("load.sp.offs", Literal),
	CheckNull:     info("checknull.ptr"),
	FAdd:          info("faddi", RegisterFloat, Literal),
	FSub:          info("fsubi", RegisterFloat, Literal),
	FMulReg:       info("fmul", RegisterFloat, RegisterFloat),
	FDivReg:       info("fdiv", RegisterFloat, RegisterFloat),
	FAddReg:       info("fadd", RegisterFloat, RegisterFloat),
	FSubReg:       info("fsub", RegisterFloat, RegisterFloat),
	FGreater:      info("fgt", RegisterFloat, RegisterFloat),
	FLessThan:     info("flt", RegisterFloat, RegisterFloat),
	FGreaterEqual: info("fgte", RegisterFloat, RegisterFloat),
	FLessEqual:    info("flte", RegisterFloat, RegisterFloat),
	ZeroMemory:    info("zeromem", Literal),
	CreateString:  info("newstring", Register),
	StringsEqual:  info("streq", Register, Register),
	StringsNotEq:  info("strne", Register, Register),
	CheckNullReg:  info("checknull", Register),
	LoopCheckOff:  info("loopcheckoff"),
	MemZeroPtrND:  info("memzero.ptrnd"),
	JumpIfNotZero: info("jnz", Literal),
	DynamicBounds: info("dynamicbounds", RegisterInt),
	NewArray:      info("newarray", Register, Literal, Literal),
	NewUserObject: info("newuserobject", Register, Literal),
}

// Lookup returns the metadata for code, or false if code is not a valid opcode.
func Lookup(code Code) (*Info, bool) {
	if code < 0 || code > Max {
		return nil, false
	}
	in := table[code]
	return in, in != nil
}

// String returns the mnemonic for c, or "?" for invalid opcodes.
func (c Code) String() string {
	if in, ok := Lookup(c); ok {
		return in.Name
	}
	return "?"
}

// Register indexes of the legacy register file.
const (
	RegNull = 0
	RegSP   = 1
	RegMAR  = 2
	RegAX   = 3
	RegBX   = 4
	RegCX   = 5
	RegOP   = 6
	RegDX   = 7

	NumRegisters = 8
)

var registerNames = [NumRegisters]string{"null", "sp", "mar", "ax", "bx", "cx", "op", "dx"}

// RegisterName returns the assembler name of register r.
func RegisterName(r int32) string {
	if r < 0 || r >= NumRegisters {
		return "r?"
	}
	return registerNames[r]
}
