package vm

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/zurustar/agsvm/pkg/logger"
	"github.com/zurustar/agsvm/pkg/opcode"
	"github.com/zurustar/agsvm/pkg/script"
)

const (
	// DefaultStackSize is the operand stack capacity in cells.
	DefaultStackSize = 4000
	// MaxArgs is the exclusive upper bound on arguments to Call.
	MaxArgs = 20
	// DefaultMaxLoops is the number of backward jumps allowed per call
	// before the runaway guard fires.
	DefaultMaxLoops = 150000
	// MaxCallStack bounds the chain of far calls between instances.
	MaxCallStack = 100
	// MaxFarArgs bounds the far-call argument stack.
	MaxFarArgs = 128
)

// Flags describe the state of an instance.
type Flags uint32

const (
	FlagSharedData Flags = 1 << iota
	FlagAborted
	FlagFreed
	FlagRunning
)

// Frame records the caller position of a far call into another instance.
type Frame struct {
	Line     int32
	PC       int32
	Instance *Instance
}

// Instance is one execution context bound to a module.
type Instance struct {
	id      uuid.UUID
	module  *script.Module
	linker  Linker
	heap    *Heap
	globals *GlobalData
	log     *slog.Logger

	registers [opcode.NumRegisters]RuntimeValue
	stack     []RuntimeValue
	farStack  []RuntimeValue
	callStack []Frame

	pc    int32
	line  int32
	op    opcode.Code
	flags Flags
	abort atomic.Bool

	// one entry per active in-VM frame: the base declared by thisaddr
	// and the address the frame was entered at
	thisBase  []int32
	funcStart []int32

	loopCheckOff   int32
	loopIterations int
	maxLoops       int
	numFuncArgs    int32
	callObject     RuntimeValue

	imports  []Import
	resolved []bool

	stackSize  int
	autoExport bool
	exported   bool
	forkFrom   *Instance
}

// Option is a functional option for configuring an Instance.
type Option func(*Instance)

// WithLogger sets a custom logger.
func WithLogger(log *slog.Logger) Option {
	return func(inst *Instance) {
		inst.log = log
	}
}

// WithMaxLoops sets the runaway-loop limit. Zero disables the guard.
func WithMaxLoops(n int) Option {
	return func(inst *Instance) {
		inst.maxLoops = n
	}
}

// WithStackSize sets the operand stack capacity in cells.
func WithStackSize(cells int) Option {
	return func(inst *Instance) {
		inst.stackSize = cells
	}
}

// WithAutoImportExports publishes the module's exports through the linker
// when this is the first live instance of the module.
func WithAutoImportExports(enabled bool) Option {
	return func(inst *Instance) {
		inst.autoExport = enabled
	}
}

// WithHeap sets the managed object pool. Instances that exchange objects
// must share a heap.
func WithHeap(h *Heap) Option {
	return func(inst *Instance) {
		inst.heap = h
	}
}

// WithForkFrom shares the global data of parent instead of copying the
// module's template.
func WithForkFrom(parent *Instance) Option {
	return func(inst *Instance) {
		inst.forkFrom = parent
	}
}

// NewInstance binds module to fresh execution state.
func NewInstance(module *script.Module, linker Linker, opts ...Option) (*Instance, error) {
	if module == nil {
		return nil, fmt.Errorf("new instance: nil module")
	}

	inst := &Instance{
		id:          uuid.New(),
		module:      module,
		linker:      linker,
		log:         logger.GetLogger(),
		line:        -1,
		maxLoops:    DefaultMaxLoops,
		stackSize:   DefaultStackSize,
		numFuncArgs: -1,
		callObject:  Null(),
	}
	for _, opt := range opts {
		opt(inst)
	}

	if inst.stackSize < 8 {
		return nil, fmt.Errorf("new instance: stack of %d cells is too small", inst.stackSize)
	}

	if parent := inst.forkFrom; parent != nil {
		if parent.flags&FlagFreed != 0 {
			return nil, inst.setupError(ErrorInstanceFreed, "cannot fork a freed instance")
		}
		if parent.module != module {
			return nil, fmt.Errorf("new instance: fork parent runs module %q, not %q", parent.module.Name, module.Name)
		}
		inst.globals = parent.globals.retain()
		inst.flags |= FlagSharedData
		if inst.heap == nil {
			inst.heap = parent.heap
		}
	} else {
		g, err := newGlobalData(module)
		if err != nil {
			return nil, fmt.Errorf("new instance: %w", err)
		}
		inst.globals = g
	}
	if inst.heap == nil {
		inst.heap = NewHeap()
	}

	inst.stack = make([]RuntimeValue, inst.stackSize)
	inst.imports = make([]Import, len(module.Imports))
	inst.resolved = make([]bool, len(module.Imports))

	live := module.AddInstance()
	if inst.autoExport && live == 1 {
		if err := inst.publishExports(); err != nil {
			inst.Free()
			return nil, err
		}
	}

	inst.log.Debug("Instance created",
		"instance", inst.id.String(),
		"module", module.Name,
		"shared", inst.flags&FlagSharedData != 0,
		"live", live)
	return inst, nil
}

// Fork creates an instance that shares this instance's global data.
func (inst *Instance) Fork(opts ...Option) (*Instance, error) {
	base := []Option{
		WithForkFrom(inst),
		WithLogger(inst.log),
		WithMaxLoops(inst.maxLoops),
		WithStackSize(inst.stackSize),
	}
	return NewInstance(inst.module, inst.linker, append(base, opts...)...)
}

func (inst *Instance) publishExports() error {
	if inst.linker == nil {
		return fmt.Errorf("publish exports of %q: no linker", inst.module.Name)
	}
	inst.exported = true
	for _, ex := range inst.module.Exports {
		imp := Import{Name: ex.Name, Instance: inst, Offset: ex.Offset()}
		switch ex.Kind() {
		case script.ExportFunction:
			imp.Kind = ImportScriptFunction
		case script.ExportData:
			imp.Kind = ImportScriptData
		default:
			continue
		}
		if err := inst.linker.Export(ex.Name, imp); err != nil {
			return fmt.Errorf("publish exports of %q: %w", inst.module.Name, err)
		}
	}
	return nil
}

// Free releases the instance. Global data survives while forks share it.
func (inst *Instance) Free() {
	if inst.flags&FlagFreed != 0 {
		return
	}
	inst.flags |= FlagFreed
	if inst.exported {
		for _, ex := range inst.module.Exports {
			inst.linker.Unexport(ex.Name, inst)
		}
		inst.exported = false
	}
	released := inst.globals.release()
	live := inst.module.RemoveInstance()
	inst.log.Debug("Instance freed",
		"instance", inst.id.String(),
		"module", inst.module.Name,
		"globals_released", released,
		"live", live)
}

// Abort asks the running loop to stop at the next instruction boundary.
// It is safe to call from another goroutine. The flag stays set until Reset.
func (inst *Instance) Abort() {
	inst.abort.Store(true)
}

// Reset returns a failed or aborted instance to idle so it can be called
// again. Global data is left untouched.
func (inst *Instance) Reset() {
	inst.pc = 0
	inst.op = 0
	inst.abort.Store(false)
	inst.callStack = nil
	inst.farStack = inst.farStack[:0]
}

// ID returns the unique instance identifier.
func (inst *Instance) ID() string {
	return inst.id.String()
}

// Module returns the module the instance runs.
func (inst *Instance) Module() *script.Module {
	return inst.module
}

// Globals returns the instance's global memory, or nil once released.
func (inst *Instance) Globals() *Block {
	return inst.globals.block
}

// Heap returns the managed object pool.
func (inst *Instance) Heap() *Heap {
	return inst.heap
}

// Flags returns the current state flags.
func (inst *Instance) Flags() Flags {
	f := inst.flags
	if inst.abort.Load() {
		f |= FlagAborted
	}
	return f
}

// PC returns the program counter; 0 while idle.
func (inst *Instance) PC() int32 {
	return inst.pc
}

// Line returns the last source line reported by the running code.
func (inst *Instance) Line() int32 {
	return inst.line
}

// Register returns the contents of register r.
func (inst *Instance) Register(r int) RuntimeValue {
	if r < 0 || r >= opcode.NumRegisters {
		return RuntimeValue{}
	}
	return inst.registers[r]
}

// CallStack returns a copy of the far-call frames leading to this instance.
func (inst *Instance) CallStack() []Frame {
	return append([]Frame(nil), inst.callStack...)
}

// ExportsSymbol reports whether the module exports name exactly or in its
// arity-mangled form.
func (inst *Instance) ExportsSymbol(name string) bool {
	return inst.module.ExportsSymbol(name)
}

// Call runs the exported function name with args and returns the value
// left in ax.
func (inst *Instance) Call(ctx context.Context, name string, args ...RuntimeValue) (RuntimeValue, error) {
	if inst.flags&FlagFreed != 0 {
		return RuntimeValue{}, inst.setupError(ErrorInstanceFreed, "call %q on freed instance", name)
	}
	if inst.flags&FlagRunning != 0 || inst.pc != 0 {
		return RuntimeValue{}, inst.setupError(ErrorAlreadyRunning, "call %q while instance is busy at pc %d", name, inst.pc)
	}
	if len(args) >= MaxArgs {
		return RuntimeValue{}, inst.setupError(ErrorTooManyArguments, "call %q with %d arguments, limit is %d", name, len(args), MaxArgs-1)
	}

	offset, err := inst.resolveExport(name, len(args))
	if err != nil {
		return RuntimeValue{}, err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	inst.log.Debug("Calling script function", "module", inst.module.Name, "function", name, "offset", offset, "args", len(args))
	return inst.invoke(ctx, offset, args)
}

// resolveExport finds the code offset of a callable export named name or
// name$argc.
func (inst *Instance) resolveExport(name string, argc int) (int32, error) {
	var (
		found    script.Export
		ok       bool
		mismatch bool
	)
	for _, ex := range inst.module.Exports {
		if ex.Name == name {
			found, ok = ex, true
			break
		}
	}
	if ok {
		if _, n, mangled := script.SplitMangled(found.Name, '$'); mangled && n != argc {
			return 0, inst.setupError(ErrorArityMismatch, "%q takes %d arguments, called with %d", found.Name, n, argc)
		}
	} else {
		for _, ex := range inst.module.Exports {
			base, n, mangled := script.SplitMangled(ex.Name, '$')
			if !mangled || base != name {
				continue
			}
			if n == argc {
				found, ok = ex, true
				break
			}
			mismatch = true
		}
	}
	if !ok {
		if mismatch {
			return 0, inst.setupError(ErrorArityMismatch, "no overload of %q takes %d arguments", name, argc)
		}
		return 0, inst.setupError(ErrorSymbolNotFound, "%q is not exported by %s", name, inst.module.Name)
	}
	if found.Kind() != script.ExportFunction {
		return 0, inst.setupError(ErrorNotCallable, "%q is a %s export", found.Name, found.Kind())
	}
	return found.Offset(), nil
}

// invoke sets up the call convention, runs the loop and checks the stack
// is unwound to exactly the arguments.
func (inst *Instance) invoke(ctx context.Context, offset int32, args []RuntimeValue) (RuntimeValue, error) {
	inst.resetState()
	for i := len(args) - 1; i >= 0; i-- {
		if err := inst.push(args[i]); err != nil {
			return RuntimeValue{}, err
		}
	}
	if err := inst.push(Int(0)); err != nil {
		return RuntimeValue{}, err
	}

	inst.flags |= FlagRunning
	defer func() { inst.flags &^= FlagRunning }()

	if err := inst.runCodeFrom(ctx, offset); err != nil {
		return RuntimeValue{}, err
	}

	sp := inst.registers[opcode.RegSP]
	if sp.Kind != KindStackPointer {
		return RuntimeValue{}, inst.fail(ErrorStackCorrupted, "stack pointer holds %s after return", sp.Kind)
	}
	if want := int32(4 * len(args)); sp.Value != want {
		return RuntimeValue{}, inst.fail(ErrorStackImbalance, "stack pointer is %d after return, want %d", sp.Value, want)
	}
	inst.pc = 0
	return inst.registers[opcode.RegAX], nil
}

func (inst *Instance) resetState() {
	clear(inst.stack)
	for i := range inst.registers {
		inst.registers[i] = RuntimeValue{}
	}
	inst.registers[opcode.RegSP] = stackPointer(0)
	inst.farStack = inst.farStack[:0]
	inst.numFuncArgs = -1
	inst.callObject = Null()
	inst.loopCheckOff = 0
	inst.loopIterations = 0
	inst.line = -1
	inst.op = 0
}

// callFar runs a script function of target on behalf of inst.
func (inst *Instance) callFar(ctx context.Context, target *Instance, offset int32, args []RuntimeValue) (RuntimeValue, error) {
	if target == nil {
		return RuntimeValue{}, inst.fail(ErrorUnresolvedImport, "far call target has no instance")
	}
	if target.flags&FlagFreed != 0 {
		return RuntimeValue{}, inst.fail(ErrorInstanceFreed, "far call into freed instance of %s", target.module.Name)
	}
	if target.flags&FlagRunning != 0 || target.pc != 0 {
		return RuntimeValue{}, inst.fail(ErrorAlreadyRunning, "far call into busy instance of %s", target.module.Name)
	}
	if len(args) >= MaxArgs {
		return RuntimeValue{}, inst.fail(ErrorTooManyArguments, "far call with %d arguments", len(args))
	}

	frames := append(inst.CallStack(), Frame{Line: inst.line, PC: inst.pc, Instance: inst})
	if len(frames) > MaxCallStack {
		return RuntimeValue{}, inst.fail(ErrorCallStackOverflow, "far call depth exceeds %d", MaxCallStack)
	}
	target.callStack = frames
	defer func() { target.callStack = nil }()

	return target.invoke(ctx, offset, args)
}

func (inst *Instance) setupError(t ErrorType, format string, args ...any) *RuntimeError {
	e := NewRuntimeError(t, fmt.Sprintf(format, args...))
	e.Module = inst.module.Name
	return e
}

// fail builds an execution error at the current position.
func (inst *Instance) fail(t ErrorType, format string, args ...any) *RuntimeError {
	e := &RuntimeError{
		Type:    t,
		Message: fmt.Sprintf(format, args...),
		Line:    inst.line,
		PC:      inst.pc,
		Opcode:  inst.op,
		Module:  inst.module.Name,
	}
	if sec, ok := inst.module.SectionAt(inst.pc); ok {
		e.Section = sec.Name
	}
	return e
}

func (inst *Instance) wrap(t ErrorType, err error, format string, args ...any) *RuntimeError {
	e := inst.fail(t, format, args...)
	e.Err = err
	return e
}
