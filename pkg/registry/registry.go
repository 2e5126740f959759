// Package registry is the symbol table shared by script instances: host
// natives, host memory objects and the exports of running instances.
package registry

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/zurustar/agsvm/pkg/logger"
	"github.com/zurustar/agsvm/pkg/script"
	"github.com/zurustar/agsvm/pkg/vm"
)

// Registry implements vm.Linker.
type Registry struct {
	mu      sync.RWMutex
	natives map[string]vm.Import
	exports map[string]vm.Import
	log     *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		r.log = log
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		natives: make(map[string]vm.Import),
		exports: make(map[string]vm.Import),
		log:     logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterFunc registers a native. params lists the expected argument types,
// one letter each: i int, f float, s string, o object, c char. A trailing
// "..." accepts any number of further arguments.
func (r *Registry) RegisterFunc(name, params string, fn vm.NativeFunc) error {
	if name == "" {
		return fmt.Errorf("register native: empty name")
	}
	if fn == nil {
		return fmt.Errorf("register native %q: nil function", name)
	}
	sig, err := parseParams(params)
	if err != nil {
		return fmt.Errorf("register native %q: %w", name, err)
	}
	return r.register(vm.Import{Name: name, Kind: vm.ImportNative, Native: sig.wrap(fn)})
}

// RegisterObject registers a block of host memory under name.
func (r *Registry) RegisterObject(name string, obj *vm.Block) error {
	if name == "" {
		return fmt.Errorf("register object: empty name")
	}
	if obj == nil {
		return fmt.Errorf("register object %q: nil block", name)
	}
	return r.register(vm.Import{Name: name, Kind: vm.ImportObject, Object: obj})
}

func (r *Registry) register(imp vm.Import) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.natives[imp.Name]; ok {
		return fmt.Errorf("symbol %q already registered", imp.Name)
	}
	r.natives[imp.Name] = imp
	r.log.Debug("Registered symbol", "name", imp.Name, "kind", imp.Kind.String())
	return nil
}

// Export publishes a script export.
func (r *Registry) Export(name string, imp vm.Import) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.exports[name]; ok {
		return fmt.Errorf("symbol %q already exported", name)
	}
	r.exports[name] = imp
	return nil
}

// Unexport removes name if owner published it.
func (r *Registry) Unexport(name string, owner *vm.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if imp, ok := r.exports[name]; ok && imp.Instance == owner {
		delete(r.exports, name)
	}
}

// ResolveImport looks name up exactly first. Arity-mangled import names
// ("Foo^2") then fall back to the export "Foo$2" and finally to the plain
// "Foo" native or export.
func (r *Registry) ResolveImport(name string) (vm.Import, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if imp, ok := r.natives[name]; ok {
		return imp, true
	}
	if imp, ok := r.exports[name]; ok {
		return imp, true
	}
	base, n, ok := script.SplitMangled(name, '^')
	if !ok {
		return vm.Import{}, false
	}
	if imp, ok := r.exports[fmt.Sprintf("%s$%d", base, n)]; ok {
		return imp, true
	}
	if imp, ok := r.natives[base]; ok {
		return imp, true
	}
	imp, ok := r.exports[base]
	return imp, ok
}

// Names returns every registered and exported name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.natives)+len(r.exports))
	for name := range r.natives {
		names = append(names, name)
	}
	for name := range r.exports {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

type signature struct {
	params   string
	variadic bool
}

func parseParams(params string) (signature, error) {
	sig := signature{params: params}
	if p, ok := strings.CutSuffix(params, "..."); ok {
		sig.params = p
		sig.variadic = true
	}
	for _, c := range sig.params {
		if !strings.ContainsRune("ifsoc", c) {
			return signature{}, fmt.Errorf("unknown parameter type %q in %q", c, params)
		}
	}
	return sig, nil
}

// wrap checks a call against the signature before running fn. Extra
// arguments of a non-variadic native are dropped.
func (s signature) wrap(fn vm.NativeFunc) vm.NativeFunc {
	return func(call *vm.NativeCall) (vm.RuntimeValue, error) {
		if len(call.Args) < len(s.params) {
			return vm.RuntimeValue{}, fmt.Errorf("%s: want %d arguments, got %d", call.Name, len(s.params), len(call.Args))
		}
		for i, c := range s.params {
			if err := checkArg(c, call.Args[i]); err != nil {
				return vm.RuntimeValue{}, fmt.Errorf("%s: argument %d: %w", call.Name, i, err)
			}
		}
		if !s.variadic && len(call.Args) > len(s.params) {
			call.Args = call.Args[:len(s.params)]
		}
		return fn(call)
	}
}

func checkArg(param rune, v vm.RuntimeValue) error {
	switch param {
	case 'i', 'f', 'c':
		if !v.Kind.IsNumeric() {
			return fmt.Errorf("got %s, want a number", v.Kind)
		}
	case 's':
		if v.IsNull() {
			return nil
		}
		switch v.Kind {
		case vm.KindStackPointer, vm.KindGlobalDataRef, vm.KindStringRef, vm.KindObjectRef, vm.KindImportRef:
		default:
			return fmt.Errorf("got %s, want a string", v.Kind)
		}
	case 'o':
		if v.IsNull() {
			return nil
		}
		switch v.Kind {
		case vm.KindObjectRef, vm.KindGlobalDataRef, vm.KindImportRef:
		default:
			return fmt.Errorf("got %s, want an object", v.Kind)
		}
	}
	return nil
}
