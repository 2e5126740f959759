// Package stubs loads TOML manifests of placeholder engine functions, so
// scripts can run headless without the real engine API.
//
// A manifest looks like:
//
//	[[native]]
//	name = "Character::Say"
//	params = "s..."
//	returns = "int"
//	result = 1
//
//	[[object]]
//	name = "player"
//	size = 64
package stubs

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/zurustar/agsvm/pkg/logger"
	"github.com/zurustar/agsvm/pkg/registry"
	"github.com/zurustar/agsvm/pkg/vm"
)

// Manifest lists the stubs to install.
type Manifest struct {
	Natives []Native `toml:"native"`
	Objects []Object `toml:"object"`

	// Path is the file the manifest was read from (set at load time).
	Path string `toml:"-"`
}

// Native describes one stub function. Returns is one of void, int, float
// or string; Result is the value handed back on every call.
type Native struct {
	Name    string `toml:"name"`
	Params  string `toml:"params"`
	Returns string `toml:"returns"`
	Result  any    `toml:"result"`
}

// Object describes a zeroed block of host memory exported by name.
type Object struct {
	Name string `toml:"name"`
	Size int    `toml:"size"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// Parse decodes and validates a manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for i := range m.Natives {
		n := &m.Natives[i]
		if n.Name == "" {
			return nil, fmt.Errorf("native %d: missing name", i)
		}
		if n.Returns == "" {
			n.Returns = "void"
		}
		if err := checkResult(n); err != nil {
			return nil, fmt.Errorf("native %q: %w", n.Name, err)
		}
	}
	for i, o := range m.Objects {
		if o.Name == "" {
			return nil, fmt.Errorf("object %d: missing name", i)
		}
		if o.Size <= 0 {
			return nil, fmt.Errorf("object %q: size must be positive, got %d", o.Name, o.Size)
		}
	}
	return &m, nil
}

func checkResult(n *Native) error {
	switch n.Returns {
	case "void":
		if n.Result != nil {
			return fmt.Errorf("void native has a result")
		}
	case "int":
		if n.Result == nil {
			n.Result = int64(0)
		}
		v, ok := n.Result.(int64)
		if !ok {
			return fmt.Errorf("result %v is not an integer", n.Result)
		}
		if v != int64(int32(v)) {
			return fmt.Errorf("result %d does not fit in 32 bits", v)
		}
	case "float":
		switch v := n.Result.(type) {
		case nil:
			n.Result = float64(0)
		case int64:
			n.Result = float64(v)
		case float64:
		default:
			return fmt.Errorf("result %v is not a number", n.Result)
		}
	case "string":
		if n.Result == nil {
			n.Result = ""
		}
		if _, ok := n.Result.(string); !ok {
			return fmt.Errorf("result %v is not a string", n.Result)
		}
	default:
		return fmt.Errorf("unknown return type %q (want void, int, float or string)", n.Returns)
	}
	return nil
}

// Install registers every stub of m in r. Each stub logs its call and
// returns the configured result.
func Install(r *registry.Registry, m *Manifest) error {
	log := logger.GetLogger()
	for _, n := range m.Natives {
		if err := r.RegisterFunc(n.Name, n.Params, stub(n)); err != nil {
			return fmt.Errorf("install stub: %w", err)
		}
	}
	for _, o := range m.Objects {
		if err := r.RegisterObject(o.Name, vm.NewBlock(o.Size)); err != nil {
			return fmt.Errorf("install stub: %w", err)
		}
	}
	log.Debug("Installed stubs", "natives", len(m.Natives), "objects", len(m.Objects), "manifest", m.Path)
	return nil
}

func stub(n Native) vm.NativeFunc {
	return func(call *vm.NativeCall) (vm.RuntimeValue, error) {
		logger.GetLogger().Info("Stub called", "name", call.Name, "args", describe(call))
		switch n.Returns {
		case "int":
			return vm.Int(int32(n.Result.(int64))), nil
		case "float":
			return vm.Float(float32(n.Result.(float64))), nil
		case "string":
			return call.NewString(n.Result.(string)), nil
		default:
			return vm.Null(), nil
		}
	}
}

// describe renders the arguments for the log. Pointer arguments are shown
// as the C string they point to when that read succeeds.
func describe(call *vm.NativeCall) string {
	parts := make([]string, 0, call.Len())
	for i, arg := range call.Args {
		if arg.Kind.IsPointer() {
			if s, err := call.String(i); err == nil {
				parts = append(parts, fmt.Sprintf("%q", s))
				continue
			}
		}
		parts = append(parts, arg.String())
	}
	return strings.Join(parts, ", ")
}
