// Package app wires the command line to the loader, the registry and the VM.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/zurustar/agsvm/pkg/cli"
	"github.com/zurustar/agsvm/pkg/disasm"
	"github.com/zurustar/agsvm/pkg/fileutil"
	"github.com/zurustar/agsvm/pkg/logger"
	"github.com/zurustar/agsvm/pkg/registry"
	"github.com/zurustar/agsvm/pkg/script"
	"github.com/zurustar/agsvm/pkg/stubs"
	"github.com/zurustar/agsvm/pkg/vm"
)

// Application runs one agsvm command.
type Application struct {
	config *cli.Config
	log    *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

// New creates an Application writing program output to stdout and logs to
// stderr.
func New(stdout, stderr io.Writer) *Application {
	return &Application{stdout: stdout, stderr: stderr}
}

// Run executes the command described by args.
func (app *Application) Run(args []string) error {
	config, err := cli.ParseArgs(args)
	if err != nil {
		return fmt.Errorf("failed to parse args: %w", err)
	}
	app.config = config

	if config.ShowHelp {
		cli.PrintHelp(app.stdout)
		return nil
	}

	if err := logger.InitLoggerWithFormat(config.LogLevel, config.LogFormat, app.stderr); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.log = logger.GetLogger()

	module, err := app.loadModule()
	if err != nil {
		return fmt.Errorf("failed to load script: %w", err)
	}

	switch config.Command {
	case cli.CommandDisasm:
		return disasm.Write(app.stdout, module)
	case cli.CommandInfo:
		data, err := disasm.MarshalInfo(disasm.Summarize(module), config.Format)
		if err != nil {
			return err
		}
		_, err = app.stdout.Write(data)
		return err
	default:
		return app.runScript(module)
	}
}

func (app *Application) loadModule() (*script.Module, error) {
	path, err := fileutil.Resolve(app.config.ScriptPath)
	if err != nil {
		return nil, err
	}
	module, err := script.LoadFile(path)
	if err != nil {
		return nil, err
	}
	app.log.Debug("Script loaded",
		"path", path,
		"version", module.Version,
		"code_words", len(module.Code),
		"imports", len(module.Imports),
		"exports", len(module.Exports))
	return module, nil
}

// newRegistry builds the registry with the builtins and, when configured,
// the stub manifest.
func (app *Application) newRegistry() (*registry.Registry, error) {
	reg := registry.New(registry.WithLogger(app.log))
	if err := registry.RegisterBuiltins(reg, app.stdout); err != nil {
		return nil, err
	}
	if app.config.NativesPath == "" {
		return reg, nil
	}
	manifest, err := stubs.Load(app.config.NativesPath)
	if err != nil {
		return nil, err
	}
	if err := stubs.Install(reg, manifest); err != nil {
		return nil, err
	}
	return reg, nil
}

func (app *Application) runScript(module *script.Module) error {
	reg, err := app.newRegistry()
	if err != nil {
		return fmt.Errorf("failed to set up natives: %w", err)
	}

	inst, err := vm.NewInstance(module, reg,
		vm.WithLogger(app.log),
		vm.WithMaxLoops(app.config.MaxLoops),
		vm.WithAutoImportExports(true))
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	defer inst.Free()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if app.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, app.config.Timeout)
		defer cancel()
	}

	args := make([]vm.RuntimeValue, len(app.config.ScriptArgs))
	for i, a := range app.config.ScriptArgs {
		args[i] = scriptValue(inst, a)
	}

	app.log.Info("Calling script", "entry", app.config.Entry, "args", len(args), "instance", inst.ID())
	result, err := inst.Call(ctx, app.config.Entry, args...)
	if err != nil {
		app.logFailure(err)
		return fmt.Errorf("script %s failed: %w", app.config.Entry, err)
	}
	app.log.Info("Script finished", "entry", app.config.Entry, "result", result.String())
	return nil
}

func scriptValue(inst *vm.Instance, v cli.Value) vm.RuntimeValue {
	switch v.Kind {
	case cli.ValueInt:
		return vm.Int(v.Int)
	case cli.ValueFloat:
		return vm.Float(v.Float)
	default:
		return vm.ObjectValue(inst.Heap().AllocString(script.EncodeString(v.Str)))
	}
}

// logFailure reports a script error with its position.
func (app *Application) logFailure(err error) {
	var rerr *vm.RuntimeError
	if !errors.As(err, &rerr) {
		app.log.Error("Script failed", "error", err)
		return
	}
	attrs := []any{
		"type", string(rerr.Type),
		"category", rerr.Category().String(),
		"module", rerr.Module,
		"line", rerr.Line,
		"pc", rerr.PC,
	}
	if rerr.Section != "" {
		attrs = append(attrs, "section", rerr.Section)
	}
	if rerr.Opcode != 0 {
		attrs = append(attrs, "opcode", rerr.Opcode.String())
	}
	if rerr.IsFatal() {
		app.log.Error("Script failed: "+rerr.Message, attrs...)
	} else {
		app.log.Warn("Script stopped: "+rerr.Message, attrs...)
	}
}
