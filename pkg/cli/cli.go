// Package cli parses the agsvm command line and environment into a Config.
package cli

import (
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zurustar/agsvm/pkg/vm"
)

// Commands understood by agsvm.
const (
	CommandRun    = "run"
	CommandDisasm = "disasm"
	CommandInfo   = "info"
)

// DefaultEntry is the function "run" calls when --entry is not given.
const DefaultEntry = "game_start"

// Config holds the settings parsed from the command line.
type Config struct {
	Command     string
	ScriptPath  string
	ScriptArgs  []Value
	Timeout     time.Duration // 0 means no limit
	LogLevel    string        // debug, info, warn, error
	LogFormat   string        // text, json
	Entry       string
	NativesPath string // TOML stub manifest
	Format      string // info output: text, json, cbor
	MaxLoops    int    // runaway guard, 0 disables
	ShowHelp    bool
}

// ValueKind says how a positional script argument was parsed.
type ValueKind int

const (
	ValueInt ValueKind = iota
	ValueFloat
	ValueString
)

// Value is one positional argument passed on to the script.
type Value struct {
	Kind  ValueKind
	Int   int32
	Float float32
	Str   string
}

// ParseValue reads s as an integer, then a float, and otherwise keeps it
// as a string.
func ParseValue(s string) Value {
	if n, err := strconv.ParseInt(s, 0, 32); err == nil {
		return Value{Kind: ValueInt, Int: int32(n)}
	}
	if f, err := strconv.ParseFloat(s, 32); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) && strings.ContainsAny(s, ".eE") {
		return Value{Kind: ValueFloat, Float: float32(f)}
	}
	return Value{Kind: ValueString, Str: s}
}

func (v Value) String() string {
	switch v.Kind {
	case ValueInt:
		return strconv.Itoa(int(v.Int))
	case ValueFloat:
		return strconv.FormatFloat(float64(v.Float), 'g', -1, 32)
	default:
		return strconv.Quote(v.Str)
	}
}

// ParseArgs parses args (without the program name).
func ParseArgs(args []string) (*Config, error) {
	reorderedArgs := reorderArgs(args)

	fs := flag.NewFlagSet("agsvm", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	config := &Config{}

	var timeoutSec int
	fs.IntVar(&timeoutSec, "timeout", 0, "timeout in seconds")
	fs.IntVar(&timeoutSec, "t", 0, "timeout in seconds (shorthand)")
	fs.StringVar(&config.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&config.LogLevel, "l", "info", "log level (shorthand)")
	fs.StringVar(&config.LogFormat, "log-format", "text", "log format (text, json)")
	fs.StringVar(&config.Entry, "entry", DefaultEntry, "function to call")
	fs.StringVar(&config.Entry, "e", DefaultEntry, "function to call (shorthand)")
	fs.StringVar(&config.NativesPath, "natives", "", "TOML manifest of native stubs")
	fs.StringVar(&config.Format, "format", "text", "info output format (text, json, cbor)")
	fs.IntVar(&config.MaxLoops, "max-loops", vm.DefaultMaxLoops, "backward jumps allowed per call, 0 disables")
	fs.BoolVar(&config.ShowHelp, "help", false, "show help")
	fs.BoolVar(&config.ShowHelp, "h", false, "show help (shorthand)")

	if err := fs.Parse(reorderedArgs); err != nil {
		return nil, err
	}

	// environment, flags take precedence
	if timeoutSec == 0 {
		if timeoutEnv := os.Getenv("TIMEOUT"); timeoutEnv != "" {
			if t, err := strconv.Atoi(timeoutEnv); err == nil && t > 0 {
				timeoutSec = t
			}
		}
	}
	if config.LogLevel == "info" {
		if logLevelEnv := os.Getenv("LOG_LEVEL"); logLevelEnv != "" {
			config.LogLevel = strings.ToLower(logLevelEnv)
		}
	}
	if config.NativesPath == "" {
		config.NativesPath = os.Getenv("AGSVM_NATIVES")
	}

	if timeoutSec < 0 {
		return nil, fmt.Errorf("timeout must be non-negative, got %d", timeoutSec)
	}
	config.Timeout = time.Duration(timeoutSec) * time.Second

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[config.LogLevel] {
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.LogLevel)
	}
	if config.LogFormat != "text" && config.LogFormat != "json" {
		return nil, fmt.Errorf("invalid log format: %s (must be text or json)", config.LogFormat)
	}
	switch config.Format {
	case "text", "json", "cbor":
	default:
		return nil, fmt.Errorf("invalid format: %s (must be text, json, or cbor)", config.Format)
	}
	if config.MaxLoops < 0 {
		return nil, fmt.Errorf("max-loops must be non-negative, got %d", config.MaxLoops)
	}
	if config.Entry == "" {
		return nil, fmt.Errorf("entry function must not be empty")
	}

	if config.ShowHelp {
		return config, nil
	}

	if fs.NArg() < 2 {
		return nil, fmt.Errorf("usage: agsvm [options] <command> <script-file> [args...]")
	}
	config.Command = fs.Arg(0)
	switch config.Command {
	case CommandRun, CommandDisasm, CommandInfo:
	default:
		return nil, fmt.Errorf("unknown command: %s (must be run, disasm, or info)", config.Command)
	}
	config.ScriptPath = fs.Arg(1)
	for _, a := range fs.Args()[2:] {
		config.ScriptArgs = append(config.ScriptArgs, ParseValue(a))
	}
	if len(config.ScriptArgs) >= vm.MaxArgs {
		return nil, fmt.Errorf("too many script arguments: %d (max %d)", len(config.ScriptArgs), vm.MaxArgs-1)
	}

	return config, nil
}

// reorderArgs moves flags in front of positional arguments so flags may
// appear anywhere. Everything after "--" is positional.
func reorderArgs(args []string) []string {
	var flags []string
	var positional []string

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}

		if len(arg) > 1 && arg[0] == '-' && !isNumber(arg) {
			flags = append(flags, arg)

			// "-t 5": the next word is the flag's value
			if !strings.Contains(arg, "=") && i+1 < len(args) && !isBoolFlag(arg) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}

	return append(append(flags, "--"), positional...)
}

func isBoolFlag(arg string) bool {
	name := strings.TrimLeft(arg, "-")
	return name == "h" || name == "help"
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// PrintHelp writes the usage message to w.
func PrintHelp(w io.Writer) {
	fmt.Fprintf(w, `agsvm - AGS script bytecode virtual machine

Usage:
  agsvm [options] <command> <script-file> [args...]

Commands:
  run       load the script and call the entry function with args
  disasm    print an instruction listing
  info      print a module summary

Arguments:
  args      integers (12), floats (1.5) or strings passed to the entry function

Options:
  -e, --entry <name>          function to call (default: %s)
  -t, --timeout <seconds>     abort the script after the given time (default: no limit)
  -l, --log-level <level>     log level: debug, info, warn, error (default: info)
  --log-format <format>       log format: text, json (default: text)
  --natives <file>            TOML manifest of native stubs
  --format <format>           info output: text, json, cbor (default: text)
  --max-loops <n>             backward jumps allowed per call, 0 disables (default: %d)
  -h, --help                  show this help

Environment Variables:
  TIMEOUT=<seconds>           timeout in seconds
  LOG_LEVEL=<level>           log level
  AGSVM_NATIVES=<file>        native stub manifest

Examples:
  agsvm run game.scom
  agsvm --natives engine.toml run game.scom
  agsvm run -e on_key_press game.scom 65
  agsvm --format json info game.scom
  agsvm disasm game.scom
`, DefaultEntry, vm.DefaultMaxLoops)
}
