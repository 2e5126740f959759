package registry

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strings"
	"unicode/utf8"

	"github.com/zurustar/agsvm/pkg/script"
	"github.com/zurustar/agsvm/pkg/vm"
)

// ErrGameAborted is returned by the AbortGame native.
var ErrGameAborted = errors.New("game aborted by script")

// RegisterBuiltins registers the small engine API available to every
// script: text output, string helpers and numeric conversions. Display
// output goes to out.
func RegisterBuiltins(r *Registry, out io.Writer) error {
	var errs []error
	add := func(name, params string, fn vm.NativeFunc) {
		errs = append(errs, r.RegisterFunc(name, params, fn))
	}

	// Display: printf-style message written as one line
	add("Display", "s...", func(call *vm.NativeCall) (vm.RuntimeValue, error) {
		format, err := call.String(0)
		if err != nil {
			return vm.Null(), err
		}
		msg, err := formatArgs(call, format, 1)
		if err != nil {
			return vm.Null(), err
		}
		r.log.Debug("Display called", "message", msg)
		_, err = fmt.Fprintln(out, msg)
		return vm.Null(), err
	})

	// String::Format: printf-style formatting into a new string
	add("String::Format", "s...", func(call *vm.NativeCall) (vm.RuntimeValue, error) {
		format, err := call.String(0)
		if err != nil {
			return vm.Null(), err
		}
		msg, err := formatArgs(call, format, 1)
		if err != nil {
			return vm.Null(), err
		}
		return call.NewString(msg), nil
	})

	// String::get_Length: length of the receiver in characters
	add("String::get_Length", "", func(call *vm.NativeCall) (vm.RuntimeValue, error) {
		s, err := call.ReceiverString()
		if err != nil {
			return vm.Null(), err
		}
		return vm.Int(int32(utf8.RuneCountInString(s))), nil
	})

	// String::Append: receiver followed by the argument, as a new string
	add("String::Append", "s", func(call *vm.NativeCall) (vm.RuntimeValue, error) {
		s, err := call.ReceiverString()
		if err != nil {
			return vm.Null(), err
		}
		tail, err := stringOrEmpty(call, 0)
		if err != nil {
			return vm.Null(), err
		}
		return call.NewString(s + tail), nil
	})

	// String::CompareTo: -1, 0 or 1, optionally ignoring case
	add("String::CompareTo", "s...", func(call *vm.NativeCall) (vm.RuntimeValue, error) {
		s, err := call.ReceiverString()
		if err != nil {
			return vm.Null(), err
		}
		other, err := stringOrEmpty(call, 0)
		if err != nil {
			return vm.Null(), err
		}
		if call.Len() < 2 {
			return vm.Int(int32(strings.Compare(s, other))), nil
		}
		caseSensitive, err := call.Int(1)
		if err != nil {
			return vm.Null(), err
		}
		if caseSensitive == 0 {
			s, other = strings.ToLower(s), strings.ToLower(other)
		}
		return vm.Int(int32(strings.Compare(s, other))), nil
	})

	// Random: integer from 0 to max inclusive
	add("Random", "i", func(call *vm.NativeCall) (vm.RuntimeValue, error) {
		limit, err := call.Int(0)
		if err != nil {
			return vm.Null(), err
		}
		if limit < 0 {
			return vm.Null(), fmt.Errorf("Random: negative max %d", limit)
		}
		return vm.Int(int32(rand.Intn(int(limit) + 1))), nil
	})

	// IntToFloat: integer to float
	add("IntToFloat", "i", func(call *vm.NativeCall) (vm.RuntimeValue, error) {
		v, err := call.Int(0)
		if err != nil {
			return vm.Null(), err
		}
		return vm.Float(float32(v)), nil
	})

	// FloatToInt: float to integer; the optional second argument picks
	// 0 round down, 1 round to nearest, 2 round up
	add("FloatToInt", "f...", func(call *vm.NativeCall) (vm.RuntimeValue, error) {
		f, err := call.Float(0)
		if err != nil {
			return vm.Null(), err
		}
		dir := int32(0)
		if call.Len() > 1 {
			if dir, err = call.Int(1); err != nil {
				return vm.Null(), err
			}
		}
		v := float64(f)
		switch dir {
		case 0:
			v = math.Floor(v)
		case 1:
			v = math.Round(v)
		case 2:
			v = math.Ceil(v)
		default:
			return vm.Null(), fmt.Errorf("FloatToInt: unknown rounding direction %d", dir)
		}
		if v > math.MaxInt32 || v < math.MinInt32 || math.IsNaN(v) {
			return vm.Null(), fmt.Errorf("FloatToInt: %g out of range", f)
		}
		return vm.Int(int32(v)), nil
	})

	// AbortGame: stop the script with a formatted message
	add("AbortGame", "s...", func(call *vm.NativeCall) (vm.RuntimeValue, error) {
		format, err := call.String(0)
		if err != nil {
			return vm.Null(), err
		}
		msg, err := formatArgs(call, format, 1)
		if err != nil {
			return vm.Null(), err
		}
		return vm.Null(), fmt.Errorf("%w: %s", ErrGameAborted, msg)
	})

	return errors.Join(errs...)
}

func stringOrEmpty(call *vm.NativeCall, i int) (string, error) {
	if call.Args[i].IsNull() {
		return "", nil
	}
	return call.String(i)
}

// formatArgs expands the printf-style directives of format with the call
// arguments starting at first. Supported verbs are d i x X o c s f e g and
// %%, with the usual flags, width and precision. Directives without a
// matching argument are copied through unchanged.
func formatArgs(call *vm.NativeCall, format string, first int) (string, error) {
	var sb strings.Builder
	next := first
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			sb.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(format) && strings.IndexByte("-+ 0#", format[j]) >= 0 {
			j++
		}
		for j < len(format) && (format[j] >= '0' && format[j] <= '9' || format[j] == '.') {
			j++
		}
		// legacy "%ld" style length modifiers
		for j < len(format) && (format[j] == 'l' || format[j] == 'h') {
			j++
		}
		if j >= len(format) {
			sb.WriteString(format[i:])
			break
		}
		verb := format[j]
		prefix := strings.TrimRight(format[i:j], "lh")
		directive := format[i : j+1]
		i = j

		if verb == '%' {
			sb.WriteByte('%')
			continue
		}
		if !strings.ContainsRune("dixXocsfeg", rune(verb)) {
			sb.WriteString(directive)
			continue
		}
		if next >= call.Len() {
			sb.WriteString(directive)
			continue
		}
		arg := next
		next++

		switch verb {
		case 'd', 'i':
			v, err := call.Int(arg)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&sb, prefix+"d", v)
		case 'x', 'X', 'o':
			v, err := call.Int(arg)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&sb, prefix+string(verb), uint32(v))
		case 'c':
			v, err := call.Int(arg)
			if err != nil {
				return "", err
			}
			ch, err := script.DecodeString([]byte{byte(v)})
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&sb, prefix+"s", ch)
		case 's':
			s := "(null)"
			if !call.Args[arg].IsNull() {
				var err error
				if s, err = call.String(arg); err != nil {
					return "", err
				}
			}
			fmt.Fprintf(&sb, prefix+"s", s)
		default:
			v, err := call.Float(arg)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&sb, prefix+string(verb), v)
		}
	}
	return sb.String(), nil
}
