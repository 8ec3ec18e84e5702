package qemu

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Argument is a single qemu-system command-line flag, with or without a
// value, optionally marked unique within an Arguments list.
type Argument struct {
	name          string
	value         string
	nonUniqueName bool
}

// Equal compares two Arguments. Unique-named arguments compare by name
// only, so two occurrences of the same unique flag collide regardless of
// value.
func (a Argument) Equal(b Argument) bool {
	if a.name != b.name {
		return false
	}
	if a.nonUniqueName {
		return a.value == b.value
	}
	return true
}

// WithValue returns a constructor that attaches a value to a copy of a.
func (a Argument) WithValue() func(string) Argument {
	return func(v string) Argument {
		out := a
		out.value = v
		return out
	}
}

// WithMultiValue joins values with separator before attaching them.
func (a Argument) WithMultiValue(separator string) func(...string) Argument {
	return func(values ...string) Argument {
		return a.WithValue()(strings.Join(values, separator))
	}
}

// WithIntValue converts an int to its decimal string value.
func (a Argument) WithIntValue() func(int) Argument {
	return func(i int) Argument {
		return a.WithValue()(strconv.Itoa(i))
	}
}

// UniqueArg declares a flag that may appear at most once per command.
func UniqueArg(name string) Argument {
	return Argument{name: name}
}

// RepeatableArg declares a flag that may appear multiple times (e.g.
// -device, -chardev).
func RepeatableArg(name string) Argument {
	return Argument{name: name, nonUniqueName: true}
}

var (
	ArgMachine  = UniqueArg("machine").WithValue()
	ArgCPU      = UniqueArg("cpu").WithValue()
	ArgSMP      = UniqueArg("smp").WithIntValue()
	ArgMemory   = UniqueArg("m").WithIntValue()
	ArgKernel   = UniqueArg("kernel").WithValue()
	ArgInitrd   = UniqueArg("initrd").WithValue()
	ArgAppend   = RepeatableArg("append").WithMultiValue(" ")
	ArgDevice   = RepeatableArg("device").WithMultiValue(",")
	ArgChardev  = RepeatableArg("chardev").WithMultiValue(",")
	ArgObject   = RepeatableArg("object").WithMultiValue(",")
	ArgNumaNode = RepeatableArg("numa").WithMultiValue(",")
	ArgDrive    = RepeatableArg("drive").WithMultiValue(",")
	ArgSerial   = RepeatableArg("serial").WithValue()
	ArgSMBIOS   = RepeatableArg("smbios").WithMultiValue(",")
	ArgQMP      = UniqueArg("qmp").WithValue()
	ArgNoGraphic = UniqueArg("nographic")
	ArgEnableKVM = UniqueArg("enable-kvm")
	ArgNetdev   = RepeatableArg("netdev").WithMultiValue(",")
)

// Arguments is an ordered list of Argument. Call Build once assembly is
// complete to render the exec.Command-ready string slice.
type Arguments []Argument

// Add appends Arguments to the list.
func (a *Arguments) Add(args ...Argument) {
	*a = append(*a, args...)
}

// Build renders the argument list, failing if any unique flag collides
// with an earlier occurrence.
func (a Arguments) Build() ([]string, error) {
	out := make([]string, 0, len(a)*2)
	for i, arg := range a {
		if slices.ContainsFunc(a[i+1:], arg.Equal) {
			return nil, fmt.Errorf("qemu: colliding argument -%s", arg.name)
		}
		out = append(out, "-"+arg.name)
		if arg.value != "" {
			out = append(out, arg.value)
		}
	}
	return out, nil
}
