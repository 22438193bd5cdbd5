package kernel

import (
	"github.com/nullcore-os/kernel/kernel/cpu"
	"github.com/nullcore-os/kernel/kernel/kfmt/early"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// walkStackFn is mocked by tests. In a debug_symbols build it chases
	// saved frame pointers outward from its own caller, so the panic
	// path's own frames precede the caller of Panic; otherwise it returns
	// nil and no backtrace is printed.
	walkStackFn = walkStack

	// Symbolicate resolves a return address to (module, symbol, offset).
	// It is nil until kernel/module registers itself via
	// RegisterSymbolicator, which breaks the import cycle that would
	// otherwise exist between this package and kernel/module (which
	// needs *Error).
	Symbolicate func(addr uintptr) (module, symbol string, offset uintptr, ok bool)

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// RegisterSymbolicator installs the function Panic uses to resolve return
// addresses during a backtrace. kernel/module calls this from Table.Install.
func RegisterSymbolicator(fn func(addr uintptr) (module, symbol string, offset uintptr, ok bool)) {
	Symbolicate = fn
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return. Panic also works as a redirection target
// for calls to panic() (resolved via runtime.gopanic)
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	early.Printf("\n-----------------------------------\n")
	if err != nil {
		early.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	early.Printf("*** kernel panic: system halted ***")
	early.Printf("\n-----------------------------------\n")

	printBacktrace()

	cpuHaltFn()
}

// printBacktrace walks the call stack via saved frame pointers and
// symbolicates each return address against the module table. It is a
// no-op unless built with the debug_symbols tag; with no symbolicator
// registered it prints the raw return addresses instead. Other CPUs are assumed to have already been sent the
// shutdown IPI by the caller's panic path (out of scope for this package).
func printBacktrace() {
	frames := walkStackFn()
	if len(frames) == 0 {
		return
	}

	early.Printf("\nbacktrace:\n")
	for _, pc := range frames {
		if Symbolicate == nil {
			early.Printf("  0x%16x\n", pc)
			continue
		}

		module, symbol, offset, ok := Symbolicate(pc)
		if !ok {
			early.Printf("  0x%16x <unknown>\n", pc)
			continue
		}

		early.Printf("  0x%16x %s!%s+0x%x\n", pc, module, symbol, offset)
	}
}
