//go:build !debug_symbols

package kernel

// walkStack is a no-op unless built with the debug_symbols tag (spec §7:
// frame-pointer backtraces are a debug-build feature).
func walkStack() []uintptr {
	return nil
}
