package main

import (
	"unsafe"

	"github.com/nullcore-os/kernel/boot/bootinfo"
)

// bootInfoPtr is written by the UEFI loader stub before jumping here, as a
// plain uintptr rather than a function argument: the entry trampoline runs
// before Go's own calling convention is anything the assembly side can rely
// on.
var bootInfoPtr uintptr

// main is the only Go symbol visible to the rt0 entry trampoline. It is
// intentionally kept tiny and non-inlinable so the linker cannot optimize
// Kmain away for appearing unreachable from the trampoline's perspective.
//
// main is invoked by the rt0 assembly code after the GDT is loaded and a
// minimal g0 struct is in place, running on the small bring-up stack the
// loader allocated. It never returns: Kmain ends in an idle halt loop.
func main() {
	Kmain((*bootinfo.BootInfo)(unsafe.Pointer(bootInfoPtr)))
}
