// +build amd64

package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register. This is the
// faulting address for the most recent page fault.
func ReadCR2() uint64

// SaveFlags returns the current value of RFLAGS and disables interrupts. It
// is paired with RestoreFlags to implement IRQSpinlock's
// interrupt-disable-on-acquire, restore-prior-state-on-release discipline.
func SaveFlags() uintptr

// RestoreFlags restores a RFLAGS value previously returned by SaveFlags.
func RestoreFlags(flags uintptr)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// HasPGE returns true if the CPU advertises the Page Global Enable feature
// (CPUID leaf 1, EDX bit 13). The page mapper only sets the G flag on
// kernel-half mappings when this is true.
func HasPGE() bool {
	_, _, _, edx := cpuidFn(1)
	return edx&(1<<13) != 0
}
