package sync

import "github.com/nullcore-os/kernel/kernel/cpu"

// saveFlagsFn and restoreFlagsFn indirect the privileged RFLAGS/CLI/STI asm
// stubs so tests can exercise Acquire/Release on a hosted amd64 build
// without trapping into a #GP.
var (
	saveFlagsFn    = cpu.SaveFlags
	restoreFlagsFn = cpu.RestoreFlags
)

// SetFlagsHooks overrides the save/restore-RFLAGS functions every
// IRQSpinlock uses. Packages whose tests acquire one indirectly (pmm, vmm,
// heap, module, remap all lock on every allocation) call this from a test
// file to avoid trapping into the privileged CLI/STI/PUSHFQ/POPFQ stubs on
// a hosted run.
func SetFlagsHooks(save func() uintptr, restore func(uintptr)) {
	saveFlagsFn = save
	restoreFlagsFn = restore
}

// Rank identifies a lock's position in the kernel's fixed lock-acquisition
// order. Locks must be acquired in strictly increasing rank order; acquiring
// a lower-ranked lock while holding a higher-ranked one is a programming
// error that debug builds catch instead of silently risking deadlock.
type Rank uint8

// Lock order, lowest rank first. A goroutine holding a lock of rank N may
// only acquire locks of rank > N.
const (
	RankRemapList Rank = iota
	RankModuleList
	RankAddressSpaceList
	RankActiveVCB
	RankFrameAllocator
	RankPoolAllocator
)

// IRQSpinlock is a Spinlock that additionally disables interrupts for the
// duration the lock is held. Code running with interrupts enabled can be
// preempted by a handler that tries to acquire the same lock on the same
// CPU, which a plain Spinlock cannot protect against; IRQSpinlock closes
// that window by masking interrupts across the critical section.
type IRQSpinlock struct {
	inner Spinlock
	rank  Rank
	flags uintptr
}

// NewIRQSpinlock constructs an IRQSpinlock for the given lock-order rank.
func NewIRQSpinlock(rank Rank) *IRQSpinlock {
	return &IRQSpinlock{rank: rank}
}

// Acquire saves the current RFLAGS.IF state, disables interrupts, and blocks
// until the lock is held. In debug builds it also checks that acquiring this
// lock does not violate the rank order against locks already held by the
// calling goroutine.
func (l *IRQSpinlock) Acquire() {
	checkRankAcquire(l.rank)
	flags := saveFlagsFn()
	l.inner.Acquire()
	l.flags = flags
}

// Release unlocks and restores the RFLAGS.IF state captured by Acquire.
func (l *IRQSpinlock) Release() {
	flags := l.flags
	l.inner.Release()
	restoreFlagsFn(flags)
	checkRankRelease(l.rank)
}
