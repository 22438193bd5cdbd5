//go:build debug_lockrank

package sync

import "github.com/nullcore-os/kernel/kernel"

// heldRanks is the stack of lock ranks currently held by the running
// execution context. The kernel runs one goroutine per CPU with no
// preemption across this package's calls, so a single package-level stack
// stands in for what would be a per-CPU stack in the real kernel.
var heldRanks []Rank

func checkRankAcquire(rank Rank) {
	if n := len(heldRanks); n > 0 && heldRanks[n-1] >= rank {
		panic(&kernel.Error{
			Module:  "sync",
			Message: "lock order violation: attempted to acquire a lock out of rank order",
		})
	}
	heldRanks = append(heldRanks, rank)
}

func checkRankRelease(rank Rank) {
	n := len(heldRanks)
	if n == 0 || heldRanks[n-1] != rank {
		panic(&kernel.Error{
			Module:  "sync",
			Message: "lock order violation: released a lock out of acquisition order",
		})
	}
	heldRanks = heldRanks[:n-1]
}
