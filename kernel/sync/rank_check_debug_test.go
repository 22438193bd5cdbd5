//go:build debug_lockrank

package sync

import "testing"

func resetHeldRanks(t *testing.T) {
	t.Cleanup(func() { heldRanks = nil })
}

func TestRankCheckOutOfOrder(t *testing.T) {
	resetHeldRanks(t)

	defer func() {
		if recover() == nil {
			t.Fatal("expected acquiring a lower-ranked lock to panic")
		}
	}()

	checkRankAcquire(RankFrameAllocator)
	checkRankAcquire(RankModuleList)
}

func TestRankCheckInOrder(t *testing.T) {
	resetHeldRanks(t)

	checkRankAcquire(RankRemapList)
	checkRankAcquire(RankModuleList)
	checkRankRelease(RankModuleList)
	checkRankRelease(RankRemapList)

	if len(heldRanks) != 0 {
		t.Fatalf("expected empty rank stack, got %v", heldRanks)
	}
}
