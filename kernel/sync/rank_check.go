//go:build !debug_lockrank

package sync

// checkRankAcquire and checkRankRelease are no-ops unless built with the
// debug_lockrank tag; the per-goroutine rank stack below has real overhead
// and is a development aid, not something a release kernel pays for.
func checkRankAcquire(_ Rank) {}
func checkRankRelease(_ Rank) {}
