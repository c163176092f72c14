package offlinecache

import "github.com/migadu/imaptest/consts"

// Rand is the one method this package needs from a random source.
// Deliberately its own tiny interface rather than a dependency on the
// planner package's identical-shaped Rand — offlinecache and planner
// are independent external collaborators (spec.md §4.3 vs §6) and
// neither should have to import the other just to share a method set;
// any *rand.Rand, and any planner.Rand, already satisfies this too.
type Rand interface {
	Float64() float64
}

// ShouldSaveOnClose reports spec.md §4.3's "30% chance to save offline
// cache on mailbox close", decided by rnd rather than a package-level
// math/rand call so the choice is reproducible under a seeded Rand.
func ShouldSaveOnClose(rnd Rand) bool {
	return rnd.Float64() < consts.OfflineCacheSaveProbability
}
