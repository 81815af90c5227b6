package common

import "math/rand"

////////////////////////////////////////////////////////////////////////////////////////
// Seeds
////////////////////////////////////////////////////////////////////////////////////////

// Every rng used by a concurrent task is created from a seed derived before the task
// starts. No *rand.Rand is shared between goroutines.

// NewRand returns a deterministic rng for the seed.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// ChildSeed draws a seed in [0, 2^32) from the parent.
func ChildSeed(parent *rand.Rand) int64 {
	return int64(parent.Uint32())
}

// ChildSeeds draws n child seeds from the parent in order.
func ChildSeeds(parent *rand.Rand, n int) []int64 {
	seeds := make([]int64, n)
	for i := range seeds {
		seeds[i] = ChildSeed(parent)
	}
	return seeds
}

// RandInt returns a uniform integer in [min, max]. The bounds are swapped when
// inverted.
func RandInt(rng *rand.Rand, min, max int64) int64 {
	if max < min {
		min, max = max, min
	}
	if max == min {
		return min
	}
	return min + rng.Int63n(max-min+1)
}
