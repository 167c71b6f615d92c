package behavior

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// SignatureWidth is the number of MinHash lanes. Wider signatures
// estimate Jaccard similarity more tightly; 512 lanes bound the standard
// error near 0.022.
const SignatureWidth = 512

// laneSeeds holds one mixing constant per lane, derived from a fixed
// seed so signatures are comparable across runs and hosts.
var laneSeeds = func() [SignatureWidth]uint64 {
	var seeds [SignatureWidth]uint64
	state := uint64(0x9e3779b97f4a7c15)
	for i := range seeds {
		state = splitmix64(&state)
		seeds[i] = state
	}
	return seeds
}()

// splitmix64 advances the seed state and returns the next constant.
func splitmix64(state *uint64) uint64 {
	*state += 0x9e3779b97f4a7c15
	z := *state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// mix64 is the splitmix finalizer, applied to the base hash xor the lane
// seed to simulate an independent hash function per lane.
func mix64(z uint64) uint64 {
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// MinHash computes the signature of a shingle set: per lane, the minimum
// of the lane-mixed hashes over all shingles. An empty set yields the
// all-max signature, which matches nothing.
func MinHash(shingles []string) []uint64 {
	sig := make([]uint64, SignatureWidth)
	for i := range sig {
		sig[i] = math.MaxUint64
	}
	for _, sh := range shingles {
		base := xxhash.Sum64String(sh)
		for i := range sig {
			if v := mix64(base ^ laneSeeds[i]); v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}

// Jaccard estimates set similarity as the fraction of equal lanes.
// Signatures of different widths are incomparable and score zero.
func Jaccard(a, b []uint64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	equal := 0
	for i := range a {
		if a[i] == b[i] {
			equal++
		}
	}
	return float64(equal) / float64(len(a))
}
