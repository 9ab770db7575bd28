// Copyright 2018 The amcheck Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package bloom implements a minimal Bloom filter.
//
// A Bloom filter is a probabilistic data structure used to test an
// element's membership of a set. False positives are possible, but
// false negatives are not: a membership test returns either "possibly
// in set" or "definitely not in set". Elements can be added to the set,
// but not removed. The more elements added, the larger the probability
// of false positives; the caller hints an estimated total size of the
// set at creation to balance memory use against the final false
// positive rate.
package bloom

import (
	"math"
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

const (
	// maxHashFuncs caps the number of hash functions per element.
	maxHashFuncs = 10

	// minBitsetBytes is the smallest allowed bitset, 1MB.
	minBitsetBytes = 1 << 20

	// maxBitsetPower caps the bitset at 2^32 bits (512MB), which keeps
	// 32-bit hash values sufficient for indexing it.
	maxBitsetPower = 32
)

// Filter is an append/query-only Bloom filter.
type Filter struct {
	kHashFuncs int
	seed       uint64
	// bitsetBits is int64 because 2^32 exceeds the uint32 range.
	bitsetBits int64
	bitset     []byte
}

// New creates a Bloom filter sized for an estimated totalElems
// elements within a budget of budgetBytes. This gets a false positive
// rate between 1% and 2% when the bitset is not constrained by memory.
//
// totalElems ought to be approximately correct, but the filter copes
// well with it being off by a factor of five or more. The filter
// behaves non-deterministically across differing seed values, which
// keeps one run's false positives from repeating in the next.
func New(totalElems, budgetBytes int64, seed uint64) *Filter {
	// Aim for two bytes per element; sufficient for a false positive
	// rate below 1%, independent of the size of the bitset or total
	// number of elements. Rounding the bitset down to a power of two
	// keeps the rate under 2% in almost all cases.
	bitsetBytes := min(budgetBytes, totalElems*2)
	bitsetBytes = max(bitsetBytes, minBitsetBytes)

	bitsetBits := int64(1) << bloomPower(bitsetBytes*8)
	f := &Filter{
		kHashFuncs: optimalK(bitsetBits, totalElems),
		seed:       seed,
		bitsetBits: bitsetBits,
		bitset:     make([]byte, bitsetBits/8),
	}
	return f
}

// Add adds an element to the filter.
func (f *Filter) Add(elem []byte) {
	var hashes [maxHashFuncs]uint32
	f.kHashes(&hashes, elem)
	// Map a bit-wise address to a byte-wise address + bit offset.
	for i := 0; i < f.kHashFuncs; i++ {
		f.bitset[hashes[i]>>3] |= 1 << (hashes[i] & 7)
	}
}

// Lacks reports whether the filter definitely lacks an element: true
// means the element was never added, false means it is probably
// present.
func (f *Filter) Lacks(elem []byte) bool {
	var hashes [maxHashFuncs]uint32
	f.kHashes(&hashes, elem)
	for i := 0; i < f.kHashFuncs; i++ {
		if f.bitset[hashes[i]>>3]&(1<<(hashes[i]&7)) == 0 {
			return true
		}
	}
	return false
}

// PropBitsSet returns the proportion of bits currently set.
//
// This is a generic indicator of whether the filter has summarized the
// set optimally within the available memory budget. A value well above
// 0.5 means the set size was dramatically underestimated, or the
// budget was very low relative to the set (under 2 bits per element).
func (f *Filter) PropBitsSet() float64 {
	var set int64
	for _, b := range f.bitset {
		set += int64(bits.OnesCount8(b))
	}
	return float64(set) / float64(f.bitsetBits)
}

// bloomPower returns the largest power-of-two exponent with
// 2^power <= targetBits, capped at maxBitsetPower.
func bloomPower(targetBits int64) int {
	power := -1
	for targetBits > 0 && power < maxBitsetPower {
		power++
		targetBits >>= 1
	}
	return power
}

// optimalK returns the number of hash functions that minimizes the
// false positive rate for the given bitset size and projected element
// count.
func optimalK(bitsetBits, totalElems int64) int {
	k := int(math.Round(math.Log(2) * float64(bitsetBits) / float64(totalElems)))
	return max(1, min(k, maxHashFuncs))
}

// kHashes fills hashes with kHashFuncs bit addresses for elem.
//
// Only two independent hash functions are computed; "enhanced double
// hashing" synthesizes the rest. See Dillinger & Manolios (2004) and
// Kirsch & Mitzenmacher, "Building a Better Bloom Filter", for why two
// suffice.
func (f *Filter) kHashes(hashes *[maxHashFuncs]uint32, elem []byte) {
	hashA := uint64(uint32(xxhash.Sum64(elem)))
	var hashB uint64
	if f.kHashFuncs > 1 {
		hashB = uint64(sdbmHash(elem))
	}

	// Mix seed value, then reduce mod bitset size to keep every bit
	// address in bounds.
	bitsetBits := uint64(f.bitsetBits)
	hashA = (hashA + f.seed) % bitsetBits
	hashB = hashB % bitsetBits

	hashes[0] = uint32(hashA)
	for i := 1; i < f.kHashFuncs; i++ {
		hashA = (hashA + hashB) % bitsetBits
		hashB = (hashB + uint64(i)) % bitsetBits
		hashes[i] = uint32(hashA)
	}
}

// sdbmHash is the hash function from sdbm, a public-domain
// reimplementation of the ndbm database library.
func sdbmHash(elem []byte) uint32 {
	var hash uint32
	for _, b := range elem {
		hash = uint32(b) + (hash << 6) + (hash << 16) - hash
	}
	return hash
}
