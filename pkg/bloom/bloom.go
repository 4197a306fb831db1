// Package bloom implements a static Bloom filter and a scalable composite
// of them, used as an optional negative-lookup accelerator in front of
// SSTable reads.
package bloom

import (
	"encoding/binary"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// maxHashCount bounds how many independent hash functions a filter can use;
// past this point the achievable false-positive rate is negligible.
const maxHashCount = 32

// StaticParams describes a fixed-capacity filter.
type StaticParams struct {
	// TargetErrorRate is the maximum allowable false-positive rate, 0 < p < 1.
	TargetErrorRate float64
	// Capacity is the element count past which the false-positive rate
	// starts exceeding TargetErrorRate.
	Capacity uint64
}

func DefaultStaticParams() StaticParams {
	return StaticParams{TargetErrorRate: 0.01, Capacity: 1000}
}

// HashCount computes the optimal number of hash functions for a target
// false-positive rate: k = ceil(log2(1/p)).
func HashCount(targetErrorRate float64) uint64 {
	k := uint64(math.Ceil(math.Log2(1 / targetErrorRate)))
	if k > maxHashCount {
		k = maxHashCount
	}
	if k == 0 {
		k = 1
	}
	return k
}

// SliceBits computes the optimal size, in bits, of each of the k filter
// slices: m = ceil(c*|ln p| / (k*(ln 2)^2)).
func SliceBits(targetErrorRate float64, capacity uint64) uint64 {
	k := HashCount(targetErrorRate)
	numerator := float64(capacity) * math.Abs(math.Log(targetErrorRate))
	denominator := float64(k) * math.Ln2 * math.Ln2
	return uint64(math.Ceil(numerator / denominator))
}

// Static is a fixed-capacity Bloom filter. Each of its k slices holds one
// hash's bit, so bit index i's hash sets bit (h_i(data) mod m) + i*m.
type Static struct {
	Params       StaticParams
	slices       uint64
	bitsPerSlice uint64
	bits         *bitset.BitSet
	count        uint64
}

// NewStatic allocates a filter sized for params.
func NewStatic(params StaticParams) *Static {
	k := HashCount(params.TargetErrorRate)
	m := SliceBits(params.TargetErrorRate, params.Capacity)
	return &Static{
		Params:       params,
		slices:       k,
		bitsPerSlice: m,
		bits:         bitset.New(uint(k * m)),
	}
}

// Good reports whether fewer elements than the configured capacity have been
// inserted; past this point the false-positive rate degrades with each add.
func (s *Static) Good() bool { return s.count < s.Params.Capacity }

// Count returns the number of elements inserted so far.
func (s *Static) Count() uint64 { return s.count }

// bitIndex returns the bit index for the i-th hash of data. Seeding is
// implemented by hashing the seed bytes followed by data, since the pinned
// hash library exposes no seeded constructor.
func (s *Static) bitIndex(i uint64, data []byte) uint64 {
	d := xxhash.New()
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], i)
	_, _ = d.Write(seed[:])
	_, _ = d.Write(data)
	return (d.Sum64() % s.bitsPerSlice) + i*s.bitsPerSlice
}

// MightContain returns false if data is certainly absent, true if it is
// probably present (subject to false positives).
func (s *Static) MightContain(data []byte) bool {
	for i := uint64(0); i < s.slices; i++ {
		if !s.bits.Test(uint(s.bitIndex(i, data))) {
			return false
		}
	}
	return true
}

// Insert adds data to the filter, returning true if it was already
// (probably) present, i.e. all of its bits were already set.
func (s *Static) Insert(data []byte) bool {
	allSet := true
	for i := uint64(0); i < s.slices; i++ {
		idx := uint(s.bitIndex(i, data))
		wasSet := s.bits.Test(idx)
		s.bits.Set(idx)
		allSet = allSet && wasSet
	}
	if !allSet {
		s.count++
	}
	return allSet
}

// InsertNew adds data known not to have been inserted previously, skipping
// the membership probe Insert performs first.
func (s *Static) InsertNew(data []byte) {
	s.count++
	for i := uint64(0); i < s.slices; i++ {
		s.bits.Set(uint(s.bitIndex(i, data)))
	}
}
