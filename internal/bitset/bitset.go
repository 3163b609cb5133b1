// Copyright 2021 The bit Authors and Caleb Spare. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package bitset

import "math/bits"

// Bitset is an in-memory bitmap that is conceptually similar to []bool, but more memory efficient.
type Bitset struct {
	bits   []uint64
	length int64
}

func getOffsets(off int64) (sliceOff int64, bitOff uint64) {
	sliceOff = off / 64
	bitOff = uint64(off) % 64
	return
}

// Set sets the bit at position `off` to 1.
func (b *Bitset) Set(off int64) {
	if off < 0 || off >= b.length {
		return
	}
	sliceOff, bitOff := getOffsets(off)
	b.bits[sliceOff] |= 1 << bitOff
}

// Clear sets the bit at position `off` to 0.
func (b *Bitset) Clear(off int64) {
	if off < 0 || off >= b.length {
		return
	}
	sliceOff, bitOff := getOffsets(off)
	b.bits[sliceOff] &= ^(1 << bitOff)
}

// IsSet returns true if the bit at position `off` is 1.
func (b *Bitset) IsSet(off int64) bool {
	if off < 0 || off >= b.length {
		return false
	}
	sliceOff, bitOff := getOffsets(off)
	return b.bits[sliceOff]&(1<<bitOff) != 0
}

// Len returns the number of addressable bits.
func (b *Bitset) Len() int64 {
	return b.length
}

// Grow extends the bitset to hold at least `length` bits.  New bits are 0.
func (b *Bitset) Grow(length int64) {
	if length <= b.length {
		return
	}
	sliceLen := (length + 63) / 64
	for int64(len(b.bits)) < sliceLen {
		b.bits = append(b.bits, 0)
	}
	b.length = length
}

// Reset sets every bit to 0.
func (b *Bitset) Reset() {
	for i := range b.bits {
		b.bits[i] = 0
	}
}

// Any returns true if at least one bit is set.
func (b *Bitset) Any() bool {
	for _, u64 := range b.bits {
		if u64 != 0 {
			return true
		}
	}
	return false
}

// ForEach calls fn with the position of every set bit, in ascending order.
// Iteration stops early if fn returns false.
func (b *Bitset) ForEach(fn func(off int64) bool) bool {
	for i, u64 := range b.bits {
		for u64 != 0 {
			bit := bits.TrailingZeros64(u64)
			if !fn(int64(i)*64 + int64(bit)) {
				return false
			}
			u64 &= u64 - 1
		}
	}
	return true
}

// New returns a new in-memory bitset where you can set, clear and test for individual bits.
func New(length int64) *Bitset {
	sliceLen := (length + 63) / 64
	return &Bitset{
		bits:   make([]uint64, sliceLen),
		length: length,
	}
}
