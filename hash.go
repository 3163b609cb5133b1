// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package logmap

// adjustedHash mixes a descriptor-provided hash into an index key.
// Descriptors like Int32Keys return the key itself, which clusters
// badly; the murmur3 finalizer spreads those bits.  The index reserves
// 0, so it is remapped.
func adjustedHash(h int32) int32 {
	x := uint32(h)
	x ^= x >> 16
	x *= 0x85ebca6b
	x ^= x >> 13
	x *= 0xc2b2ae35
	x ^= x >> 16
	if x == 0 {
		// fmix32 is a bijection with fmix32(0) == 0, so nothing else maps here
		return 1
	}
	return int32(x)
}
