// Copyright 2022 The bit Authors and Caleb Spare. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"encoding/binary"
	"math/bits"

	"github.com/cespare/xxhash/v2"

	"github.com/bpowers/logmap/internal/zero"
)

// NoValue is never a valid key or value.
const NoValue int32 = 0

// segment is an open-addressing hash table with linear probing.  Slot
// i is (slots[2*i], slots[2*i+1]) and can be in one of three states:
//
//	(NoValue, NoValue)  free; terminates a probe sequence
//	(NoValue, v != 0)   tombstone; a removed entry, probing continues past it
//	(k != 0, v != 0)    alive
//
// The values stored under one key form a set: a (key, value) pair is
// present at most once.
type segment struct {
	depth  int32 // number of low hash bits shared by every key in the segment
	suffix int32 // the shared low hash bits
	alive  int32
	slots  []int32
}

func newSegment(capacity int, depth, suffix int32) *segment {
	return &segment{
		depth:  depth,
		suffix: suffix,
		slots:  make([]int32, 2*capacity),
	}
}

// hash spreads key over 32 bits: the low bits pick the segment and the
// high bits the starting slot.
func hash(key int32) uint32 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(key))
	h := xxhash.Sum64(buf[:])
	return uint32(h) ^ uint32(h>>32)
}

func suffixMask(depth int32) uint32 {
	return (uint32(1) << depth) - 1
}

func (s *segment) capacity() int {
	return len(s.slots) / 2
}

// the directory consumes the low bits of the hash, so start probing
// from the high ones.
func (s *segment) startSlot(h uint32) int {
	return int(bits.RotateLeft32(h, 16) % uint32(s.capacity()))
}

func (s *segment) entry(i int) (key, value int32) {
	return s.slots[2*i], s.slots[2*i+1]
}

func (s *segment) setEntry(i int, key, value int32) {
	s.slots[2*i] = key
	s.slots[2*i+1] = value
}

func (s *segment) needsSplit() bool {
	return int(s.alive) > s.capacity()/2
}

// singleHash reports whether every alive entry hashes to the same
// value, in which case no split can separate them.
func (s *segment) singleHash() bool {
	var first uint32
	found := false
	for i := 0; i < s.capacity(); i++ {
		k, _ := s.entry(i)
		if k == NoValue {
			continue
		}
		h := hash(k)
		if !found {
			first, found = h, true
		} else if h != first {
			return false
		}
	}
	return found
}

// lookup returns the first value stored under key for which accept
// returns true, or NoValue.
func (s *segment) lookup(key int32, h uint32, accept func(int32) (bool, error)) (int32, error) {
	capacity := s.capacity()
	start := s.startSlot(h)
	for probe := 0; probe < capacity; probe++ {
		i := (start + probe) % capacity
		k, v := s.entry(i)
		if k == key {
			ok, err := accept(v)
			if err != nil {
				return NoValue, err
			}
			if ok {
				return v, nil
			}
		} else if k == NoValue && v == NoValue {
			break
		}
	}
	return NoValue, nil
}

func (s *segment) has(key, value int32, h uint32) bool {
	capacity := s.capacity()
	start := s.startSlot(h)
	for probe := 0; probe < capacity; probe++ {
		i := (start + probe) % capacity
		k, v := s.entry(i)
		if k == key && v == value {
			return true
		} else if k == NoValue && v == NoValue {
			break
		}
	}
	return false
}

// put inserts (key, value) unless it is already present.  It reports
// false for a duplicate pair and returns errFull if no slot is left.
func (s *segment) put(key, value int32, h uint32) (bool, error) {
	capacity := s.capacity()
	start := s.startSlot(h)
	firstTombstone := -1
	for probe := 0; probe < capacity; probe++ {
		i := (start + probe) % capacity
		k, v := s.entry(i)
		if k == key && v == value {
			return false, nil
		}
		if k != NoValue {
			continue
		}
		if v != NoValue {
			if firstTombstone < 0 {
				firstTombstone = i
			}
			continue
		}
		if firstTombstone >= 0 {
			i = firstTombstone
		}
		s.setEntry(i, key, value)
		s.alive++
		return true, nil
	}

	// every slot was visited: the segment is all alive entries and tombstones
	if s.alive == 0 {
		zero.Int32(s.slots)
		return s.put(key, value, h)
	}
	if firstTombstone >= 0 {
		s.setEntry(firstTombstone, key, value)
		s.alive++
		return true, nil
	}
	return false, ErrFull
}

func (s *segment) remove(key, value int32, h uint32) bool {
	capacity := s.capacity()
	start := s.startSlot(h)
	for probe := 0; probe < capacity; probe++ {
		i := (start + probe) % capacity
		k, v := s.entry(i)
		if k == key && v == value {
			s.markDeleted(i)
			return true
		}
		if k == NoValue && v == NoValue {
			return false
		}
	}
	return false
}

// replace swaps oldValue for newValue under key.  If newValue is
// already present oldValue is just removed, so the values stay a set.
func (s *segment) replace(key, oldValue, newValue int32, h uint32) bool {
	capacity := s.capacity()
	start := s.startSlot(h)
	oldSlot, newSlot := -1, -1
	for probe := 0; probe < capacity; probe++ {
		i := (start + probe) % capacity
		k, v := s.entry(i)
		if k == key {
			if v == oldValue {
				oldSlot = i
			} else if v == newValue {
				newSlot = i
			}
		}
		if k == NoValue && v == NoValue {
			break
		}
	}

	if oldSlot < 0 {
		return false
	}
	if newSlot >= 0 {
		s.markDeleted(oldSlot)
	} else {
		s.setEntry(oldSlot, key, newValue)
	}
	return true
}

// markDeleted keeps the value in place so the slot reads as a tombstone.
func (s *segment) markDeleted(i int) {
	s.slots[2*i] = NoValue
	s.alive--
}

// appendAlive appends the alive (key, value) pairs to dst.
func (s *segment) appendAlive(dst []int32) []int32 {
	for i := 0; i < s.capacity(); i++ {
		k, v := s.entry(i)
		if k != NoValue {
			dst = append(dst, k, v)
		}
	}
	return dst
}

func (s *segment) reset() {
	zero.Int32(s.slots)
	s.alive = 0
}
