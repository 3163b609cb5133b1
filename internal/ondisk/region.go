// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package ondisk provides views of fixed-size regions of a file as
// little-endian int32 arrays.
package ondisk

import (
	"encoding/binary"
	"fmt"
	"io"
)

// File is usually an *os.File, but specified as an interface for easier testing.
type File interface {
	io.ReaderAt
	io.WriterAt
}

// Int32Region is a fixed-length array of int32s stored at a fixed offset in a file.
type Int32Region struct {
	f   File
	len int   // length in number of elements
	off int64 // offset in bytes of the start of this region
}

func NewInt32Region(f File, len int, off int64) *Int32Region {
	return &Int32Region{
		f:   f,
		len: len,
		off: off,
	}
}

// Len returns the number of elements in the region.
func (r *Int32Region) Len() int {
	return r.len
}

// ByteLen returns the size of the region in bytes.
func (r *Int32Region) ByteLen() int64 {
	return int64(r.len) * 4
}

func (r *Int32Region) Set(i int, value int32) error {
	if i < 0 || i >= r.len {
		return fmt.Errorf("offset (%d) out of range (len %d)", i, r.len)
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(value))
	_, err := r.f.WriteAt(buf[:], r.off+int64(4*i))
	return err
}

func (r *Int32Region) Get(i int) (int32, error) {
	if i < 0 || i >= r.len {
		return 0, fmt.Errorf("offset (%d) out of range (len %d)", i, r.len)
	}
	var buf [4]byte
	if _, err := r.f.ReadAt(buf[:], r.off+int64(4*i)); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// WriteAll encodes src into buf (which must hold at least 4*len(src) bytes)
// and writes the whole region with a single WriteAt.
func (r *Int32Region) WriteAll(src []int32, buf []byte) error {
	if len(src) != r.len {
		return fmt.Errorf("WriteAll: len(src) %d != region len %d", len(src), r.len)
	}
	buf = buf[:4*len(src)]
	Encode(buf, src)
	n, err := r.f.WriteAt(buf, r.off)
	if err != nil {
		return fmt.Errorf("f.WriteAt(%d): %w", r.off, err)
	} else if n != len(buf) {
		return fmt.Errorf("short write of %d (wanted %d)", n, len(buf))
	}
	return nil
}

// ReadAll reads the whole region into dst, using buf as scratch space.
func (r *Int32Region) ReadAll(dst []int32, buf []byte) error {
	if len(dst) != r.len {
		return fmt.Errorf("ReadAll: len(dst) %d != region len %d", len(dst), r.len)
	}
	buf = buf[:4*len(dst)]
	n, err := r.f.ReadAt(buf, r.off)
	if err != nil && !(err == io.EOF && n == len(buf)) {
		return fmt.Errorf("f.ReadAt(%d, len: %d): %w", r.off, len(buf), err)
	}
	Decode(dst, buf)
	return nil
}

// Encode writes src into dst as little-endian int32s.
func Encode(dst []byte, src []int32) {
	_ = dst[4*len(src)-1]
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[4*i:4*i+4], uint32(v))
	}
}

// Decode reads little-endian int32s from src into dst.
func Decode(dst []int32, src []byte) {
	if len(dst) == 0 {
		return
	}
	_ = src[4*len(dst)-1]
	for i := range dst {
		dst[i] = int32(binary.LittleEndian.Uint32(src[4*i : 4*i+4]))
	}
}
