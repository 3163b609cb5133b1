// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package bytesutil parses the line-oriented op streams consumed by
// `logmap load` and produced by gen-testdata.
package bytesutil

import (
	"bytes"
)

const (
	opSep     = ':'
	removeTag = '-'
)

// ParseOp parses a single line of an op stream.  Lines are either
// `key:value` (a put) or `-key` (a remove).  The returned slices alias
// line, so callers that retain them must copy.
func ParseOp(line []byte) (key, value []byte, remove bool, ok bool) {
	if len(line) > 0 && line[0] == removeTag {
		key = line[1:]
		return key, nil, true, len(key) > 0
	}
	key, value, ok = bytes.Cut(line, []byte{opSep})
	if !ok || len(key) == 0 {
		return nil, nil, false, false
	}
	return key, value, false, true
}

// AppendPut appends a `key:value` line (including the trailing newline) to dst.
func AppendPut(dst, key, value []byte) []byte {
	dst = append(dst, key...)
	dst = append(dst, opSep)
	dst = append(dst, value...)
	return append(dst, '\n')
}

// AppendRemove appends a `-key` line (including the trailing newline) to dst.
func AppendRemove(dst, key []byte) []byte {
	dst = append(dst, removeTag)
	dst = append(dst, key...)
	return append(dst, '\n')
}
