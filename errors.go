// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package logmap

import "errors"

var (
	ErrClosed = errors.New("logmap: closed")
	// ErrKeyEmpty is returned when storing an empty variable-size key.
	ErrKeyEmpty = errors.New("logmap: empty key")
	// ErrKeyTooLarge is returned for keys that can't be described by a
	// record header.
	ErrKeyTooLarge = errors.New("logmap: key too large")
	// ErrCorrupted is returned when a log record can't be decoded.
	ErrCorrupted = errors.New("logmap: corrupted record")
	// ErrFormatMismatch is returned by Open when the log was written
	// with a different record layout than the key descriptor implies.
	ErrFormatMismatch = errors.New("logmap: log record format mismatch")
)
