// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package logmap implements a durable key-value map over an
// append-only log.
//
// Every Put and Remove appends an immutable record to the log.  A hash
// index maps an adjusted hash of each live key to its latest record;
// lookups read candidate records back from the log and compare keys,
// so hash collisions are harmless.  The index is only an accelerator:
// if it is lost, wasn't closed properly or fails its checksums, Open
// rebuilds it by replaying the log.
//
// Stale records are reclaimed by compaction, which copies the live
// entries into a fresh map.  Use CompactionScore to decide when.
//
//	m, err := logmap.Open[string, string](dir, logmap.StringKeys{}, logmap.StringValues{})
//	if err != nil {
//		return err
//	}
//	defer m.Close()
//	if err := m.Put("greeting", "hello"); err != nil {
//		return err
//	}
//	v, ok, err := m.Get("greeting")
package logmap
