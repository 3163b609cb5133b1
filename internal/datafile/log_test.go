// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func openTestLog(t *testing.T, path string, opts ...Option) *Log {
	t.Helper()
	opts = append([]Option{WithPageSize(os.Getpagesize())}, opts...)
	l, err := Open(path, opts...)
	require.NoError(t, err)
	return l
}

func appendBytes(l *Log, b []byte) (int64, error) {
	return l.Append(len(b), func(payload []byte) error {
		copy(payload, b)
		return nil
	})
}

func readBytes(t *testing.T, l *Log, id int64) []byte {
	t.Helper()
	var out []byte
	require.NoError(t, l.Read(id, func(payload []byte) error {
		out = append([]byte(nil), payload...)
		return nil
	}))
	return out
}

func TestLog_AppendRead(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "test.log"))
	defer func() { require.NoError(t, l.Close()) }()

	assert.True(t, l.IsEmpty())
	assert.True(t, l.WasClosedProperly())
	assert.False(t, l.WasRecoveryNeeded())

	var ids []int64
	for i := 0; i < 100; i++ {
		id, err := appendBytes(l, []byte(fmt.Sprintf("record-%d", i)))
		require.NoError(t, err)
		if len(ids) > 0 {
			assert.Greater(t, id, ids[len(ids)-1])
		}
		ids = append(ids, id)
	}
	assert.Equal(t, int64(1), ids[0])
	assert.Equal(t, int64(100), l.RecordsCount())
	assert.False(t, l.IsEmpty())

	for i, id := range ids {
		assert.Equal(t, fmt.Sprintf("record-%d", i), string(readBytes(t, l, id)))
	}

	i := 0
	complete, err := l.ForEachRecord(func(id int64, payload []byte) (bool, error) {
		assert.Equal(t, ids[i], id)
		assert.Equal(t, fmt.Sprintf("record-%d", i), string(payload))
		i++
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, 100, i)
}

func TestLog_EmptyRecord(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "test.log"))
	defer func() { require.NoError(t, l.Close()) }()

	id, err := appendBytes(l, nil)
	require.NoError(t, err)
	assert.Empty(t, readBytes(t, l, id))
	assert.Equal(t, int64(1), l.RecordsCount())
}

func TestLog_PageBoundaries(t *testing.T) {
	pageSize := int64(os.Getpagesize())
	l := openTestLog(t, filepath.Join(t.TempDir(), "test.log"))
	defer func() { require.NoError(t, l.Close()) }()

	// sizes chosen so records regularly don't fit in the rest of a page
	sizes := []int{1000, 1500, 3, int(pageSize) - recordHeaderSize, 2000, 999, 17}
	var ids []int64
	var payloads [][]byte
	for round := 0; round < 5; round++ {
		for j, size := range sizes {
			b := make([]byte, size)
			for k := range b {
				b[k] = byte(round + j + k)
			}
			id, err := appendBytes(l, b)
			require.NoError(t, err)

			off, err := idToOffset(id)
			require.NoError(t, err)
			pageOff := off % pageSize
			assert.LessOrEqual(t, pageOff+roundUp4(int64(size)+recordHeaderSize), pageSize, "record straddles a page")

			ids = append(ids, id)
			payloads = append(payloads, b)
		}
	}

	for i, id := range ids {
		assert.Equal(t, payloads[i], readBytes(t, l, id))
	}

	n := 0
	_, err := l.ForEachRecord(func(id int64, payload []byte) (bool, error) {
		assert.Equal(t, ids[n], id)
		assert.Equal(t, payloads[n], payload)
		n++
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, len(ids), n)
	assert.Equal(t, int64(len(ids)), l.RecordsCount())
}

func TestLog_RecordTooBig(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "test.log"))
	defer func() { require.NoError(t, l.Close()) }()

	_, err := l.Append(l.PageSize(), func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrRecordTooBig)
	assert.True(t, l.IsEmpty())
}

func TestLog_ReadInvalidIDs(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "test.log"))
	defer func() { require.NoError(t, l.Close()) }()

	// forces a padding record at the end of the first page
	id1, err := appendBytes(l, make([]byte, 100))
	require.NoError(t, err)
	_, err = appendBytes(l, make([]byte, l.PageSize()-recordHeaderSize))
	require.NoError(t, err)

	noop := func([]byte) error { return nil }
	assert.ErrorIs(t, l.Read(0, noop), ErrInvalidID)
	assert.ErrorIs(t, l.Read(-1, noop), ErrInvalidID)
	assert.ErrorIs(t, l.Read(1<<40, noop), ErrInvalidID)

	off, err := idToOffset(id1)
	require.NoError(t, err)
	paddingID := offsetToID(off + roundUp4(100+recordHeaderSize))
	assert.ErrorIs(t, l.Read(paddingID, noop), ErrInvalidID)
}

func TestLog_AppendWriteError(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "test.log"))
	defer func() { require.NoError(t, l.Close()) }()

	_, err := appendBytes(l, []byte("first"))
	require.NoError(t, err)

	writeErr := errors.New("write failed")
	_, err = l.Append(10, func([]byte) error { return writeErr })
	assert.ErrorIs(t, err, writeErr)
	assert.Equal(t, int64(1), l.RecordsCount())

	id, err := appendBytes(l, []byte("third"))
	require.NoError(t, err)
	assert.Equal(t, "third", string(readBytes(t, l, id)))

	var seen []string
	_, err = l.ForEachRecord(func(_ int64, payload []byte) (bool, error) {
		seen = append(seen, string(payload))
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "third"}, seen)
}

func TestLog_ForEachRecordStops(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "test.log"))
	defer func() { require.NoError(t, l.Close()) }()

	for i := 0; i < 10; i++ {
		_, err := appendBytes(l, []byte{byte(i)})
		require.NoError(t, err)
	}

	n := 0
	complete, err := l.ForEachRecord(func(int64, []byte) (bool, error) {
		n++
		return n < 3, nil
	})
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, 3, n)

	stopErr := errors.New("stop")
	complete, err = l.ForEachRecord(func(int64, []byte) (bool, error) {
		return true, stopErr
	})
	assert.ErrorIs(t, err, stopErr)
	assert.False(t, complete)
}

func TestLog_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l := openTestLog(t, path)

	var ids []int64
	for i := 0; i < 500; i++ {
		id, err := appendBytes(l, []byte(fmt.Sprintf("value %d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, l.SetDataVersion(42))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "Close is idempotent")

	l = openTestLog(t, path)
	defer func() { require.NoError(t, l.Close()) }()

	assert.True(t, l.WasClosedProperly())
	assert.False(t, l.WasRecoveryNeeded())
	assert.Equal(t, uint32(42), l.DataVersion())
	assert.Equal(t, int64(500), l.RecordsCount())
	for i, id := range ids {
		assert.Equal(t, fmt.Sprintf("value %d", i), string(readBytes(t, l, id)))
	}

	id, err := appendBytes(l, []byte("after reopen"))
	require.NoError(t, err)
	assert.Greater(t, id, ids[len(ids)-1])
}

func TestLog_PageSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l := openTestLog(t, path)
	require.NoError(t, l.Close())

	_, err := Open(path, WithPageSize(2*os.Getpagesize()))
	assert.Error(t, err)

	// without an explicit page size the file's own is used
	l, err = Open(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpagesize(), l.PageSize())
	require.NoError(t, l.Close())

	_, err = Open(filepath.Join(t.TempDir(), "bad.log"), WithPageSize(os.Getpagesize()+1))
	assert.Error(t, err)
}

func TestLog_RecoversUncommittedRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	snapshot := filepath.Join(dir, "crashed.log")

	l := openTestLog(t, path)
	for i := 0; i < 3; i++ {
		_, err := appendBytes(l, []byte(fmt.Sprintf("ok %d", i)))
		require.NoError(t, err)
	}

	// copy the file while a record is allocated but not yet committed,
	// which is what a crash in the middle of an append leaves behind
	_, err := l.Append(64, func(payload []byte) error {
		copy(payload, "partially written")
		contents, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(snapshot, contents, 0o644)
	})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l = openTestLog(t, snapshot)
	defer func() { require.NoError(t, l.Close()) }()

	assert.False(t, l.WasClosedProperly())
	assert.True(t, l.WasRecoveryNeeded())
	assert.Equal(t, int64(3), l.RecordsCount())

	id, err := appendBytes(l, []byte("after recovery"))
	require.NoError(t, err)

	var seen []string
	_, err = l.ForEachRecord(func(_ int64, payload []byte) (bool, error) {
		seen = append(seen, string(payload))
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok 0", "ok 1", "ok 2", "after recovery"}, seen)
	assert.Equal(t, "after recovery", string(readBytes(t, l, id)))
}

func TestLog_Closed(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "test.log"))
	id, err := appendBytes(l, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.True(t, l.IsClosed())

	_, err = appendBytes(l, []byte("y"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.Read(id, func([]byte) error { return nil }), ErrClosed)
	_, err = l.ForEachRecord(func(int64, []byte) (bool, error) { return true, nil })
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.Flush(), ErrClosed)
}

func TestLog_CloseAndClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l := openTestLog(t, path)
	_, err := appendBytes(l, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, l.CloseAndClean())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLog_ConcurrentReadsAndAppends(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "test.log"))
	defer func() { require.NoError(t, l.Close()) }()

	const writers = 4
	const perWriter = 500

	ids := make([][]int64, writers)
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				want := fmt.Sprintf("w%d-%d", w, i)
				id, err := appendBytes(l, []byte(want))
				if err != nil {
					return err
				}
				ids[w] = append(ids[w], id)
				if err := l.Read(id, func(payload []byte) error {
					if string(payload) != want {
						return fmt.Errorf("read %q, want %q", payload, want)
					}
					return nil
				}); err != nil {
					return err
				}
			}
			return l.Flush()
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(writers*perWriter), l.RecordsCount())
}
