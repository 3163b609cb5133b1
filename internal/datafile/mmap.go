// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// mapping lazily maps fixed-size pages of a file into memory.  Pages
// are looked up without locking: the page table is replaced
// copy-on-write whenever a page is added.  Once mapped, a page stays
// mapped until unmapAll, which callers must only invoke once nothing
// can touch the pages anymore.
type mapping struct {
	f        *os.File
	pageSize int64

	mu       sync.Mutex
	pages    atomic.Pointer[[][]byte]
	unmapped atomic.Bool
}

func newMapping(f *os.File, pageSize int64) *mapping {
	m := &mapping{
		f:        f,
		pageSize: pageSize,
	}
	empty := make([][]byte, 0)
	m.pages.Store(&empty)
	runtime.SetFinalizer(m, func(m *mapping) {
		_ = m.unmapAll()
	})
	return m
}

// page returns the mapped page with the given index, growing the file
// and mapping it if necessary.
func (m *mapping) page(idx int64) ([]byte, error) {
	if pages := *m.pages.Load(); idx < int64(len(pages)) && pages[idx] != nil {
		return pages[idx], nil
	}
	return m.ensure(idx)
}

func (m *mapping) ensure(idx int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unmapped.Load() {
		return nil, ErrClosed
	}

	pages := *m.pages.Load()
	if idx < int64(len(pages)) && pages[idx] != nil {
		return pages[idx], nil
	}

	minSize := (idx + 1) * m.pageSize
	fi, err := m.f.Stat()
	if err != nil {
		return nil, fmt.Errorf("f.Stat: %w", err)
	}
	if fi.Size() < minSize {
		if err := m.f.Truncate(minSize); err != nil {
			return nil, fmt.Errorf("f.Truncate(%d): %w", minSize, err)
		}
	}

	data, err := unix.Mmap(int(m.f.Fd()), idx*m.pageSize, int(m.pageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("unix.Mmap(page %d): %w", idx, err)
	}
	if err := unix.Madvise(data, unix.MADV_RANDOM); err != nil && !errors.Is(err, unix.ENOSYS) {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("unix.Madvise: %w", err)
	}

	n := int64(len(pages))
	if idx >= n {
		n = idx + 1
	}
	newPages := make([][]byte, n)
	copy(newPages, pages)
	newPages[idx] = data
	m.pages.Store(&newPages)

	return data, nil
}

// sync flushes the pages with indexes in [from, to] to disk, skipping
// ones that were never mapped.
func (m *mapping) sync(from, to int64) error {
	pages := *m.pages.Load()
	for i := from; i <= to && i < int64(len(pages)); i++ {
		if pages[i] == nil {
			continue
		}
		if err := unix.Msync(pages[i], unix.MS_SYNC); err != nil {
			return fmt.Errorf("unix.Msync(page %d): %w", i, err)
		}
	}
	return nil
}

func (m *mapping) unmapAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unmapped.Swap(true) {
		return nil
	}

	var errs []error
	pages := *m.pages.Load()
	for _, p := range pages {
		if p == nil {
			continue
		}
		if err := unix.Munmap(p); err != nil {
			errs = append(errs, err)
		}
	}
	empty := make([][]byte, 0)
	m.pages.Store(&empty)
	runtime.SetFinalizer(m, nil)

	return errors.Join(errs...)
}
