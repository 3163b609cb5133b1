// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/bpowers/logmap/internal/zero"
)

// DefaultPageSize is the page size used for new logs.
const DefaultPageSize = 1 << 20

// Option configures a Log.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	pageSize    int
	pageSizeSet bool
}

// WithLogger sets the logger used to report recovery and lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// WithPageSize sets the page size of a newly created log.  Opening an
// existing log with a different page size is an error.
func WithPageSize(pageSize int) Option {
	return func(opts *options) {
		opts.pageSize = pageSize
		opts.pageSizeSet = true
	}
}

// Log is an append-only log of byte records backed by a memory-mapped
// file.  Appends are serialized; reads may run concurrently with each
// other and with appends.
type Log struct {
	path     string
	f        *os.File
	m        *mapping
	pageSize int64
	logger   *slog.Logger

	appendMu    sync.Mutex
	allocated   atomic.Int64
	committed   atomic.Int64
	recordCount atomic.Int64
	dataVersion atomic.Uint32
	flushedPage int64

	closed            atomic.Bool
	wasClosedProperly bool
	recoveryNeeded    bool
}

// Open opens the log at path, creating it if it doesn't exist.  A log
// that wasn't closed properly is recovered before Open returns.
func Open(path string, opts ...Option) (*Log, error) {
	options := options{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(&options)
	}

	if err := validatePageSize(options.pageSize); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile(%s): %w", path, err)
	}

	l, err := openFile(path, f, options)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

func validatePageSize(pageSize int) error {
	if pageSize <= fileHeaderSize || pageSize > MaxPageSize {
		return fmt.Errorf("page size %d out of range (%d, %d]", pageSize, fileHeaderSize, MaxPageSize)
	}
	if osPage := os.Getpagesize(); pageSize%osPage != 0 {
		return fmt.Errorf("page size %d must be a multiple of the OS page size %d", pageSize, osPage)
	}
	return nil
}

func openFile(path string, f *os.File, options options) (*Log, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("f.Stat: %w", err)
	}

	var header *fileHeader
	if fi.Size() == 0 {
		header = newFileHeader(options.pageSize)
		var buf [fileHeaderSize]byte
		if err := header.MarshalTo(buf[:]); err != nil {
			return nil, err
		}
		if _, err := f.WriteAt(buf[:], 0); err != nil {
			return nil, fmt.Errorf("f.WriteAt: %w", err)
		}
	} else {
		var buf [fileHeaderSize]byte
		if _, err := f.ReadAt(buf[:], 0); err != nil {
			return nil, fmt.Errorf("f.ReadAt(header): %w", err)
		}
		header = &fileHeader{}
		if err := header.UnmarshalBytes(buf[:]); err != nil {
			return nil, fmt.Errorf("fileHeader.UnmarshalBytes: %w", err)
		}
		if err := validatePageSize(int(header.pageSize)); err != nil {
			return nil, fmt.Errorf("log header: %w: %w", err, ErrCorrupted)
		}
		if options.pageSizeSet && int(header.pageSize) != options.pageSize {
			return nil, fmt.Errorf("log %s has page size %d, not %d", path, header.pageSize, options.pageSize)
		}
	}

	l := &Log{
		path:              path,
		f:                 f,
		pageSize:          int64(header.pageSize),
		logger:            options.logger,
		wasClosedProperly: header.status == statusClosed,
	}
	l.m = newMapping(f, l.pageSize)
	l.allocated.Store(header.nextAllocated)
	l.committed.Store(header.nextCommitted)
	l.recordCount.Store(int64(header.recordCount))
	l.dataVersion.Store(header.dataVersion)

	if !l.wasClosedProperly || header.nextCommitted < header.nextAllocated {
		l.recoveryNeeded = true
		if err := l.recover(); err != nil {
			_ = l.m.unmapAll()
			return nil, fmt.Errorf("recover(%s): %w", path, err)
		}
	}

	hdr, err := l.m.page(0)
	if err != nil {
		_ = l.m.unmapAll()
		return nil, err
	}
	putHeaderU32(hdr, headerStatusOff, statusOpened)
	if err := l.m.sync(0, 0); err != nil {
		_ = l.m.unmapAll()
		return nil, err
	}
	l.flushedPage = l.committed.Load() / l.pageSize

	l.logger.Debug("opened log",
		"path", path,
		"records", l.recordCount.Load(),
		"committed", l.committed.Load(),
		"closedProperly", l.wasClosedProperly)

	return l, nil
}

// recover recounts committed records, turns records that were
// allocated but never committed into padding and zeroes everything
// past the last recoverable record.
func (l *Log) recover() error {
	allocated := l.allocated.Load()
	var count int64
	off := int64(fileHeaderSize)
	for off < allocated {
		pageIdx, pageOff := off/l.pageSize, off%l.pageSize
		page, err := l.m.page(pageIdx)
		if err != nil {
			return err
		}
		h := readRecordHeader(page, pageOff)
		length := recordLength(h)
		if length < recordHeaderSize || pageOff+length > l.pageSize {
			break
		}
		switch {
		case isPaddingRecord(h):
		case !isCommittedRecord(h):
			putRecordHeader(page, pageOff, paddingRecordHeader(length))
		default:
			count++
		}
		off += length
	}

	if err := l.zeroTail(off, allocated); err != nil {
		return err
	}

	l.logger.Info("recovered log",
		"path", l.path,
		"records", count,
		"previousAllocated", allocated,
		"previousCommitted", l.committed.Load(),
		"recoveredTo", off)

	l.allocated.Store(off)
	l.committed.Store(off)
	l.recordCount.Store(count)
	if err := l.writeCursors(); err != nil {
		return err
	}
	return l.m.sync(0, (off-1)/l.pageSize)
}

func (l *Log) zeroTail(from, to int64) error {
	for off := from; off < to; {
		pageIdx, pageOff := off/l.pageSize, off%l.pageSize
		page, err := l.m.page(pageIdx)
		if err != nil {
			return err
		}
		end := l.pageSize
		if rest := to - pageIdx*l.pageSize; rest < end {
			end = rest
		}
		zero.Bytes(page[pageOff:end])
		off = pageIdx*l.pageSize + end
	}
	return nil
}

func (l *Log) writeCursors() error {
	hdr, err := l.m.page(0)
	if err != nil {
		return err
	}
	putHeaderI64(hdr, headerNextAllocatedOff, l.allocated.Load())
	putHeaderI64(hdr, headerNextCommittedOff, l.committed.Load())
	putHeaderU32(hdr, headerRecordCountOff, uint32(l.recordCount.Load()))
	return nil
}

// Append allocates a record with a payload of size bytes and calls
// write to fill it in.  The slice passed to write is only valid for
// the duration of the call.  If write returns an error the record is
// discarded and the error is returned.
func (l *Log) Append(size int, write func(payload []byte) error) (int64, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}
	if size < 0 {
		return 0, fmt.Errorf("negative record size %d", size)
	}
	total := roundUp4(int64(size) + recordHeaderSize)
	if total > l.pageSize {
		return 0, fmt.Errorf("record of %d bytes with page size %d: %w", size, l.pageSize, ErrRecordTooBig)
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	if l.closed.Load() {
		return 0, ErrClosed
	}

	off := l.allocated.Load()
	pageIdx, pageOff := off/l.pageSize, off%l.pageSize
	if pageOff+total > l.pageSize {
		page, err := l.m.page(pageIdx)
		if err != nil {
			return 0, err
		}
		padding := l.pageSize - pageOff
		putRecordHeader(page, pageOff, paddingRecordHeader(padding))
		off += padding
		pageIdx, pageOff = pageIdx+1, 0
		l.allocated.Store(off)
		l.committed.Store(off)
	}

	page, err := l.m.page(pageIdx)
	if err != nil {
		return 0, err
	}

	l.allocated.Store(off + total)
	if err := l.writeCursors(); err != nil {
		return 0, err
	}

	putRecordHeader(page, pageOff, dataRecordHeader(size, false))
	payload := page[pageOff+recordHeaderSize : pageOff+recordHeaderSize+int64(size) : pageOff+recordHeaderSize+int64(size)]
	if err := write(payload); err != nil {
		putRecordHeader(page, pageOff, paddingRecordHeader(total))
		l.committed.Store(off + total)
		_ = l.writeCursors()
		return 0, err
	}
	putRecordHeader(page, pageOff, dataRecordHeader(size, true))

	l.committed.Store(off + total)
	l.recordCount.Add(1)
	if err := l.writeCursors(); err != nil {
		return 0, err
	}

	return offsetToID(off), nil
}

// Read calls fn with the payload of the record with the given id.  The
// slice passed to fn must not be written to and is only valid for the
// duration of the call.
func (l *Log) Read(id int64, fn func(payload []byte) error) error {
	if l.closed.Load() {
		return ErrClosed
	}
	off, err := idToOffset(id)
	if err != nil {
		return err
	}
	if off+recordHeaderSize > l.committed.Load() {
		return fmt.Errorf("record id %d beyond committed data: %w", id, ErrInvalidID)
	}

	pageIdx, pageOff := off/l.pageSize, off%l.pageSize
	page, err := l.m.page(pageIdx)
	if err != nil {
		return err
	}
	h := readRecordHeader(page, pageOff)
	if isPaddingRecord(h) || !isCommittedRecord(h) {
		return fmt.Errorf("record id %d is not a committed data record: %w", id, ErrInvalidID)
	}
	n := payloadLength(h)
	start := pageOff + recordHeaderSize
	if n < 0 || start+int64(n) > l.pageSize {
		return fmt.Errorf("record id %d has length %d: %w", id, n, ErrCorrupted)
	}
	return fn(page[start : start+int64(n) : start+int64(n)])
}

// ForEachRecord calls fn with every committed data record in append
// order, stopping early if fn returns false or an error.  It reports
// whether the iteration ran to completion.
func (l *Log) ForEachRecord(fn func(id int64, payload []byte) (bool, error)) (bool, error) {
	if l.closed.Load() {
		return false, ErrClosed
	}

	end := l.committed.Load()
	off := int64(fileHeaderSize)
	for off < end {
		pageIdx, pageOff := off/l.pageSize, off%l.pageSize
		page, err := l.m.page(pageIdx)
		if err != nil {
			return false, err
		}
		h := readRecordHeader(page, pageOff)
		length := recordLength(h)
		if length < recordHeaderSize || pageOff+length > l.pageSize {
			return false, fmt.Errorf("record at offset %d has length %d: %w", off, length, ErrCorrupted)
		}
		if !isPaddingRecord(h) && isCommittedRecord(h) {
			start := pageOff + recordHeaderSize
			n := int64(payloadLength(h))
			ok, err := fn(offsetToID(off), page[start:start+n:start+n])
			if err != nil || !ok {
				return false, err
			}
		}
		off += length
	}
	return true, nil
}

// RecordsCount returns the number of committed data records.
func (l *Log) RecordsCount() int64 {
	return l.recordCount.Load()
}

// IsEmpty reports whether the log holds no data records.
func (l *Log) IsEmpty() bool {
	return l.recordCount.Load() == 0
}

// CommittedSize returns the number of bytes of the file, header
// included, holding committed records.
func (l *Log) CommittedSize() int64 {
	return l.committed.Load()
}

// PageSize returns the log's page size in bytes.
func (l *Log) PageSize() int {
	return int(l.pageSize)
}

// Path returns the path of the backing file.
func (l *Log) Path() string {
	return l.path
}

// DataVersion returns the user-defined data version stamped in the header.
func (l *Log) DataVersion() uint32 {
	return l.dataVersion.Load()
}

// SetDataVersion stamps a user-defined data version into the header.
func (l *Log) SetDataVersion(v uint32) error {
	if l.closed.Load() {
		return ErrClosed
	}
	hdr, err := l.m.page(0)
	if err != nil {
		return err
	}
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	l.dataVersion.Store(v)
	putHeaderU32(hdr, headerDataVersionOff, v)
	return nil
}

// WasClosedProperly reports whether the log was closed cleanly the last
// time it was used.  A new log counts as closed properly.
func (l *Log) WasClosedProperly() bool {
	return l.wasClosedProperly
}

// WasRecoveryNeeded reports whether Open had to recover the log.
func (l *Log) WasRecoveryNeeded() bool {
	return l.recoveryNeeded
}

// IsClosed reports whether Close has been called.
func (l *Log) IsClosed() bool {
	return l.closed.Load()
}

// Flush forces committed records and the header to disk.
func (l *Log) Flush() error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	lastPage := l.committed.Load() / l.pageSize
	if err := l.m.sync(l.flushedPage, lastPage); err != nil {
		return err
	}
	if l.flushedPage != 0 {
		if err := l.m.sync(0, 0); err != nil {
			return err
		}
	}
	l.flushedPage = lastPage
	return nil
}

// Close marks the log as closed properly, flushes it and closes the
// backing file.  Pages stay mapped until the Log is garbage collected
// so that readers racing with Close don't fault.
func (l *Log) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	var errs []error
	if hdr, err := l.m.page(0); err != nil {
		errs = append(errs, err)
	} else {
		putHeaderU32(hdr, headerStatusOff, statusClosed)
	}
	if err := l.flushLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := l.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("f.Close: %w", err))
	}

	l.logger.Debug("closed log", "path", l.path, "records", l.recordCount.Load())

	return errors.Join(errs...)
}

// CloseAndUnsafelyUnmap closes the log and immediately unmaps its
// pages.  The caller must guarantee nothing reads from the log
// concurrently or afterwards.
func (l *Log) CloseAndUnsafelyUnmap() error {
	err := l.Close()
	return errors.Join(err, l.m.unmapAll())
}

// CloseAndClean closes the log, unmaps it and removes the backing file.
func (l *Log) CloseAndClean() error {
	err := l.CloseAndUnsafelyUnmap()
	if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, fmt.Errorf("os.Remove(%s): %w", l.path, rmErr))
	}
	return err
}
