// Package wal implements the append-only log that makes the embedding cache
// survive restarts.
//
// A log is a 12 byte header followed by CRC framed records. Open recovers
// from a crash by truncating the file at the first torn or corrupt record.
// With DurabilitySync, concurrent appenders share fsyncs through a single
// background syncer (group commit).
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hupe1980/memtier/internal/fs"
)

// Durability controls when an append is acknowledged.
type Durability int

const (
	// DurabilityAsync acknowledges once the record reached the OS page cache.
	DurabilityAsync Durability = iota
	// DurabilitySync acknowledges after the record was fsynced.
	DurabilitySync
)

const (
	walMagic      = "MTCACHE1" // 8 bytes
	walVersion    = 1          // 4 bytes
	walHeaderSize = 12
)

var (
	ErrIncompatibleVersion = errors.New("wal: incompatible version")
	ErrInvalidHeader       = errors.New("wal: invalid header")
)

// Options configures a log.
type Options struct {
	Durability Durability
}

// DefaultOptions returns synchronous durability.
func DefaultOptions() Options {
	return Options{Durability: DurabilitySync}
}

// Recovery describes what Open found on disk.
type Recovery struct {
	Records        int
	LastLSN        uint64
	TruncatedBytes int64
	// Cause is the decode error that ended the scan, if any.
	Cause error
}

// WAL is an append-only record log.
type WAL struct {
	mu       sync.Mutex
	fs       fs.FileSystem
	file     fs.File
	cw       *countingWriter
	path     string
	opts     Options
	nextLSN  uint64
	recovery Recovery

	// group commit
	syncedOffset int64
	syncing      bool
	syncCond     *sync.Cond // wakes the syncer
	doneCond     *sync.Cond // wakes waiters after a sync
	closed       bool
	lastErr      error // terminal syncer error
	wg           sync.WaitGroup
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func (cw *countingWriter) Flush() error {
	return cw.w.Flush()
}

func writeHeader(w io.Writer) error {
	header := make([]byte, walHeaderSize)
	copy(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)
	_, err := w.Write(header)
	return err
}

// Open opens or creates the log at path and truncates any torn tail.
func Open(fsys fs.FileSystem, path string, opts Options) (*WAL, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	offset, rec, err := recoverFile(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	w := &WAL{
		fs:           fsys,
		file:         f,
		cw:           &countingWriter{w: bufio.NewWriter(f), n: offset},
		path:         path,
		opts:         opts,
		nextLSN:      rec.LastLSN + 1,
		recovery:     rec,
		syncedOffset: offset,
	}
	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	if opts.Durability == DurabilitySync {
		w.wg.Add(1)
		go w.runSyncer()
	}
	return w, nil
}

// recoverFile validates the header, scans every record and truncates the
// file after the last valid one. It returns the end offset.
func recoverFile(f fs.File) (int64, Recovery, error) {
	var rec Recovery

	st, err := f.Stat()
	if err != nil {
		return 0, rec, err
	}
	size := st.Size()

	// A header shorter than 12 bytes can only come from a crash during
	// creation; nothing was ever acknowledged from such a file.
	if size < walHeaderSize {
		if err := f.Truncate(0); err != nil {
			return 0, rec, err
		}
		if err := writeHeader(f); err != nil {
			return 0, rec, err
		}
		if err := f.Sync(); err != nil {
			return 0, rec, err
		}
		rec.TruncatedBytes = size
		return walHeaderSize, rec, nil
	}

	header := make([]byte, walHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return 0, rec, err
	}
	if string(header[0:8]) != walMagic {
		return 0, rec, fmt.Errorf("%w: magic %q", ErrInvalidHeader, header[0:8])
	}
	if ver := binary.LittleEndian.Uint32(header[8:12]); ver != walVersion {
		return 0, rec, fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, walVersion)
	}

	br := bufio.NewReader(io.NewSectionReader(f, walHeaderSize, size-walHeaderSize))
	valid := int64(walHeaderSize)
	for {
		r, n, err := Decode(br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				rec.Cause = err
			}
			break
		}
		valid += n
		rec.Records++
		rec.LastLSN = max(rec.LastLSN, r.LSN)
	}

	if valid < size {
		if err := f.Truncate(valid); err != nil {
			return 0, rec, err
		}
		if err := f.Sync(); err != nil {
			return 0, rec, err
		}
		rec.TruncatedBytes = size - valid
	}
	return valid, rec, nil
}

// Recovery returns the result of the startup scan.
func (w *WAL) Recovery() Recovery {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recovery
}

// Size returns the log size in bytes, header included.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cw.n
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		for w.cw.n <= w.syncedOffset && !w.closed {
			w.syncCond.Wait()
		}
		if w.closed && w.cw.n <= w.syncedOffset {
			return
		}

		target := w.cw.n
		f := w.file
		w.syncing = true

		w.mu.Unlock()
		err := f.Sync()
		w.mu.Lock()

		w.syncing = false
		if err != nil {
			w.lastErr = fmt.Errorf("wal: sync failed: %w", err)
			w.doneCond.Broadcast()
			return
		}
		if target > w.syncedOffset {
			w.syncedOffset = target
		}
		w.doneCond.Broadcast()
	}
}

// Append assigns the next LSN to rec, writes it and waits according to the
// configured durability.
func (w *WAL) Append(rec *Record) error {
	offset, err := w.AppendAsync(rec)
	if err != nil {
		return err
	}
	if w.opts.Durability == DurabilitySync {
		return w.WaitFor(offset)
	}
	return nil
}

// AppendAsync writes rec to the file without waiting for a sync and returns
// the end offset of the record.
func (w *WAL) AppendAsync(rec *Record) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, os.ErrClosed
	}
	if w.lastErr != nil {
		return 0, w.lastErr
	}

	rec.LSN = w.nextLSN
	if err := rec.Encode(w.cw); err != nil {
		if errors.Is(err, ErrRecordTooLarge) || errors.Is(err, ErrInvalidType) {
			return 0, err
		}
		w.lastErr = fmt.Errorf("wal: write failed: %w", err)
		return 0, w.lastErr
	}
	if err := w.cw.Flush(); err != nil {
		// The file may now end in a torn record; only a reopen recovers.
		w.lastErr = fmt.Errorf("wal: write failed: %w", err)
		return 0, w.lastErr
	}
	w.nextLSN++

	end := w.cw.n
	if w.opts.Durability == DurabilitySync {
		w.syncCond.Signal()
	}
	return end, nil
}

// WaitFor blocks until the log is synced up to offset.
func (w *WAL) WaitFor(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.syncedOffset < offset && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if w.closed && w.syncedOffset < offset {
		return os.ErrClosed
	}
	return nil
}

// Sync commits everything written so far to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if err := w.cw.Flush(); err != nil {
		return err
	}

	if w.opts.Durability == DurabilityAsync {
		return w.file.Sync()
	}

	target := w.cw.n
	w.syncCond.Signal()
	for w.syncedOffset < target && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	return w.lastErr
}

// Rewrite replaces the log with the records produced by fill. The new log
// is written to a temporary file, synced and renamed over the old one, so a
// crash leaves either the old or the new log intact. Appends block while
// Rewrite runs.
func (w *WAL) Rewrite(fill func(emit func(*Record) error) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	for w.syncing {
		w.doneCond.Wait()
	}
	if err := w.cw.Flush(); err != nil {
		return err
	}

	var lsn uint64
	err := fs.WriteAtomic(w.fs, w.path, func(out io.Writer) error {
		bw := bufio.NewWriter(out)
		if err := writeHeader(bw); err != nil {
			return err
		}
		if err := fill(func(rec *Record) error {
			lsn++
			rec.LSN = lsn
			return rec.Encode(bw)
		}); err != nil {
			return err
		}
		return bw.Flush()
	})
	if err != nil {
		return err
	}

	// The old handle points at the unlinked file; reopen the new one.
	_ = w.file.Close()
	f, err := w.fs.OpenFile(w.path, os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		w.lastErr = fmt.Errorf("wal: reopen after rewrite: %w", err)
		return w.lastErr
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		w.lastErr = fmt.Errorf("wal: stat after rewrite: %w", err)
		return w.lastErr
	}

	w.file = f
	w.cw = &countingWriter{w: bufio.NewWriter(f), n: st.Size()}
	w.syncedOffset = st.Size()
	w.nextLSN = lsn + 1
	return nil
}

// Close flushes, waits for the syncer and closes the file.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return os.ErrClosed
	}
	if err := w.cw.Flush(); err != nil {
		w.closed = true
		w.syncCond.Signal()
		w.mu.Unlock()
		w.wg.Wait()
		_ = w.file.Close()
		return err
	}
	w.closed = true
	w.syncCond.Signal()
	w.mu.Unlock()

	w.wg.Wait()

	if w.opts.Durability == DurabilityAsync {
		if err := w.file.Sync(); err != nil {
			_ = w.file.Close()
			return err
		}
	}
	return w.file.Close()
}

// CopyTo writes the flushed log, header included, to dst. Appends wait
// until the copy completes.
func (w *WAL) CopyTo(dst io.Writer) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, os.ErrClosed
	}
	if err := w.cw.Flush(); err != nil {
		return 0, err
	}
	return io.Copy(dst, io.NewSectionReader(w.file, 0, w.cw.n))
}

// Reader opens an independent handle for replaying the log.
func (w *WAL) Reader() (*Reader, error) {
	w.mu.Lock()
	if !w.closed {
		if err := w.cw.Flush(); err != nil {
			w.mu.Unlock()
			return nil, err
		}
	}
	w.mu.Unlock()

	f, err := w.fs.OpenFile(w.path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(walHeaderSize, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Reader{f: f, r: bufio.NewReader(f), offset: walHeaderSize}, nil
}

// Reader iterates over log records.
type Reader struct {
	f      fs.File
	r      *bufio.Reader
	offset int64
}

// Next returns the next record, or io.EOF at the end of the log.
func (r *Reader) Next() (*Record, error) {
	rec, n, err := Decode(r.r)
	if err == nil {
		r.offset += n
	}
	return rec, err
}

// Offset returns the end offset of the last record read.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.f.Close()
}
