package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the error returned by a fault without its own Err.
var ErrInjected = errors.New("fs: injected fault")

// Fault describes how files matching a rule misbehave.
type Fault struct {
	// FailAfterBytes fails writes once this many bytes reached the file.
	// The write that crosses the limit is torn: the bytes up to the limit
	// land on disk and the call returns an error. -1 disables.
	FailAfterBytes int64
	FailOnSync     bool
	FailOnClose    bool
	FailOnRename   bool
	Err            error
}

func (f Fault) err() error {
	if f.Err != nil {
		return f.Err
	}
	return ErrInjected
}

// FaultyFS wraps a FileSystem and applies the first rule whose pattern is a
// substring of the file name.
type FaultyFS struct {
	FS FileSystem

	mu    sync.Mutex
	rules []faultRule
}

type faultRule struct {
	pattern string
	fault   Fault
}

// NewFaultyFS wraps fsys, or Default when nil.
func NewFaultyFS(fsys FileSystem) *FaultyFS {
	if fsys == nil {
		fsys = Default
	}
	return &FaultyFS{FS: fsys}
}

// AddRule registers a fault for names containing pattern. Later rules for
// the same pattern replace earlier ones.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rules {
		if f.rules[i].pattern == pattern {
			f.rules[i].fault = fault
			return
		}
	}
	f.rules = append(f.rules, faultRule{pattern: pattern, fault: fault})
}

// Clear drops every rule.
func (f *FaultyFS) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = nil
}

func (f *FaultyFS) match(name string) (Fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rules {
		if strings.Contains(name, r.pattern) {
			return r.fault, true
		}
	}
	return Fault{FailAfterBytes: -1}, false
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	fault, ok := f.match(name)
	if !ok {
		return file, nil
	}

	var written int64
	if flag&os.O_APPEND != 0 {
		if st, err := file.Stat(); err == nil {
			written = st.Size()
		}
	}
	return &faultyFile{File: file, fault: fault, written: written}, nil
}

func (f *FaultyFS) Remove(name string) error { return f.FS.Remove(name) }

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	if fault, ok := f.match(newpath); ok && fault.FailOnRename {
		return fault.err()
	}
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultyFS) Stat(name string) (os.FileInfo, error)        { return f.FS.Stat(name) }
func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error { return f.FS.MkdirAll(path, perm) }

type faultyFile struct {
	File
	fault   Fault
	written int64
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	limit := ff.fault.FailAfterBytes
	if limit >= 0 && ff.written+int64(len(p)) > limit {
		keep := max(limit-ff.written, 0)
		n, err := ff.File.Write(p[:keep])
		ff.written += int64(n)
		if err != nil {
			return n, err
		}
		return n, ff.fault.err()
	}
	n, err := ff.File.Write(p)
	ff.written += int64(n)
	return n, err
}

func (ff *faultyFile) Sync() error {
	if ff.fault.FailOnSync {
		return ff.fault.err()
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	if ff.fault.FailOnClose {
		_ = ff.File.Close()
		return ff.fault.err()
	}
	return ff.File.Close()
}
