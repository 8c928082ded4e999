// Package fs abstracts the handful of filesystem calls memtier makes so tests
// can inject torn writes and sync failures.
//
// Calls take no context.Context: local file operations cannot be interrupted
// at the syscall level. Remote storage goes through blobstore instead.
package fs

import (
	"io"
	"os"
	"path/filepath"
)

// File is an open file.
type File interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.Seeker
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
}

// FileSystem is the subset of os used by the cache log and tier snapshots.
type FileSystem interface {
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
	Stat(name string) (os.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
}

// LocalFS implements FileSystem with the os package.
type LocalFS struct{}

func (LocalFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(name, flag, perm)
}

func (LocalFS) Remove(name string) error              { return os.Remove(name) }
func (LocalFS) Rename(oldpath, newpath string) error  { return os.Rename(oldpath, newpath) }
func (LocalFS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }
func (LocalFS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Default is the local file system.
var Default FileSystem = LocalFS{}

// WriteAtomic writes a file by streaming into name+".tmp", syncing, and
// renaming over name. A reader never observes a partially written file.
func WriteAtomic(fsys FileSystem, name string, write func(w io.Writer) error) (err error) {
	if fsys == nil {
		fsys = Default
	}
	if err := fsys.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}

	tmp := name + ".tmp"
	f, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = fsys.Remove(tmp)
		}
	}()

	if err = write(f); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return fsys.Rename(tmp, name)
}
