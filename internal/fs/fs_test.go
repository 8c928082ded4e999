package fs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub")
	lfs := LocalFS{}

	require.NoError(t, lfs.MkdirAll(dir, 0o755))

	path := filepath.Join(dir, "a.log")
	f, err := lfs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Truncate(3))
	require.NoError(t, f.Close())

	info, err := lfs.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size())

	renamed := filepath.Join(dir, "b.log")
	require.NoError(t, lfs.Rename(path, renamed))
	require.NoError(t, lfs.Remove(renamed))
	_, err = lfs.Stat(renamed)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "index.hnsw")

	require.NoError(t, WriteAtomic(nil, path, func(w io.Writer) error {
		_, err := w.Write([]byte("v1"))
		return err
	}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	boom := errors.New("boom")
	err = WriteAtomic(nil, path, func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// Failed write leaves the previous file and no temp file.
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFaultyFSTornWrite(t *testing.T) {
	ffs := NewFaultyFS(nil)
	ffs.AddRule(".log", Fault{FailAfterBytes: 5})

	path := filepath.Join(t.TempDir(), "x.log")
	f, err := ffs.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)

	n, err := f.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = f.Write([]byte("defg"))
	assert.ErrorIs(t, err, ErrInjected)
	assert.Equal(t, 2, n)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(data))
}

func TestFaultyFSAppendCountsExistingBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.log")
	require.NoError(t, os.WriteFile(path, []byte("1234"), 0o644))

	ffs := NewFaultyFS(nil)
	ffs.AddRule("x.log", Fault{FailAfterBytes: 6})

	f, err := ffs.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.Write([]byte("567"))
	assert.Error(t, err)
	assert.Equal(t, 2, n)
}

func TestFaultyFSSyncCloseRename(t *testing.T) {
	dir := t.TempDir()
	custom := errors.New("disk gone")

	ffs := NewFaultyFS(LocalFS{})
	ffs.AddRule("sync", Fault{FailAfterBytes: -1, FailOnSync: true, Err: custom})
	ffs.AddRule("close", Fault{FailAfterBytes: -1, FailOnClose: true})
	ffs.AddRule("final", Fault{FailAfterBytes: -1, FailOnRename: true})

	f, err := ffs.OpenFile(filepath.Join(dir, "sync.dat"), os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	assert.ErrorIs(t, f.Sync(), custom)
	require.NoError(t, f.Close())

	f, err = ffs.OpenFile(filepath.Join(dir, "close.dat"), os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	assert.ErrorIs(t, f.Close(), ErrInjected)

	err = WriteAtomic(ffs, filepath.Join(dir, "final.dat"), func(w io.Writer) error {
		_, err := w.Write([]byte("x"))
		return err
	})
	assert.ErrorIs(t, err, ErrInjected)
	_, err = os.Stat(filepath.Join(dir, "final.dat"))
	assert.True(t, os.IsNotExist(err))

	ffs.Clear()
	require.NoError(t, WriteAtomic(ffs, filepath.Join(dir, "final.dat"), func(w io.Writer) error {
		_, err := w.Write([]byte("x"))
		return err
	}))
}
