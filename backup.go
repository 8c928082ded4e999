package memtier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hupe1980/memtier/backup"
	"github.com/hupe1980/memtier/blobstore"
	"github.com/hupe1980/memtier/internal/fs"
	"github.com/hupe1980/memtier/internal/resource"
	"github.com/hupe1980/memtier/model"
)

// Backup copies the memory to bs and publishes it as the current backup.
//
// It takes a background worker slot and throttles uploads through the
// resource controller's IO limit. Promotion moves wait while the tiers are
// copied, so every record appears in exactly one tier of the backup.
func (m *Memory) Backup(ctx context.Context, bs blobstore.BlobStore, optFns ...backup.Option) (backup.Manifest, error) {
	if m.closed.Load() {
		return backup.Manifest{}, ErrClosed
	}
	if err := m.rc.AcquireBackground(ctx); err != nil {
		return backup.Manifest{}, err
	}
	defer m.rc.ReleaseBackground()

	opts := []backup.Option{
		backup.WithLogger(m.logger.With("component", "backup")),
		backup.WithClock(m.opts.now),
		backup.WithThrottle(func(w io.Writer) io.Writer {
			return resource.NewRateLimitedWriter(ctx, w, m.rc)
		}),
	}
	man, err := backup.Create(ctx, bs, exporter{m: m}, append(opts, optFns...)...)
	if err != nil {
		return backup.Manifest{}, translateError(err)
	}
	return man, nil
}

// exporter writes the files Open needs into a directory.
type exporter struct {
	m *Memory
}

func (e exporter) Export(ctx context.Context, dir string) (backup.Contents, error) {
	m := e.m
	c := backup.Contents{
		Model:     m.model,
		Dimension: m.dim,
		Records:   make(map[string]int, model.NumTiers),
	}

	err := func() error {
		m.moveMu.RLock()
		defer m.moveMu.RUnlock()

		for _, t := range model.AllTiers {
			tr := m.tiers[t]
			db := t.String() + ".db"
			if err := tr.BackupTo(ctx, filepath.Join(dir, db)); err != nil {
				return err
			}
			snap := t.String() + ".hnsw"
			if err := tr.SnapshotTo(fs.Default, filepath.Join(dir, snap)); err != nil {
				return err
			}
			n, err := tr.Count(ctx)
			if err != nil {
				return err
			}
			c.Files = append(c.Files, db, snap)
			c.Records[t.String()] = n
		}
		return nil
	}()
	if err != nil {
		return backup.Contents{}, err
	}

	if err := m.exportCache(filepath.Join(dir, cacheFileName)); err != nil {
		return backup.Contents{}, err
	}
	c.Files = append(c.Files, cacheFileName)
	return c, nil
}

func (m *Memory) exportCache(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if _, err := m.cache.CopyLog(f); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("%w: copy embedding cache: %w", ErrStorageIO, err)
	}
	return f.Sync()
}
