package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/memtier/blobstore"
)

// Contents is what a Source exported.
type Contents struct {
	// Files are paths relative to the export directory.
	Files     []string
	Model     string
	Dimension int
	Records   map[string]int
}

// Source produces a consistent copy of its files in a directory.
type Source interface {
	Export(ctx context.Context, dir string) (Contents, error)
}

// Options configures Create.
type Options struct {
	// Level is the zstd level. Default zstd.SpeedDefault.
	Level zstd.EncoderLevel
	// Throttle wraps every upload stream, e.g. with a rate limiter.
	Throttle func(io.Writer) io.Writer
	// TempDir holds the export while it is uploaded. Default os.TempDir.
	TempDir string
	Now     func() time.Time
	Logger  *slog.Logger
}

// Option configures Create.
type Option func(*Options)

func applyOptions(optFns []Option) Options {
	o := Options{
		Level: zstd.SpeedDefault,
		Now:   time.Now,
	}
	for _, fn := range optFns {
		fn(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// WithLevel sets the compression level.
func WithLevel(level zstd.EncoderLevel) Option {
	return func(o *Options) { o.Level = level }
}

// WithThrottle wraps upload streams with fn.
func WithThrottle(fn func(io.Writer) io.Writer) Option {
	return func(o *Options) { o.Throttle = fn }
}

// WithTempDir sets the staging directory.
func WithTempDir(dir string) Option {
	return func(o *Options) { o.TempDir = dir }
}

// WithClock sets the clock used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// Create exports src to a staging directory, uploads every file and
// publishes the backup as current. On failure the partial upload is
// removed.
func Create(ctx context.Context, bs blobstore.BlobStore, src Source, optFns ...Option) (Manifest, error) {
	o := applyOptions(optFns)
	start := time.Now()

	tmp, err := os.MkdirTemp(o.TempDir, "memtier-backup-")
	if err != nil {
		return Manifest{}, fmt.Errorf("backup: staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	contents, err := src.Export(ctx, tmp)
	if err != nil {
		return Manifest{}, fmt.Errorf("backup: export: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Manifest{}, fmt.Errorf("backup: id: %w", err)
	}
	m := Manifest{
		Version:   FormatVersion,
		ID:        id.String(),
		CreatedAt: o.Now().UTC(),
		Model:     contents.Model,
		Dimension: contents.Dimension,
		Records:   contents.Records,
	}

	publish := func() error {
		for _, name := range contents.Files {
			f, err := upload(ctx, bs, o, fileKey(m.ID, name), filepath.Join(tmp, name))
			if err != nil {
				return fmt.Errorf("backup: upload %s: %w", name, err)
			}
			f.Name = filepath.ToSlash(name)
			m.Files = append(m.Files, f)
		}
		if err := saveManifest(ctx, bs, m); err != nil {
			return fmt.Errorf("backup: write manifest: %w", err)
		}
		if err := bs.Put(ctx, CurrentName, []byte(m.ID)); err != nil {
			return fmt.Errorf("backup: publish: %w", err)
		}
		return nil
	}
	if err := publish(); err != nil {
		if delErr := Delete(context.WithoutCancel(ctx), bs, m.ID); delErr != nil {
			o.Logger.Warn("Failed to remove partial backup", "id", m.ID, "error", delErr)
		}
		return Manifest{}, err
	}

	o.Logger.Info("Backup created",
		"id", m.ID,
		"files", len(m.Files),
		"bytes", m.Bytes(),
		"records", m.TotalRecords(),
		"duration", time.Since(start),
	)
	return m, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func upload(ctx context.Context, bs blobstore.BlobStore, o Options, key, src string) (File, error) {
	in, err := os.Open(src)
	if err != nil {
		return File{}, err
	}
	defer in.Close()

	w, err := bs.Create(ctx, key)
	if err != nil {
		return File{}, err
	}

	var sink io.Writer = w
	if o.Throttle != nil {
		sink = o.Throttle(w)
	}
	cw := &countingWriter{w: sink}

	fail := func(err error) (File, error) {
		_ = blobstore.Abort(context.WithoutCancel(ctx), w)
		return File{}, err
	}

	zw, err := zstd.NewWriter(cw, zstd.WithEncoderLevel(o.Level))
	if err != nil {
		return fail(err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(zw, h), in)
	if err != nil {
		_ = zw.Close()
		return fail(err)
	}
	if err := zw.Close(); err != nil {
		return fail(err)
	}
	if err := w.Close(); err != nil {
		return File{}, err
	}
	return File{
		Size:           n,
		CompressedSize: cw.n,
		SHA256:         hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// download streams the decompressed blob of f into w and checks it.
func download(ctx context.Context, bs blobstore.BlobStore, id string, f File, w io.Writer) error {
	b, err := bs.Open(ctx, fileKey(id, f.Name))
	if err != nil {
		return err
	}
	defer b.Close()

	r, err := blobstore.NewReader(ctx, b)
	if err != nil {
		return err
	}
	defer r.Close()

	zr, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer zr.Close()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, h), zr)
	if err != nil {
		if errors.Is(err, zstd.ErrMagicMismatch) || errors.Is(err, zstd.ErrCRCMismatch) {
			return fmt.Errorf("%w: %s: %w", ErrChecksumMismatch, f.Name, err)
		}
		return err
	}
	if n != f.Size || hex.EncodeToString(h.Sum(nil)) != f.SHA256 {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, f.Name)
	}
	return nil
}

// Verify downloads every file of backup id and checks its size and
// digest. An empty id verifies the current backup.
func Verify(ctx context.Context, bs blobstore.BlobStore, id string) (Manifest, error) {
	m, err := Load(ctx, bs, id)
	if err != nil {
		return Manifest{}, err
	}
	for _, f := range m.Files {
		if err := download(ctx, bs, m.ID, f, io.Discard); err != nil {
			return m, fmt.Errorf("backup: verify %s: %w", m.ID, err)
		}
	}
	return m, nil
}

// Restore writes backup id into dir, which must not already hold any of
// its files. An empty id restores the current backup. Every file is
// written to a temporary name and renamed once its digest matches.
func Restore(ctx context.Context, bs blobstore.BlobStore, id, dir string) (Manifest, error) {
	m, err := Load(ctx, bs, id)
	if err != nil {
		return Manifest{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("backup: restore: %w", err)
	}
	for _, f := range m.Files {
		dst := filepath.Join(dir, filepath.FromSlash(f.Name))
		if _, err := os.Stat(dst); err == nil {
			return Manifest{}, fmt.Errorf("%w: %s", ErrTargetExists, dst)
		}
	}

	for _, f := range m.Files {
		if err := restoreFile(ctx, bs, m.ID, f, filepath.Join(dir, filepath.FromSlash(f.Name))); err != nil {
			return Manifest{}, fmt.Errorf("backup: restore %s: %w", f.Name, err)
		}
	}
	return m, nil
}

func restoreFile(ctx context.Context, bs blobstore.BlobStore, id string, f File, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".restore"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := download(ctx, bs, id, f, out); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// Prune deletes all but the newest keep backups and returns the deleted
// ids. The current backup is never deleted.
func Prune(ctx context.Context, bs blobstore.BlobStore, keep int, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	all, err := List(ctx, bs, logger)
	if err != nil {
		return nil, err
	}
	current, err := Latest(ctx, bs)
	if err != nil && !errors.Is(err, ErrNoBackup) {
		return nil, err
	}

	var deleted []string
	kept := 0
	for _, m := range all {
		if m.ID == current || kept < keep {
			kept++
			continue
		}
		if err := Delete(ctx, bs, m.ID); err != nil {
			return deleted, err
		}
		deleted = append(deleted, m.ID)
	}
	if len(deleted) > 0 {
		logger.Info("Pruned backups", "deleted", len(deleted), "kept", kept)
	}
	return deleted, nil
}
