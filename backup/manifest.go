package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/hupe1980/memtier/blobstore"
)

const (
	// ManifestName is the manifest blob inside a backup.
	ManifestName = "manifest.json"
	// CurrentName is the blob naming the newest backup.
	CurrentName = "CURRENT"
	// FormatVersion is the manifest format written by this package.
	FormatVersion = 1

	blobSuffix = ".zst"
)

// Manifest describes one backup.
type Manifest struct {
	Version   int       `json:"version"`
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Model     string    `json:"model,omitempty"`
	Dimension int       `json:"dimension,omitempty"`
	// Records maps tier names to their record counts at backup time.
	Records map[string]int `json:"records,omitempty"`
	Files   []File         `json:"files"`
}

// File is one backed up file.
type File struct {
	// Name is the path relative to the memory directory.
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	CompressedSize int64  `json:"compressed_size"`
	// SHA256 is the hex digest of the uncompressed content.
	SHA256 string `json:"sha256"`
}

// Bytes returns the total uncompressed size.
func (m Manifest) Bytes() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}

// TotalRecords sums Records.
func (m Manifest) TotalRecords() int {
	n := 0
	for _, c := range m.Records {
		n += c
	}
	return n
}

func manifestKey(id string) string { return path.Join(id, ManifestName) }

func fileKey(id, name string) string { return path.Join(id, name+blobSuffix) }

func (m Manifest) validate() error {
	if m.Version > FormatVersion {
		return fmt.Errorf("%w: %d", ErrIncompatibleVersion, m.Version)
	}
	if m.ID == "" || strings.ContainsAny(m.ID, `/\`) {
		return fmt.Errorf("%w: bad id %q", ErrInvalidManifest, m.ID)
	}
	for _, f := range m.Files {
		if !filepath.IsLocal(f.Name) {
			return fmt.Errorf("%w: unsafe file name %q", ErrInvalidManifest, f.Name)
		}
	}
	return nil
}

// Load reads the manifest of backup id. An empty id loads the current
// backup.
func Load(ctx context.Context, bs blobstore.BlobStore, id string) (Manifest, error) {
	if id == "" {
		cur, err := Latest(ctx, bs)
		if err != nil {
			return Manifest{}, err
		}
		id = cur
	}

	data, err := blobstore.ReadAll(ctx, bs, manifestKey(id))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return Manifest{}, fmt.Errorf("%w: %s", ErrNoBackup, id)
		}
		return Manifest{}, fmt.Errorf("backup: read manifest %s: %w", id, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %s: %w", ErrInvalidManifest, id, err)
	}
	if err := m.validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Latest returns the id of the current backup.
func Latest(ctx context.Context, bs blobstore.BlobStore) (string, error) {
	data, err := blobstore.ReadAll(ctx, bs, CurrentName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return "", ErrNoBackup
		}
		return "", fmt.Errorf("backup: read %s: %w", CurrentName, err)
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", ErrNoBackup
	}
	return id, nil
}

func saveManifest(ctx context.Context, bs blobstore.BlobStore, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return bs.Put(ctx, manifestKey(m.ID), data)
}

// List returns the manifests in the store, newest first. Unreadable
// manifests are skipped and logged.
func List(ctx context.Context, bs blobstore.BlobStore, logger *slog.Logger) ([]Manifest, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	names, err := bs.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("backup: list: %w", err)
	}

	var out []Manifest
	for _, name := range names {
		dir, file := path.Split(name)
		if file != ManifestName || dir == "" {
			continue
		}
		m, err := Load(ctx, bs, strings.TrimSuffix(dir, "/"))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("Skipping unreadable backup manifest", "name", name, "error", err)
			continue
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Delete removes backup id. The manifest goes first so an interrupted
// delete never leaves a listed backup with missing files.
func Delete(ctx context.Context, bs blobstore.BlobStore, id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: bad id %q", ErrInvalidManifest, id)
	}
	if err := bs.Delete(ctx, manifestKey(id)); err != nil {
		return fmt.Errorf("backup: delete %s: %w", id, err)
	}
	names, err := bs.List(ctx, id+"/")
	if err != nil {
		return fmt.Errorf("backup: delete %s: %w", id, err)
	}
	for _, name := range names {
		if err := bs.Delete(ctx, name); err != nil {
			return fmt.Errorf("backup: delete %s: %w", name, err)
		}
	}
	return nil
}
