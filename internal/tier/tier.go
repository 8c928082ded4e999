// Package tier pairs the durable store of one tier with its vector index.
//
// The store is the source of truth. Writes go to the store first and then
// to the index; index inserts that fail transiently are retried in the
// background. On open the index is loaded from its snapshot when the
// snapshot agrees with the store, and rebuilt from the store otherwise.
package tier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/memtier/internal/fs"
	"github.com/hupe1980/memtier/internal/hnsw"
	"github.com/hupe1980/memtier/internal/store"
	"github.com/hupe1980/memtier/model"
)

var (
	// ErrIndexDegraded is returned by Search when the index failed and the
	// tier answered with no results.
	ErrIndexDegraded = errors.New("tier: index degraded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("tier: closed")
)

// vectorIndex is the subset of *hnsw.HNSW a tier uses.
type vectorIndex interface {
	Insert(ctx context.Context, key string, v []float32) error
	Remove(ctx context.Context, key string) error
	Search(ctx context.Context, q []float32, k, ef int) ([]hnsw.Result, error)
	Len() int
	Contains(key string) bool
	TombstoneRatio() float64
	Stats() hnsw.Stats
	WriteTo(w io.Writer) (int64, error)
}

// Config configures a tier.
type Config struct {
	Tier model.Tier
	// Dir holds <tier>.db and <tier>.hnsw.
	Dir       string
	Dimension int

	// Index carries the graph parameters. Dimension is taken from the
	// Dimension field above.
	Index hnsw.Options

	// FS is used for the index snapshot. Defaults to fs.Default.
	FS fs.FileSystem

	// RetryBackoff is the first retry delay of a failed index insert; it
	// doubles per attempt up to MaxRetryBackoff. Defaults 50ms and 5s.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	// MaxRetries bounds the attempts per record. Defaults to 8.
	MaxRetries int

	Logger *slog.Logger
	Now    func() time.Time
}

func (c *Config) fill() {
	if c.FS == nil {
		c.FS = fs.Default
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 8
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Index.Dimension = c.Dimension
}

// Tier is one retention level: a durable store plus its HNSW index.
type Tier struct {
	cfg    Config
	logger *slog.Logger
	store  *store.Store
	index  vectorIndex

	snapshotPath string

	retryMu sync.Mutex
	pending map[string]*retryState
	kick    chan struct{}

	degraded atomic.Int64
	closed   atomic.Bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

type retryState struct {
	attempts int
	next     time.Time
}

// Open opens the store under cfg.Dir and loads or rebuilds the index.
func Open(ctx context.Context, cfg Config) (*Tier, error) {
	cfg.fill()
	name := cfg.Tier.String()

	st, err := store.Open(filepath.Join(cfg.Dir, name+".db"), cfg.Tier)
	if err != nil {
		return nil, err
	}

	t := &Tier{
		cfg:          cfg,
		logger:       cfg.Logger.With("tier", name),
		store:        st,
		snapshotPath: filepath.Join(cfg.Dir, name+".hnsw"),
		pending:      make(map[string]*retryState),
		kick:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}

	if err := t.load(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	t.wg.Add(1)
	go t.retryLoop()
	return t, nil
}

// Name returns the tier.
func (t *Tier) Name() model.Tier { return t.cfg.Tier }

func (t *Tier) load(ctx context.Context) error {
	count, err := t.store.Count(ctx)
	if err != nil {
		return err
	}

	idx, err := t.loadSnapshot()
	switch {
	case err == nil && idx.Len() == count && idx.Dimension() == t.cfg.Dimension:
		t.index = idx
		t.logger.Info("Index loaded from snapshot", "records", count)
	default:
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			t.logger.Warn("Index snapshot unusable, rebuilding", "error", err)
		} else if err == nil {
			t.logger.Warn("Index snapshot inconsistent with store, rebuilding",
				"snapshot", idx.Len(), "store", count)
		}
		if err := t.rebuild(ctx); err != nil {
			return err
		}
	}

	// A snapshot describes the index at a clean close; once writes resume it
	// is stale, so it is removed until the next Close writes a new one.
	if err := t.cfg.FS.Remove(t.snapshotPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.logger.Warn("Failed to remove index snapshot", "error", err)
	}
	return nil
}

func (t *Tier) loadSnapshot() (*hnsw.HNSW, error) {
	f, err := t.cfg.FS.OpenFile(t.snapshotPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	opts := t.cfg.Index
	return hnsw.Load(f, func(o *hnsw.Options) {
		if opts.MaxElements > 0 {
			o.MaxElements = opts.MaxElements
		}
		if opts.EFSearch > 0 {
			o.EFSearch = opts.EFSearch
		}
		o.CompactThreshold = opts.CompactThreshold
		o.Seed = opts.Seed
	})
}

func (t *Tier) newIndex() (*hnsw.HNSW, error) {
	opts := t.cfg.Index
	return hnsw.New(func(o *hnsw.Options) {
		o.Dimension = t.cfg.Dimension
		if opts.M > 0 {
			o.M = opts.M
		}
		if opts.EFConstruction > 0 {
			o.EFConstruction = opts.EFConstruction
		}
		if opts.EFSearch > 0 {
			o.EFSearch = opts.EFSearch
		}
		if opts.MaxElements > 0 {
			o.MaxElements = opts.MaxElements
		}
		o.CompactThreshold = opts.CompactThreshold
		o.Seed = opts.Seed
	})
}

func (t *Tier) rebuild(ctx context.Context) error {
	start := time.Now()
	idx, err := t.newIndex()
	if err != nil {
		return err
	}

	var skipped int
	err = t.store.Iterate(ctx, func(rec *model.Record) error {
		if err := idx.Insert(ctx, rec.ID, rec.Vector); err != nil {
			var dm *hnsw.ErrDimensionMismatch
			if errors.As(err, &dm) || errors.Is(err, hnsw.ErrZeroVector) {
				skipped++
				t.logger.Warn("Skipping unindexable record", "id", rec.ID, "error", err)
				return nil
			}
			return fmt.Errorf("tier %s: rebuild index: %w", t.cfg.Tier, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.index = idx
	t.logger.Info("Index rebuilt from store",
		"records", idx.Len(), "skipped", skipped, "duration", time.Since(start))
	return nil
}

// Put stores rec durably and then indexes it. The durable write happens
// first; when ctx is cancelled after it, the write is rolled back so that
// either both or neither of store and index hold the record.
func (t *Tier) Put(ctx context.Context, rec *model.Record) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(rec.Vector) != t.cfg.Dimension {
		return &hnsw.ErrDimensionMismatch{Expected: t.cfg.Dimension, Actual: len(rec.Vector)}
	}

	rec.Tier = t.cfg.Tier
	if err := t.store.Put(ctx, rec); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		t.rollback(rec.ID)
		return err
	}

	err := t.index.Insert(context.WithoutCancel(ctx), rec.ID, rec.Vector)
	switch {
	case err == nil:
		return nil
	case isPermanent(err):
		t.rollback(rec.ID)
		return err
	default:
		t.logger.Warn("Index insert failed, queued for retry", "id", rec.ID, "error", err)
		t.enqueueRetry(rec.ID)
		return nil
	}
}

func isPermanent(err error) bool {
	var dm *hnsw.ErrDimensionMismatch
	return errors.As(err, &dm) ||
		errors.Is(err, hnsw.ErrZeroVector) ||
		errors.Is(err, hnsw.ErrCapacityExceeded)
}

func (t *Tier) rollback(id string) {
	if err := t.store.Delete(context.Background(), id); err != nil && !errors.Is(err, store.ErrNotFound) {
		t.logger.Error("Rollback of durable write failed", "id", id, "error", err)
	}
}

// Get returns the stored record.
func (t *Tier) Get(ctx context.Context, id string) (*model.Record, error) {
	return t.store.Get(ctx, id)
}

// Touch records a read hit on id and returns the updated record.
func (t *Tier) Touch(ctx context.Context, id string, at time.Time) (*model.Record, error) {
	return t.store.Touch(ctx, id, at)
}

// Delete removes id from the store and then from the index.
func (t *Tier) Delete(ctx context.Context, id string) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := t.store.Delete(ctx, id); err != nil {
		return err
	}

	t.retryMu.Lock()
	delete(t.pending, id)
	t.retryMu.Unlock()

	if err := t.index.Remove(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, hnsw.ErrNotFound) {
		t.logger.Warn("Index remove failed", "id", id, "error", err)
	}
	return nil
}

// Search returns up to k records nearest to q, ascending by distance. Ids
// the index returns but the store no longer holds are dropped. An index
// failure is logged and reported as ErrIndexDegraded with no results.
func (t *Tier) Search(ctx context.Context, q []float32, k int) ([]model.ScoredRecord, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if len(q) != t.cfg.Dimension {
		return nil, &hnsw.ErrDimensionMismatch{Expected: t.cfg.Dimension, Actual: len(q)}
	}
	if t.index.Len() == 0 {
		return nil, nil
	}

	hits, err := t.index.Search(ctx, q, k, t.cfg.Index.EFSearch)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		t.degraded.Add(1)
		t.logger.Warn("Index search failed, returning no results", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrIndexDegraded, err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.Key
	}
	recs, err := t.store.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]model.ScoredRecord, 0, len(hits))
	for _, h := range hits {
		rec, ok := recs[h.Key]
		if !ok {
			t.logger.Debug("Dropping index hit missing from store", "id", h.Key)
			continue
		}
		out = append(out, model.ScoredRecord{Record: rec, Distance: h.Distance, Score: 1 - h.Distance})
	}
	return out, nil
}

// Count returns the number of durable records.
func (t *Tier) Count(ctx context.Context) (int, error) {
	return t.store.Count(ctx)
}

// Len returns the number of indexed records.
func (t *Tier) Len() int { return t.index.Len() }

// Contains reports whether id is indexed.
func (t *Tier) Contains(id string) bool { return t.index.Contains(id) }

// ListOldest returns up to limit records, oldest first by the given order.
func (t *Tier) ListOldest(ctx context.Context, by store.Order, limit int) ([]*model.Record, error) {
	return t.store.ListOldest(ctx, by, limit)
}

// Iterate calls fn for every stored record in creation order.
func (t *Tier) Iterate(ctx context.Context, fn func(*model.Record) error) error {
	return t.store.Iterate(ctx, fn)
}

// BackupTo copies the database to dst.
func (t *Tier) BackupTo(ctx context.Context, dst string) error {
	return t.store.BackupTo(ctx, dst)
}

// Snapshot writes the index snapshot atomically to the tier's snapshot
// path.
func (t *Tier) Snapshot() error {
	return t.SnapshotTo(t.cfg.FS, t.snapshotPath)
}

// SnapshotTo writes the index snapshot atomically to path on fsys.
func (t *Tier) SnapshotTo(fsys fs.FileSystem, path string) error {
	start := time.Now()
	err := fs.WriteAtomic(fsys, path, func(w io.Writer) error {
		_, err := t.index.WriteTo(w)
		return err
	})
	if err != nil {
		return fmt.Errorf("tier %s: snapshot: %w", t.cfg.Tier, err)
	}
	t.logger.Debug("Index snapshot written", "path", path, "duration", time.Since(start))
	return nil
}

// Close stops the retry worker, snapshots the index and closes the store.
// A snapshot failure is logged; the next Open rebuilds from the store.
func (t *Tier) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.stop)
	t.wg.Wait()

	t.retryMu.Lock()
	pending := len(t.pending)
	t.retryMu.Unlock()
	if pending > 0 {
		t.logger.Warn("Closing with unindexed records; index will be rebuilt on open", "pending", pending)
	} else if err := t.Snapshot(); err != nil {
		t.logger.Error("Failed to write index snapshot", "error", err)
	}

	return t.store.Close()
}
