package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memtier/model"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tier.db"), model.Insights)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(id string, created time.Time) *model.Record {
	return &model.Record{
		ID:             id,
		Vector:         []float32{0.6, 0.8, 0},
		Text:           "text of " + id,
		CreatedAt:      created,
		LastAccessedAt: created,
		ScoreHint:      -1,
	}
}

func TestPutGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 123)

	rec := &model.Record{
		ID:             "01HZX",
		Vector:         []float32{0.1, -0.2, 0.3},
		Text:           strings.Repeat("compressible text ", 50),
		CreatedAt:      now,
		LastAccessedAt: now.Add(time.Second),
		AccessCount:    3,
		ScoreHint:      0.7,
		Kind:           "note",
		Tags:           []string{"a", "b"},
		Project:        "proj",
		Session:        "sess",
	}
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Vector, got.Vector)
	assert.Equal(t, rec.Text, got.Text)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, rec.LastAccessedAt.Equal(got.LastAccessedAt))
	assert.Equal(t, rec.AccessCount, got.AccessCount)
	assert.InDelta(t, rec.ScoreHint, got.ScoreHint, 1e-9)
	assert.Equal(t, rec.Kind, got.Kind)
	assert.Equal(t, rec.Tags, got.Tags)
	assert.Equal(t, rec.Project, got.Project)
	assert.Equal(t, rec.Session, got.Session)
	assert.Equal(t, model.Insights, got.Tier)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTextCodec(t *testing.T) {
	for _, text := range []string{
		"",
		"short",
		strings.Repeat("x", 10_000),
		"\x00\xff binary é unicode " + strings.Repeat("ab", 100),
	} {
		b, codec := encodeText(text)
		got, err := decodeText(b, codec, len(text))
		require.NoError(t, err)
		assert.Equal(t, text, got)
	}

	b, codec := encodeText(strings.Repeat("x", 10_000))
	assert.Equal(t, codecLZ4, codec)
	assert.Less(t, len(b), 10_000)
}

func TestPutReplaces(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := testRecord("a", now)
	require.NoError(t, s.Put(ctx, rec))
	rec.AccessCount = 9
	require.NoError(t, s.Put(ctx, rec))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got.AccessCount)
}

func TestDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testRecord("a", time.Now())))
	require.NoError(t, s.Delete(ctx, "a"))
	assert.ErrorIs(t, s.Delete(ctx, "a"), ErrNotFound)

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTouch(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	require.NoError(t, s.Put(ctx, testRecord("a", t0)))

	got, err := s.Touch(ctx, "a", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.AccessCount)
	assert.True(t, got.LastAccessedAt.Equal(t0.Add(time.Hour)))

	// An older timestamp never moves last access backwards.
	got, err = s.Touch(ctx, "a", t0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.AccessCount)
	assert.True(t, got.LastAccessedAt.Equal(t0.Add(time.Hour)))

	_, err = s.Touch(ctx, "missing", t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOldestAndIterate(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	for i, id := range []string{"c", "a", "d", "b"} {
		rec := testRecord(id, t0.Add(time.Duration(i)*time.Minute))
		rec.LastAccessedAt = t0.Add(time.Duration(10-i) * time.Minute)
		require.NoError(t, s.Put(ctx, rec))
	}

	ids := func(recs []*model.Record) []string {
		out := make([]string, len(recs))
		for i, r := range recs {
			out[i] = r.ID
		}
		return out
	}

	byCreated, err := s.ListOldest(ctx, ByCreated, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "d"}, ids(byCreated))

	byAccessed, err := s.ListOldest(ctx, ByAccessed, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "d"}, ids(byAccessed))

	none, err := s.ListOldest(ctx, ByCreated, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	var seen []string
	require.NoError(t, s.Iterate(ctx, func(r *model.Record) error {
		seen = append(seen, r.ID)
		return nil
	}))
	assert.Equal(t, []string{"c", "a", "d", "b"}, seen)

	stop := errors.New("stop")
	err = s.Iterate(ctx, func(*model.Record) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestGetMany(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(ctx, testRecord(id, time.Now())))
	}

	got, err := s.GetMany(ctx, []string{"a", "c", "zz"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "a")
	assert.Contains(t, got, "c")

	empty, err := s.GetMany(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReopenAndBackup(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	path := filepath.Join(dir, "assets.db")

	s, err := Open(path, model.Assets)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, testRecord("a", time.Now())))

	copyPath := filepath.Join(dir, "copy.db")
	require.NoError(t, s.BackupTo(ctx, copyPath))
	require.NoError(t, s.Close())

	s, err = Open(path, model.Assets)
	require.NoError(t, err)
	defer s.Close()
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := Open(copyPath, model.Assets)
	require.NoError(t, err)
	defer c.Close()
	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "text of a", got.Text)
}

func TestClosedStoreReturnsStorageIO(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "x.db"), model.Interact)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Count(context.Background())
	assert.ErrorIs(t, err, ErrStorageIO)
}
