// Package store is the durable record store of one tier, backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/pierrec/lz4/v4"
	_ "modernc.org/sqlite"

	"github.com/hupe1980/memtier/model"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("store: record not found")
	// ErrStorageIO wraps every failure of the underlying database.
	ErrStorageIO = errors.New("store: storage I/O error")
)

// Order selects the timestamp ListOldest sorts by.
type Order int

const (
	ByCreated Order = iota
	ByAccessed
)

const (
	codecRaw = 0
	codecLZ4 = 1

	// Texts shorter than this are stored raw.
	minCompressLen = 64
)

const columns = `id, vector, text, text_codec, text_len, created_at, last_accessed_at,
	access_count, score_hint, kind, tags, project, session`

// Store persists the records of a single tier.
type Store struct {
	db   *sql.DB
	path string
	tier model.Tier
}

// Open opens (creating if needed) the database at path. Records read back
// are stamped with tier.
func Open(path string, tier model.Tier) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, ioErr("create directory", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)")
	if err != nil {
		return nil, ioErr("open", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, tier: tier}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id               TEXT PRIMARY KEY,
		vector           BLOB NOT NULL,
		text             BLOB NOT NULL,
		text_codec       INTEGER NOT NULL DEFAULT 0,
		text_len         INTEGER NOT NULL DEFAULT 0,
		created_at       INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL,
		access_count     INTEGER NOT NULL DEFAULT 0,
		score_hint       REAL NOT NULL DEFAULT -1,
		kind             TEXT NOT NULL DEFAULT '',
		tags             TEXT NOT NULL DEFAULT '[]',
		project          TEXT NOT NULL DEFAULT '',
		session          TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at, id);
	CREATE INDEX IF NOT EXISTS idx_records_accessed ON records(last_accessed_at, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return ioErr("migrate", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Tier returns the tier this store belongs to.
func (s *Store) Tier() model.Tier { return s.tier }

// Put inserts or replaces rec.
func (s *Store) Put(ctx context.Context, rec *model.Record) error {
	text, codec := encodeText(rec.Text)
	tags, err := gojson.Marshal(nonNil(rec.Tags))
	if err != nil {
		return fmt.Errorf("store: encode tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO records (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, encodeVector(rec.Vector), text, codec, len(rec.Text),
		rec.CreatedAt.UnixNano(), rec.LastAccessedAt.UnixNano(),
		int64(rec.AccessCount), rec.ScoreHint,
		rec.Kind, string(tags), rec.Project, rec.Session,
	)
	if err != nil {
		return ioErr("put "+rec.ID, err)
	}
	return nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM records WHERE id = ?`, id)
	rec, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ioErr("get "+id, err)
	}
	return rec, nil
}

// GetMany returns the records found for ids, keyed by id. Missing ids are
// simply absent from the result.
func (s *Store) GetMany(ctx context.Context, ids []string) (map[string]*model.Record, error) {
	out := make(map[string]*model.Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM records WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, ioErr("get many", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := s.scan(rows)
		if err != nil {
			return nil, ioErr("get many", err)
		}
		out[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("get many", err)
	}
	return out, nil
}

// Delete removes the record with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return ioErr("delete "+id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ioErr("delete "+id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch records a read hit: it increments the access count and advances
// the last access time to at (never backwards). It returns the updated
// record.
func (s *Store) Touch(ctx context.Context, id string, at time.Time) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx, `UPDATE records
		SET access_count = access_count + 1,
		    last_accessed_at = MAX(last_accessed_at, ?)
		WHERE id = ?
		RETURNING `+columns, at.UnixNano(), id)
	rec, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ioErr("touch "+id, err)
	}
	return rec, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, ioErr("count", err)
	}
	return n, nil
}

// Iterate calls fn for every record in creation order. Returning an error
// from fn stops the iteration and is returned unchanged. fn must not call
// back into the Store.
func (s *Store) Iterate(ctx context.Context, fn func(*model.Record) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM records ORDER BY created_at, id`)
	if err != nil {
		return ioErr("iterate", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := s.scan(rows)
		if err != nil {
			return ioErr("iterate", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return ioErr("iterate", err)
	}
	return nil
}

// ListOldest returns up to limit records ordered by the chosen timestamp,
// oldest first, ties broken by id.
func (s *Store) ListOldest(ctx context.Context, by Order, limit int) ([]*model.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	col := "created_at"
	if by == ByAccessed {
		col = "last_accessed_at"
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM records ORDER BY `+col+`, id LIMIT ?`, limit)
	if err != nil {
		return nil, ioErr("list oldest", err)
	}
	defer rows.Close()

	var out []*model.Record
	for rows.Next() {
		rec, err := s.scan(rows)
		if err != nil {
			return nil, ioErr("list oldest", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("list oldest", err)
	}
	return out, nil
}

// BackupTo writes a consistent copy of the database to dst, which must not
// exist.
func (s *Store) BackupTo(ctx context.Context, dst string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dst); err != nil {
		return ioErr("backup", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return ioErr("close", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scan(sc scanner) (*model.Record, error) {
	var (
		rec               model.Record
		vec, text         []byte
		codec, textLen    int
		created, accessed int64
		accessCount       int64
		tags              string
	)
	err := sc.Scan(&rec.ID, &vec, &text, &codec, &textLen, &created, &accessed,
		&accessCount, &rec.ScoreHint, &rec.Kind, &tags, &rec.Project, &rec.Session)
	if err != nil {
		return nil, err
	}

	rec.Vector, err = decodeVector(vec)
	if err != nil {
		return nil, err
	}
	rec.Text, err = decodeText(text, codec, textLen)
	if err != nil {
		return nil, err
	}
	if err := gojson.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if len(rec.Tags) == 0 {
		rec.Tags = nil
	}
	rec.CreatedAt = time.Unix(0, created)
	rec.LastAccessedAt = time.Unix(0, accessed)
	rec.AccessCount = uint64(accessCount)
	rec.Tier = s.tier
	return &rec, nil
}

func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob of %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

func encodeText(s string) ([]byte, int) {
	if len(s) < minCompressLen {
		return []byte(s), codecRaw
	}
	dst := make([]byte, lz4.CompressBlockBound(len(s)))
	n, err := lz4.CompressBlock([]byte(s), dst, nil)
	// n == 0 means the input was incompressible.
	if err != nil || n == 0 || n >= len(s) {
		return []byte(s), codecRaw
	}
	return dst[:n], codecLZ4
}

func decodeText(b []byte, codec, n int) (string, error) {
	switch codec {
	case codecRaw:
		return string(b), nil
	case codecLZ4:
		dst := make([]byte, n)
		m, err := lz4.UncompressBlock(b, dst)
		if err != nil {
			return "", fmt.Errorf("decompress text: %w", err)
		}
		if m != n {
			return "", fmt.Errorf("decompressed %d bytes, want %d", m, n)
		}
		return string(dst), nil
	default:
		return "", fmt.Errorf("unknown text codec %d", codec)
	}
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func ioErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageIO, op, err)
}
