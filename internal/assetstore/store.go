// Package assetstore persists generated media (images, videos, audio) in a local SQLite database.
package assetstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/floegence/flowerdesk/internal/ai"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("asset not found")

// Store is a SQLite-backed asset store.
//
// Notes:
// - Ids are ULIDs, so listing by id is listing by creation time.
// - WAL is enabled so the HTTP transport can read while a turn writes.
type Store struct {
	db *sql.DB

	idMu    sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

var _ ai.AssetStore = (*Store)(nil)

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{
		db:      db,
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Asset is the metadata of a stored asset. Data is only filled by Get.
type Asset struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	MimeType      string `json:"mime_type"`
	SizeBytes     int64  `json:"size_bytes"`
	TurnID        string `json:"turn_id,omitempty"`
	ToolCallID    string `json:"tool_call_id,omitempty"`
	CreatedAtUnix int64  `json:"created_at_unix_ms"`
	Data          []byte `json:"-"`
}

func (s *Store) newID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

// Put stores a binary and returns its id.
func (s *Store) Put(ctx context.Context, in ai.AssetInput) (Asset, error) {
	if s == nil || s.db == nil {
		return Asset{}, errors.New("nil store")
	}
	kind := strings.TrimSpace(in.Kind)
	if kind == "" {
		return Asset{}, errors.New("missing asset kind")
	}
	if len(in.Data) == 0 {
		return Asset{}, errors.New("empty asset data")
	}
	mimeType := strings.TrimSpace(in.MimeType)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	a := Asset{
		ID:            s.newID(),
		Kind:          kind,
		MimeType:      mimeType,
		SizeBytes:     int64(len(in.Data)),
		TurnID:        strings.TrimSpace(in.TurnID),
		ToolCallID:    strings.TrimSpace(in.ToolCallID),
		CreatedAtUnix: s.now().UnixMilli(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO assets(asset_id, kind, mime_type, size_bytes, turn_id, tool_call_id, created_at_unix_ms, data)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`, a.ID, a.Kind, a.MimeType, a.SizeBytes, a.TurnID, a.ToolCallID, a.CreatedAtUnix, in.Data)
	if err != nil {
		return Asset{}, fmt.Errorf("insert asset: %w", err)
	}
	return a, nil
}

// StoreAsset implements ai.AssetStore.
func (s *Store) StoreAsset(ctx context.Context, in ai.AssetInput) (string, error) {
	a, err := s.Put(ctx, in)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (Asset, error) {
	if s == nil || s.db == nil {
		return Asset{}, errors.New("nil store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Asset{}, ErrNotFound
	}
	var a Asset
	err := s.db.QueryRowContext(ctx, `
SELECT asset_id, kind, mime_type, size_bytes, turn_id, tool_call_id, created_at_unix_ms, data
FROM assets
WHERE asset_id = ?
`, id).Scan(&a.ID, &a.Kind, &a.MimeType, &a.SizeBytes, &a.TurnID, &a.ToolCallID, &a.CreatedAtUnix, &a.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, ErrNotFound
	}
	if err != nil {
		return Asset{}, err
	}
	return a, nil
}

// List returns asset metadata, newest first. kind filters when non-empty; limit <= 0 means 100.
func (s *Store) List(ctx context.Context, kind string, limit int) ([]Asset, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("nil store")
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	kind = strings.TrimSpace(kind)
	rows, err := s.db.QueryContext(ctx, `
SELECT asset_id, kind, mime_type, size_bytes, turn_id, tool_call_id, created_at_unix_ms
FROM assets
WHERE (? = '' OR kind = ?)
ORDER BY asset_id DESC
LIMIT ?
`, kind, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Asset, 0, 16)
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.ID, &a.Kind, &a.MimeType, &a.SizeBytes, &a.TurnID, &a.ToolCallID, &a.CreatedAtUnix); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Delete removes an asset. It reports whether a row was deleted.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("nil store")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE asset_id = ?`, strings.TrimSpace(id))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS assets (
  asset_id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  mime_type TEXT NOT NULL,
  size_bytes INTEGER NOT NULL,
  turn_id TEXT NOT NULL DEFAULT '',
  tool_call_id TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  data BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assets_kind ON assets(kind, asset_id);
`); err != nil {
		return fmt.Errorf("create assets: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return tx.Commit()
}
