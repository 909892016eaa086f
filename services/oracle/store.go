package oracle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
)

var (
	// ErrPathRequired is returned when the cache path is missing.
	ErrPathRequired = errors.New("oracle cache path must be configured")
	// ErrNoSample is returned when no price was ever recorded for an asset.
	ErrNoSample = errors.New("oracle: no cached sample")
)

const defaultFilePragmas = "mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// FileDSN converts a filesystem path into an on-disk SQLite DSN.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve cache path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// Sample is a recorded quote together with the pool height at which it was
// observed.
type Sample struct {
	Quote
	Height     uint64
	RecordedAt time.Time
}

// Store caches accepted quotes in SQLite so the pool can fall back to the
// last known price across restarts.
type Store struct {
	db *sql.DB
}

// OpenStore initialises the cache using a sqlite-compatible DSN.
func OpenStore(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordSample persists an accepted quote.
func (s *Store) RecordSample(ctx context.Context, q Quote, height uint64, recorded time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if q.Price == nil || q.Price.Sign() <= 0 {
		return fmt.Errorf("quote missing price")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_samples(asset, source, price, height, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?)
    `, normaliseSymbol(q.Asset), strings.ToLower(q.Source), q.Price.String(), int64(height), q.ObservedAt.UTC().Unix(), recorded.UTC())
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// Latest returns the most recent sample for asset.
func (s *Store) Latest(ctx context.Context, asset string) (Sample, error) {
	result := Sample{}
	if s == nil {
		return result, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT asset, source, price, height, observed_at, recorded_at
        FROM oracle_samples
        WHERE asset = ?
        ORDER BY id DESC
        LIMIT 1
    `, normaliseSymbol(asset))
	var (
		price    string
		height   int64
		observed int64
	)
	if err := row.Scan(&result.Asset, &result.Source, &price, &height, &observed, &result.RecordedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, ErrNoSample
		}
		return result, fmt.Errorf("query sample: %w", err)
	}
	value, ok := new(big.Int).SetString(price, 10)
	if !ok {
		return result, fmt.Errorf("corrupt cached price %q", price)
	}
	result.Price = value
	result.Height = uint64(height)
	result.ObservedAt = time.Unix(observed, 0).UTC()
	return result, nil
}

// Prune deletes samples recorded before cutoff, keeping the newest sample
// of every asset.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	res, err := s.db.ExecContext(ctx, `
        DELETE FROM oracle_samples
        WHERE recorded_at < ?
          AND id NOT IN (SELECT MAX(id) FROM oracle_samples GROUP BY asset)
    `, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	return res.RowsAffected()
}

const schema = `
CREATE TABLE IF NOT EXISTS oracle_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    asset TEXT NOT NULL,
    source TEXT NOT NULL,
    price TEXT NOT NULL,
    height INTEGER NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oracle_samples_asset ON oracle_samples(asset, id);
`
