package replay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteGuard persists consumed nonces on disk so replay protection survives
// a process restart. The upsert replaces only expired records, which keeps
// check-and-insert a single atomic statement.
type SQLiteGuard struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenSQLiteGuard opens (creating if needed) a nonce database at path.
func OpenSQLiteGuard(path string) (*SQLiteGuard, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}
	return NewSQLiteGuard(db)
}

// NewSQLiteGuard wraps an existing handle and runs the migration.
func NewSQLiteGuard(db *sql.DB) (*SQLiteGuard, error) {
	g := &SQLiteGuard{db: db, clock: time.Now}
	if err := g.migrate(); err != nil {
		return nil, err
	}
	return g, nil
}

// WithClock overrides the clock for deterministic testing.
func (g *SQLiteGuard) WithClock(clock func() time.Time) *SQLiteGuard {
	g.clock = clock
	return g
}

func (g *SQLiteGuard) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS nonces (
		nonce BLOB PRIMARY KEY,
		first_seen INTEGER NOT NULL,
		ttl INTEGER NOT NULL
	);`
	if _, err := g.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrStorage, err)
	}
	return nil
}

// CheckAndInsert records the nonce. The conditional upsert succeeds when the
// nonce is new or its previous record has expired; a live record yields zero
// affected rows, which is a replay.
func (g *SQLiteGuard) CheckAndInsert(ctx context.Context, nonce [NonceSize]byte, ttlSeconds uint64) error {
	now := g.clock().Unix()

	res, err := g.db.ExecContext(ctx, `
		INSERT INTO nonces (nonce, first_seen, ttl) VALUES (?, ?, ?)
		ON CONFLICT(nonce) DO UPDATE
			SET first_seen = excluded.first_seen, ttl = excluded.ttl
			WHERE nonces.first_seen + nonces.ttl < excluded.first_seen`,
		nonce[:], now, int64(ttlSeconds))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if affected == 0 {
		return ErrNonceReused
	}
	return nil
}

// CleanupExpired deletes records whose TTL has elapsed.
func (g *SQLiteGuard) CleanupExpired(ctx context.Context) (int, error) {
	now := g.clock().Unix()
	res, err := g.db.ExecContext(ctx, `DELETE FROM nonces WHERE first_seen + ttl < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return int(removed), nil
}

// Close releases the database handle.
func (g *SQLiteGuard) Close() error {
	return g.db.Close()
}
