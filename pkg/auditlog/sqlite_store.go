package auditlog

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/aegis-kernel/aegis/pkg/proof"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    idx         INTEGER PRIMARY KEY,
    timestamp   INTEGER NOT NULL,
    description TEXT    NOT NULL,
    proof       BLOB    NOT NULL,
    prev_hash   BLOB    NOT NULL,
    entry_hash  BLOB    NOT NULL,
    signature   BLOB    NOT NULL
)`

// SQLiteStore persists audit entries in SQLite. It issues inserts and reads
// only; the schema's primary key rejects any attempt to rewrite an index.
type SQLiteStore struct {
	db     *sql.DB
	ownsDB bool
}

// OpenSQLiteStore opens or creates a SQLite-backed store at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLiteStore wraps an existing database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(auditSchema); err != nil {
		return nil, fmt.Errorf("init audit store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append inserts one entry. A duplicate index fails on the primary key.
func (s *SQLiteStore) Append(ctx context.Context, e *Entry) error {
	proofBytes, err := e.Proof.Encode()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (idx, timestamp, description, proof, prev_hash, entry_hash, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		int64(e.Index), int64(e.Timestamp), e.ActionDescription,
		proofBytes, e.PrevHash[:], e.EntryHash[:], e.Signature)
	if err != nil {
		return fmt.Errorf("insert audit entry %d: %w", e.Index, err)
	}
	return nil
}

// Load reads the whole chain in index order.
func (s *SQLiteStore) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, timestamp, description, proof, prev_hash, entry_hash, signature
		 FROM audit_entries ORDER BY idx ASC`)
	if err != nil {
		return nil, fmt.Errorf("load audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			idx, ts                     int64
			desc                        string
			proofBytes, prev, hash, sig []byte
		)
		if err := rows.Scan(&idx, &ts, &desc, &proofBytes, &prev, &hash, &sig); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		p, err := proof.Decode(proofBytes)
		if err != nil {
			return nil, fmt.Errorf("decode proof for entry %d: %w", idx, err)
		}
		e := Entry{
			Index:             uint64(idx),
			Timestamp:         uint64(ts),
			ActionDescription: desc,
			Proof:             p,
			Signature:         sig,
		}
		copy(e.PrevHash[:], prev)
		copy(e.EntryHash[:], hash)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

// Close releases the database handle if this store opened it.
func (s *SQLiteStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
