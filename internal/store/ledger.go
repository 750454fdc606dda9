// Package store persists the download ledger in SQLite: one row per
// completed model download. The ledger is what makes isDownloaded cheap and
// lets stale partial downloads be distinguished from finished ones across
// daemon restarts.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"runnerd/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	model         TEXT NOT NULL,
	quant         TEXT NOT NULL,
	path          TEXT NOT NULL,
	size_bytes    INTEGER NOT NULL,
	downloaded_at INTEGER NOT NULL,
	PRIMARY KEY (model, quant)
);
`

// Ledger wraps the SQLite database holding download manifests.
type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the ledger under dataDir. Pass ":memory:" for an
// in-memory database (used by tests).
func Open(dataDir string) (*Ledger, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "runnerd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection avoids "database is locked" under concurrent ops.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error { return l.db.Close() }

// Put records (or replaces) a completed download.
func (l *Ledger) Put(m types.Manifest) error {
	at := m.DownloadedAt
	if at == 0 {
		at = time.Now().Unix()
	}
	_, err := l.db.Exec(`
		INSERT INTO downloads (model, quant, path, size_bytes, downloaded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(model, quant) DO UPDATE SET
			path = excluded.path,
			size_bytes = excluded.size_bytes,
			downloaded_at = excluded.downloaded_at`,
		m.Model, m.Quant, m.Path, m.SizeBytes, at,
	)
	return err
}

// Get returns the manifest for model+quant, or ok=false when absent.
func (l *Ledger) Get(model, quant string) (types.Manifest, bool, error) {
	var m types.Manifest
	err := l.db.QueryRow(`
		SELECT model, quant, path, size_bytes, downloaded_at
		FROM downloads WHERE model = ? AND quant = ?`, model, quant,
	).Scan(&m.Model, &m.Quant, &m.Path, &m.SizeBytes, &m.DownloadedAt)
	if err == sql.ErrNoRows {
		return types.Manifest{}, false, nil
	}
	if err != nil {
		return types.Manifest{}, false, err
	}
	return m, true, nil
}

// Delete removes the row for model+quant. Reports whether a row existed.
func (l *Ledger) Delete(model, quant string) (bool, error) {
	res, err := l.db.Exec(`DELETE FROM downloads WHERE model = ? AND quant = ?`, model, quant)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns all manifests ordered by model then quant.
func (l *Ledger) List() ([]types.Manifest, error) {
	rows, err := l.db.Query(`
		SELECT model, quant, path, size_bytes, downloaded_at
		FROM downloads ORDER BY model, quant`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Manifest
	for rows.Next() {
		var m types.Manifest
		if err := rows.Scan(&m.Model, &m.Quant, &m.Path, &m.SizeBytes, &m.DownloadedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
