package cache

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hollis/atlas/internal/models"
)

// ManifestRow is the recorded stat state of one workspace file.
type ManifestRow struct {
	Path      string
	Size      int64
	MtimeUnix int64
	Kind      string
	FailCount int
	Degraded  bool
}

// Changed reports whether the stat metadata differs from the recorded row.
// Modified-time or size drift marks the file changed; contents are never
// hashed.
func (m ManifestRow) Changed(meta models.FileMeta) bool {
	return m.Size != meta.Size || m.MtimeUnix != meta.Modified.UnixNano()
}

// AllManifest returns the full manifest keyed by path.
func (db *DB) AllManifest() (map[string]ManifestRow, error) {
	rows, err := db.conn.Query(`SELECT path, size, mtime, kind, fail_count, degraded FROM manifest`)
	if err != nil {
		return nil, fmt.Errorf("cache: all manifest: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ManifestRow)
	for rows.Next() {
		var m ManifestRow
		var degraded int
		if err := rows.Scan(&m.Path, &m.Size, &m.MtimeUnix, &m.Kind, &m.FailCount, &degraded); err != nil {
			return nil, err
		}
		m.Degraded = degraded != 0
		out[m.Path] = m
	}
	return out, rows.Err()
}

// TrackOnly records a file that has no projectable kind so that re-scans
// stay idempotent for it.
func (db *DB) TrackOnly(meta models.FileMeta) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("cache: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := upsertManifest(tx, meta.Path, meta, "", time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkReadFailure bumps the consecutive read-failure counter for path,
// recording the stat observed when the read failed, and flips the degraded
// flag once the counter reaches maxFails. The recorded stat is what lets a
// later scan tell a degraded file that changed on disk from one that did
// not: unchanged degraded files are excluded from projection until an edit
// or a successful read re-admits them. Returns the new counter value.
func (db *DB) MarkReadFailure(path string, meta models.FileMeta, maxFails int) (int, error) {
	_, err := db.conn.Exec(`
		INSERT INTO manifest (path, size, mtime, fail_count) VALUES (?, ?, ?, 1)
		ON CONFLICT(path) DO UPDATE SET
			size       = excluded.size,
			mtime      = excluded.mtime,
			fail_count = manifest.fail_count + 1
	`, path, meta.Size, meta.Modified.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("cache: mark read failure: %w", err)
	}
	var fails int
	if err := db.conn.QueryRow(`SELECT fail_count FROM manifest WHERE path = ?`, path).Scan(&fails); err != nil {
		return 0, fmt.Errorf("cache: read failure count: %w", err)
	}
	if fails >= maxFails {
		if _, err := db.conn.Exec(`UPDATE manifest SET degraded = 1 WHERE path = ?`, path); err != nil {
			return fails, fmt.Errorf("cache: mark degraded: %w", err)
		}
	}
	return fails, nil
}

func manifestKind(tx *sql.Tx, path string) (string, error) {
	var kind string
	err := tx.QueryRow(`SELECT kind FROM manifest WHERE path = ?`, path).Scan(&kind)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cache: manifest kind: %w", err)
	}
	return kind, nil
}

// upsertManifest records the file's stat state and resets the failure
// bookkeeping: reaching this point means the file was read successfully
// (or, for parse failures, read but rejected, still not an I/O problem).
func upsertManifest(tx *sql.Tx, path string, meta models.FileMeta, kind string, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO manifest (path, size, mtime, kind, fail_count, degraded, indexed_at)
		VALUES (?, ?, ?, ?, 0, 0, ?)
		ON CONFLICT(path) DO UPDATE SET
			size       = excluded.size,
			mtime      = excluded.mtime,
			kind       = excluded.kind,
			fail_count = 0,
			degraded   = 0,
			indexed_at = excluded.indexed_at
	`, path, meta.Size, meta.Modified.UnixNano(), kind, now)
	if err != nil {
		return fmt.Errorf("cache: upsert manifest: %w", err)
	}
	return nil
}
