package obslog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// WriteSnapshotGzip dumps every currently retained event as gzip-compressed
// newline-delimited JSON, for attaching to a bug report without shipping
// the sqlite file itself.
func (db *DB) WriteSnapshotGzip(ctx context.Context, w io.Writer) error {
	gz := gzip.NewWriter(w)
	defer gz.Close()

	enc := json.NewEncoder(gz)

	rows, err := db.x.QueryxContext(ctx, `SELECT id, binding, kind, remote, detail, created_at FROM events ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("obslog: query snapshot: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Event
		if err := rows.StructScan(&e); err != nil {
			return fmt.Errorf("obslog: scan snapshot row: %w", err)
		}
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("obslog: encode snapshot row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("obslog: iterate snapshot rows: %w", err)
	}
	return gz.Close()
}
