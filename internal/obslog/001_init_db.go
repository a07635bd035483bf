package obslog

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			binding    TEXT NOT NULL,
			kind       TEXT NOT NULL,
			remote     TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		) STRICT;
	`); err != nil {
		return fmt.Errorf("create events table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX events_created_at_idx ON events(created_at)`); err != nil {
		return fmt.Errorf("create events index: %w", err)
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP INDEX events_created_at_idx`); err != nil {
		return fmt.Errorf("drop events_created_at_idx index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE events`); err != nil {
		return fmt.Errorf("drop events table: %w", err)
	}
	return nil
}
