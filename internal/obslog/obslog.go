// Package obslog implements a bounded sqlite3-backed ring buffer of binding
// events (stateless responses sent, connections created, datagrams
// dropped), for post-mortem debugging without keeping every event in
// memory: a DB wrapping *sqlx.DB, numbered migration files, WAL-mode
// connection parameters for write throughput.
package obslog

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
)

// DB stores a binding's recent event log in a sqlite3 database.
type DB struct {
	x *sqlx.DB

	// Capacity bounds the events table; Append prunes the oldest rows past
	// it. Zero disables pruning.
	Capacity int
}

// Open opens (creating if needed) a sqlite3 database at name and migrates
// it to the latest schema version.
func Open(ctx context.Context, name string, capacity int) (*DB, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_cache_size":   {"-8000"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, fmt.Errorf("obslog: open %q: %w", name, err)
	}
	db := &DB{x: x, Capacity: capacity}

	_, required, err := db.Version()
	if err != nil {
		x.Close()
		return nil, fmt.Errorf("obslog: version: %w", err)
	}
	if err := db.MigrateUp(ctx, required); err != nil {
		x.Close()
		return nil, fmt.Errorf("obslog: migrate: %w", err)
	}
	return db, nil
}

// Close closes the underlying database handle.
func (db *DB) Close() error {
	return db.x.Close()
}

// Event is one recorded binding occurrence.
type Event struct {
	ID        int64     `db:"id"`
	Binding   string    `db:"binding"`
	Kind      string    `db:"kind"`
	Remote    string    `db:"remote"`
	Detail    string    `db:"detail"`
	CreatedAt int64     `db:"created_at"` // unix milliseconds
}

// Append records an event, pruning the oldest rows past Capacity in the
// same transaction so the table never grows unbounded (the "ring buffer"
// half of the package).
func (db *DB) Append(ctx context.Context, bindingLabel, kind string, remote netip.AddrPort, detail string) error {
	tx, err := db.x.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("obslog: begin: %w", err)
	}
	defer tx.Rollback()

	remoteStr := ""
	if remote.IsValid() {
		remoteStr = remote.String()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (binding, kind, remote, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		bindingLabel, kind, remoteStr, detail, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("obslog: insert: %w", err)
	}

	if db.Capacity > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM events WHERE id IN (
				SELECT id FROM events ORDER BY id DESC LIMIT -1 OFFSET ?
			)`, db.Capacity); err != nil {
			return fmt.Errorf("obslog: prune: %w", err)
		}
	}

	return tx.Commit()
}

// Recent returns the most recent n events, newest first.
func (db *DB) Recent(ctx context.Context, n int) ([]Event, error) {
	var events []Event
	if err := db.x.SelectContext(ctx, &events,
		`SELECT id, binding, kind, remote, detail, created_at FROM events ORDER BY id DESC LIMIT ?`, n); err != nil {
		return nil, fmt.Errorf("obslog: select recent: %w", err)
	}
	return events, nil
}
