// Package postgres is the production remote store on PostgreSQL.
//
// All entity tables share one sync_records table keyed by
// (account_id, entity_type, id). Every accepted write takes a fresh value
// from sync_change_seq; pulls page through that sequence.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/roach88/calsync/internal/remote"
)

// DB wraps a *sql.DB and implements remote.Remote.
type DB struct {
	sql *sql.DB
}

var _ remote.Remote = (*DB)(nil)

// Open connects to PostgreSQL, pings, and runs migrations.
func Open(connStr string) (*DB, error) {
	s, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	s.SetMaxOpenConns(10)
	s.SetMaxIdleConns(5)
	s.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.PingContext(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	d := &DB{sql: s}
	if err := d.migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) migrate(ctx context.Context) error {
	stmts := []string{
		"CREATE SEQUENCE IF NOT EXISTS sync_change_seq;",
		`CREATE TABLE IF NOT EXISTS sync_records (
			account_id  TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			id          TEXT NOT NULL,
			updated_at  BIGINT NOT NULL,
			deleted     BOOLEAN NOT NULL DEFAULT FALSE,
			payload     JSONB,
			change_seq  BIGINT NOT NULL,
			PRIMARY KEY (account_id, entity_type, id)
		);`,
		"CREATE INDEX IF NOT EXISTS idx_sync_records_change ON sync_records(account_id, entity_type, change_seq);",
	}
	for _, stmt := range stmts {
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Upsert stores rec unless the stored version is at least as new.
func (d *DB) Upsert(ctx context.Context, accountID, table string, rec remote.Record) error {
	if rec.ID == "" {
		return errors.New("upsert: id is required")
	}
	var payload any
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}
	return d.write(ctx, accountID, table, rec.ID, rec.UpdatedAt, false, payload)
}

// Delete writes a tombstone unless the stored version is at least as new.
func (d *DB) Delete(ctx context.Context, accountID, table, id string, updatedAt int64) error {
	return d.write(ctx, accountID, table, id, updatedAt, true, nil)
}

func (d *DB) write(ctx context.Context, accountID, table, id string, updatedAt int64, deleted bool, payload any) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO sync_records (account_id, entity_type, id, updated_at, deleted, payload, change_seq)
		VALUES ($1, $2, $3, $4, $5, $6, nextval('sync_change_seq'))
		ON CONFLICT (account_id, entity_type, id) DO UPDATE SET
			updated_at = EXCLUDED.updated_at,
			deleted    = EXCLUDED.deleted,
			payload    = EXCLUDED.payload,
			change_seq = EXCLUDED.change_seq
		WHERE sync_records.updated_at < EXCLUDED.updated_at;`,
		accountID, table, id, updatedAt, deleted, payload,
	)
	if err != nil {
		return classify(fmt.Errorf("write %s/%s: %w", table, id, err))
	}
	return nil
}

// Pull returns changes after cursor in change order.
func (d *DB) Pull(ctx context.Context, accountID, table, cursor string, limit int) (remote.Page, error) {
	var since int64
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return remote.Page{}, fmt.Errorf("pull: bad cursor %q: %w", cursor, err)
		}
		since = v
	}
	if limit <= 0 {
		limit = remote.DefaultPageSize
	}

	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, updated_at, deleted, payload, change_seq
		FROM sync_records
		WHERE account_id = $1 AND entity_type = $2 AND change_seq > $3
		ORDER BY change_seq ASC
		LIMIT $4;`,
		accountID, table, since, limit+1,
	)
	if err != nil {
		return remote.Page{}, classify(fmt.Errorf("pull %s: %w", table, err))
	}
	defer rows.Close()

	page := remote.Page{Records: make([]remote.Record, 0, limit), Cursor: cursor}
	for rows.Next() {
		if len(page.Records) == limit {
			page.More = true
			break
		}
		var rec remote.Record
		var payload sql.NullString
		var seq int64
		if err := rows.Scan(&rec.ID, &rec.UpdatedAt, &rec.Deleted, &payload, &seq); err != nil {
			return remote.Page{}, fmt.Errorf("pull %s: scan: %w", table, err)
		}
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		page.Records = append(page.Records, rec)
		page.Cursor = strconv.FormatInt(seq, 10)
	}
	if err := rows.Err(); err != nil {
		return remote.Page{}, classify(fmt.Errorf("pull %s: %w", table, err))
	}
	return page, nil
}

// classify marks connection-level failures as remote.ErrUnavailable.
// Errors reported by the server itself are returned unchanged.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exception. 57P: operator intervention (shutdown).
		switch pqErr.Code.Class() {
		case "08", "57":
			return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	return err
}
