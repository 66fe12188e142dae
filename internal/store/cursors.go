package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Cursor returns the last pulled remote cursor for an entity type, or ""
// if the entity type has never been pulled.
func Cursor(ctx context.Context, q Querier, entityType string) (string, error) {
	var cursor string
	err := q.QueryRowContext(ctx,
		`SELECT cursor FROM sync_cursors WHERE entity_type = ?`, entityType,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read cursor %s: %w", entityType, err)
	}
	return cursor, nil
}

// SetCursor records the remote cursor reached for an entity type.
func SetCursor(ctx context.Context, q Querier, entityType, cursor string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_cursors (entity_type, cursor) VALUES (?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET cursor = excluded.cursor
	`, entityType, cursor)
	if err != nil {
		return fmt.Errorf("write cursor %s: %w", entityType, err)
	}
	return nil
}

// ResetCursors forgets every pull position so the next pull starts from the
// beginning of the remote change log.
func (s *Store) ResetCursors(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_cursors`); err != nil {
		return fmt.Errorf("reset cursors: %w", err)
	}
	return nil
}
