package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// HeldRecord is a remote version set aside by a pull.
type HeldRecord struct {
	EntityType string
	EntityID   string
	UpdatedAt  int64
	Deleted    bool
	Payload    json.RawMessage
}

// Hold sets a remote version aside. If a version is already held for the
// same id, the newer one is kept.
func Hold(ctx context.Context, q Querier, rec HeldRecord) error {
	payload := string(rec.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO pull_held (entity_type, entity_id, updated_at, deleted, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			updated_at = excluded.updated_at,
			deleted    = excluded.deleted,
			payload    = excluded.payload
		WHERE excluded.updated_at > pull_held.updated_at
	`, rec.EntityType, rec.EntityID, rec.UpdatedAt, rec.Deleted, payload)
	if err != nil {
		return fmt.Errorf("hold %s/%s: %w", rec.EntityType, rec.EntityID, err)
	}
	return nil
}

// TakeHeld removes and returns the version held for an id, if any.
func TakeHeld(ctx context.Context, q Querier, entityType, entityID string) (HeldRecord, bool, error) {
	rec := HeldRecord{EntityType: entityType, EntityID: entityID}
	var payload string
	err := q.QueryRowContext(ctx, `
		SELECT updated_at, deleted, payload FROM pull_held
		WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID).Scan(&rec.UpdatedAt, &rec.Deleted, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return HeldRecord{}, false, nil
	}
	if err != nil {
		return HeldRecord{}, false, fmt.Errorf("read held %s/%s: %w", entityType, entityID, err)
	}
	if err := DropHeld(ctx, q, entityType, entityID); err != nil {
		return HeldRecord{}, false, err
	}
	if payload != "null" {
		rec.Payload = json.RawMessage(payload)
	}
	return rec, true, nil
}

// DropHeld forgets the version held for an id.
func DropHeld(ctx context.Context, q Querier, entityType, entityID string) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM pull_held WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID,
	)
	if err != nil {
		return fmt.Errorf("drop held %s/%s: %w", entityType, entityID, err)
	}
	return nil
}
