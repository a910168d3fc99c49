package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EntityState is the current normalized state of one entity: exactly one
// row per entity, updated last-write-wins.
type EntityState struct {
	EntityID  string
	State     map[string]any
	UpdatedAt time.Time
}

// ErrEntityStateNotFound is returned by Get when no row
// exists yet for the entity.
var ErrEntityStateNotFound = errors.New("store: entity state not found")

// EntityStateRepository persists current entity state snapshots.
type EntityStateRepository struct {
	db *DB
}

// NewEntityStateRepository builds a repository over an already-migrated
// database.
func NewEntityStateRepository(db *DB) *EntityStateRepository {
	return &EntityStateRepository{db: db}
}

// Write upserts entityID's state, last-write-wins: the row's updatedAt
// is always set to the time of this call, so a concurrently-later call
// always wins regardless of arrival order at the database.
func (r *EntityStateRepository) Write(ctx context.Context, entityID string, state map[string]any) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding entity state: %w", err)
	}
	now := time.Now().UTC()

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO entity_state (entity_id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(entity_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
		 WHERE excluded.updated_at >= entity_state.updated_at`,
		entityID, string(stateJSON), now)
	if err != nil {
		return fmt.Errorf("writing entity state: %w", err)
	}
	return nil
}

// Get returns the current state for entityID.
func (r *EntityStateRepository) Get(ctx context.Context, entityID string) (EntityState, error) {
	var stateJSON string
	var s EntityState
	s.EntityID = entityID

	row := r.db.QueryRowContext(ctx,
		`SELECT state, updated_at FROM entity_state WHERE entity_id = ?`, entityID)
	if err := row.Scan(&stateJSON, &s.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EntityState{}, ErrEntityStateNotFound
		}
		return EntityState{}, fmt.Errorf("querying entity state: %w", err)
	}

	if err := json.Unmarshal([]byte(stateJSON), &s.State); err != nil {
		return EntityState{}, fmt.Errorf("decoding entity state: %w", err)
	}
	return s, nil
}
