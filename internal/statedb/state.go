package statedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lyndonlyu/fleet/internal/fleet"
)

// Well-known state keys.
const (
	KeyLastRolloutStage = "rollout.last_stage"
	KeyLastRolloutID    = "rollout.last_id"
)

// StateEntry is a key-value pair with its last update time.
type StateEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetState upserts a key-value state entry.
func (d *DB) SetState(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO state (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, d.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("statedb: set state: %w", err)
	}
	return nil
}

// GetState retrieves a state entry by key.
func (d *DB) GetState(ctx context.Context, key string) (StateEntry, error) {
	var e StateEntry
	var updated string
	err := d.db.QueryRowContext(ctx,
		`SELECT key, value, updated_at FROM state WHERE key = ?`, key,
	).Scan(&e.Key, &e.Value, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StateEntry{}, fmt.Errorf("statedb: state %q: %w", key, fleet.ErrNotFound)
		}
		return StateEntry{}, fmt.Errorf("statedb: get state: %w", err)
	}
	e.UpdatedAt = parseTime(updated)
	return e, nil
}
