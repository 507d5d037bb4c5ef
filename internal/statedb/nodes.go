package statedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lyndonlyu/fleet/internal/fleet"
)

// Node is one row of the nodes table.
type Node struct {
	UserKey         fleet.UserKey      `json:"user_key"`
	ContactIdentity string             `json:"contact_identity"`
	Address         string             `json:"address"`
	CredentialRef   string             `json:"-"`
	Ready           bool               `json:"ready"`
	CurrentVersion  *string            `json:"current_version,omitempty"`
	PreviousVersion *string            `json:"previous_version,omitempty"`
	UpdateStatus    fleet.UpdateStatus `json:"update_status"`
	LastUpdateAt    string             `json:"last_update_at"` // RFC3339 or empty
}

const nodeColumns = `user_key, contact_identity, address, credential_ref, ready,
	current_version, previous_version, update_status, last_update_at`

// UpsertNode inserts a node or replaces its registration fields. Version
// and update bookkeeping is left untouched on conflict.
func (d *DB) UpsertNode(ctx context.Context, n Node) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO nodes (user_key, contact_identity, address, credential_ref, ready)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_key) DO UPDATE SET
			contact_identity = excluded.contact_identity,
			address          = excluded.address,
			credential_ref   = excluded.credential_ref,
			ready            = excluded.ready`,
		string(n.UserKey), n.ContactIdentity, n.Address, n.CredentialRef, boolInt(n.Ready),
	)
	if err != nil {
		return fmt.Errorf("statedb: upsert node: %w", err)
	}
	return nil
}

// GetNode returns the node for key, or fleet.ErrNotFound.
func (d *DB) GetNode(ctx context.Context, key fleet.UserKey) (Node, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE user_key = ?`, string(key))
	n, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Node{}, fmt.Errorf("statedb: node %q: %w", key, fleet.ErrNotFound)
		}
		return Node{}, fmt.Errorf("statedb: get node: %w", err)
	}
	return n, nil
}

// ListNodes returns every node ordered by user key.
func (d *DB) ListNodes(ctx context.Context) ([]Node, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY user_key`)
	if err != nil {
		return nil, fmt.Errorf("statedb: list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("statedb: scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: rows nodes: %w", err)
	}
	return nodes, nil
}

// EligibleNodes returns update targets for every node that is ready and
// whose subscription is active and provisioned, ordered by user key.
func (d *DB) EligibleNodes(ctx context.Context) ([]fleet.Target, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT n.user_key, n.contact_identity, n.address, n.credential_ref
		FROM nodes n
		JOIN subscriptions s ON s.user_key = n.user_key
		WHERE s.status = ? AND s.vps_provisioned = 1 AND n.ready = 1
		ORDER BY n.user_key`,
		string(fleet.SubscriptionActive),
	)
	if err != nil {
		return nil, fmt.Errorf("statedb: eligible nodes: %w", err)
	}
	defer rows.Close()

	var targets []fleet.Target
	for rows.Next() {
		var t fleet.Target
		var key string
		if err := rows.Scan(&key, &t.ContactIdentity, &t.Address, &t.CredentialRef); err != nil {
			return nil, fmt.Errorf("statedb: scan target: %w", err)
		}
		t.NodeID = fleet.UserKey(key)
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: rows targets: %w", err)
	}
	return targets, nil
}

// SetUpdateStatus records that an update step is in progress on a node.
func (d *DB) SetUpdateStatus(ctx context.Context, key fleet.UserKey, status fleet.UpdateStatus) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE nodes SET update_status = ?, last_update_at = ? WHERE user_key = ?`,
		string(status), d.timestamp(), string(key),
	)
	if err != nil {
		return fmt.Errorf("statedb: set update status: %w", err)
	}
	return requireRow(res, "node", key)
}

// RecordUpdate persists the outcome of an update. A nil CurrentVersion
// keeps the stored value; PreviousVersion is always overwritten.
func (d *DB) RecordUpdate(ctx context.Context, key fleet.UserKey, rec fleet.UpdateRecord) error {
	at := formatTime(rec.At)
	if at == "" {
		at = d.timestamp()
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE nodes SET
			current_version  = COALESCE(?, current_version),
			previous_version = ?,
			update_status    = ?,
			last_update_at   = ?
		WHERE user_key = ?`,
		nullString(rec.CurrentVersion), nullString(rec.PreviousVersion),
		string(rec.Status), at, string(key),
	)
	if err != nil {
		return fmt.Errorf("statedb: record update: %w", err)
	}
	return requireRow(res, "node", key)
}

// ReleaseNode takes a node out of service: it is no longer ready and
// its credential is dropped.
func (d *DB) ReleaseNode(ctx context.Context, key fleet.UserKey) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE nodes SET ready = 0, credential_ref = '' WHERE user_key = ?`, string(key))
	if err != nil {
		return fmt.Errorf("statedb: release node: %w", err)
	}
	return requireRow(res, "node", key)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(s scanner) (Node, error) {
	var n Node
	var key, status string
	var ready int
	var current, previous sql.NullString
	err := s.Scan(&key, &n.ContactIdentity, &n.Address, &n.CredentialRef, &ready,
		&current, &previous, &status, &n.LastUpdateAt)
	if err != nil {
		return Node{}, err
	}
	n.UserKey = fleet.UserKey(key)
	n.Ready = ready == 1
	n.CurrentVersion = stringPtr(current)
	n.PreviousVersion = stringPtr(previous)
	n.UpdateStatus = fleet.UpdateStatus(status)
	return n, nil
}

func requireRow(res sql.Result, kind string, key fleet.UserKey) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("statedb: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("statedb: %s %q: %w", kind, key, fleet.ErrNotFound)
	}
	return nil
}
