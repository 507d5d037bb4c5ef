package statedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lyndonlyu/fleet/internal/fleet"
)

// ErrAmbiguousRun is returned when a run ID prefix matches more than one run.
var ErrAmbiguousRun = errors.New("statedb: run id prefix is ambiguous")

// RunRecord is the persisted state of one rollout run. ListRuns leaves
// Nodes empty; GetRun fills it in shuffled update order.
type RunRecord struct {
	ID              string    `json:"id"`
	Stage           string    `json:"stage"`
	InProgress      bool      `json:"in_progress"`
	Progress        int       `json:"current_stage_progress"`
	TotalNodes      int       `json:"total_nodes"`
	UpdatedCount    int       `json:"updated_count"`
	FailedCount     int       `json:"failed_count"`
	RolledBackCount int       `json:"rolled_back_count"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at,omitzero"`
	Nodes           []RunNode `json:"nodes,omitempty"`
}

// RunNode is the outcome of one node within a run.
type RunNode struct {
	NodeID          fleet.UserKey `json:"node_id"`
	Address         string        `json:"address"`
	Status          string        `json:"status"`
	PreviousVersion *string       `json:"previous_version"`
	NewVersion      *string       `json:"new_version"`
	Error           string        `json:"error,omitempty"`
}

const runColumns = `id, stage, in_progress, progress, total_nodes, updated_count, failed_count,
	rolled_back_count, error, started_at, completed_at`

// SaveRun inserts a run record or updates the one with the same ID,
// together with its node rows, in one transaction. Node rows beyond
// len(r.Nodes) are removed.
func (d *DB) SaveRun(ctx context.Context, r RunRecord) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("statedb: save run: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rollout_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stage = excluded.stage,
			in_progress = excluded.in_progress,
			progress = excluded.progress,
			total_nodes = excluded.total_nodes,
			updated_count = excluded.updated_count,
			failed_count = excluded.failed_count,
			rolled_back_count = excluded.rolled_back_count,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		r.ID, r.Stage, boolInt(r.InProgress), r.Progress, r.TotalNodes, r.UpdatedCount,
		r.FailedCount, r.RolledBackCount, r.Error, formatTime(r.StartedAt), formatTime(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("statedb: save run: %w", err)
	}

	if len(r.Nodes) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO rollout_run_nodes
				(run_id, position, node_id, address, status, previous_version, new_version, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, position) DO UPDATE SET
				node_id = excluded.node_id,
				address = excluded.address,
				status = excluded.status,
				previous_version = excluded.previous_version,
				new_version = excluded.new_version,
				error = excluded.error`)
		if err != nil {
			return fmt.Errorf("statedb: save run nodes: %w", err)
		}
		defer stmt.Close()
		for i, n := range r.Nodes {
			if _, err := stmt.ExecContext(ctx, r.ID, i, string(n.NodeID), n.Address, n.Status,
				nullString(n.PreviousVersion), nullString(n.NewVersion), n.Error); err != nil {
				return fmt.Errorf("statedb: save run node %s: %w", n.NodeID, err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rollout_run_nodes WHERE run_id = ? AND position >= ?`, r.ID, len(r.Nodes)); err != nil {
		return fmt.Errorf("statedb: trim run nodes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("statedb: save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run record and its nodes by ID.
func (d *DB) GetRun(ctx context.Context, id string) (RunRecord, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM rollout_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, fmt.Errorf("statedb: run %q: %w", id, fleet.ErrNotFound)
		}
		return RunRecord{}, fmt.Errorf("statedb: get run: %w", err)
	}
	if r.Nodes, err = d.runNodes(ctx, id); err != nil {
		return RunRecord{}, err
	}
	return r, nil
}

// ResolveRunID expands a run ID prefix to the full ID of the single run
// it matches.
func (d *DB) ResolveRunID(ctx context.Context, prefix string) (string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id FROM rollout_runs WHERE substr(id, 1, length(?)) = ? LIMIT 2`, prefix, prefix)
	if err != nil {
		return "", fmt.Errorf("statedb: resolve run: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("statedb: resolve run: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("statedb: resolve run: %w", err)
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("statedb: run %q: %w", prefix, fleet.ErrNotFound)
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("%w: %q", ErrAmbiguousRun, prefix)
	}
}

// ListRuns returns the most recent runs, newest first, without their
// nodes. A limit of 0 returns all of them.
func (d *DB) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM rollout_runs ORDER BY started_at DESC, id`

	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = d.db.QueryContext(ctx, query+" LIMIT ?", limit)
	} else {
		rows, err = d.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: list runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("statedb: scan run: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: rows runs: %w", err)
	}
	return records, nil
}

func (d *DB) runNodes(ctx context.Context, id string) ([]RunNode, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT node_id, address, status, previous_version, new_version, error
		FROM rollout_run_nodes WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("statedb: run nodes: %w", err)
	}
	defer rows.Close()

	var nodes []RunNode
	for rows.Next() {
		var n RunNode
		var key string
		var prev, next sql.NullString
		if err := rows.Scan(&key, &n.Address, &n.Status, &prev, &next, &n.Error); err != nil {
			return nil, fmt.Errorf("statedb: scan run node: %w", err)
		}
		n.NodeID = fleet.UserKey(key)
		n.PreviousVersion = stringPtr(prev)
		n.NewVersion = stringPtr(next)
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: rows run nodes: %w", err)
	}
	return nodes, nil
}

func scanRun(s scanner) (RunRecord, error) {
	var r RunRecord
	var inProgress int
	var started, completed string
	err := s.Scan(&r.ID, &r.Stage, &inProgress, &r.Progress, &r.TotalNodes, &r.UpdatedCount,
		&r.FailedCount, &r.RolledBackCount, &r.Error, &started, &completed)
	if err != nil {
		return RunRecord{}, err
	}
	r.InProgress = inProgress != 0
	r.StartedAt = parseTime(started)
	r.CompletedAt = parseTime(completed)
	return r, nil
}
