package statedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lyndonlyu/fleet/internal/fleet"
)

// Subscription is one row of the subscriptions table.
type Subscription struct {
	UserKey           fleet.UserKey            `json:"user_key"`
	SubscriptionRef   string                   `json:"subscription_ref"`
	Status            fleet.SubscriptionStatus `json:"status"`
	GracePeriodEndsAt time.Time                `json:"grace_period_ends_at,omitempty"`
	VPSProvisioned    bool                     `json:"vps_provisioned"`
}

// UpsertSubscription inserts or fully replaces a subscription row.
func (d *DB) UpsertSubscription(ctx context.Context, s Subscription) error {
	status := s.Status
	if status == "" {
		status = fleet.SubscriptionActive
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_key, subscription_ref, status, grace_period_ends_at, vps_provisioned)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_key) DO UPDATE SET
			subscription_ref     = excluded.subscription_ref,
			status               = excluded.status,
			grace_period_ends_at = excluded.grace_period_ends_at,
			vps_provisioned      = excluded.vps_provisioned`,
		string(s.UserKey), s.SubscriptionRef, string(status),
		formatTime(s.GracePeriodEndsAt), boolInt(s.VPSProvisioned),
	)
	if err != nil {
		return fmt.Errorf("statedb: upsert subscription: %w", err)
	}
	return nil
}

// GetSubscription returns the subscription for key, or fleet.ErrNotFound.
func (d *DB) GetSubscription(ctx context.Context, key fleet.UserKey) (Subscription, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT user_key, subscription_ref, status, grace_period_ends_at, vps_provisioned
		FROM subscriptions WHERE user_key = ?`, string(key))
	s, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subscription{}, fmt.Errorf("statedb: subscription %q: %w", key, fleet.ErrNotFound)
		}
		return Subscription{}, fmt.Errorf("statedb: get subscription: %w", err)
	}
	return s, nil
}

// SubscriptionStatus reads the current status for key.
func (d *DB) SubscriptionStatus(ctx context.Context, key fleet.UserKey) (fleet.SubscriptionStatus, error) {
	s, err := d.GetSubscription(ctx, key)
	if err != nil {
		return "", err
	}
	return s.Status, nil
}

// SetGracePeriod moves a subscription into its grace period ending at
// endsAt. The row is created, not provisioned, if the billing system has
// not recorded it yet; an existing vps_provisioned flag is preserved.
func (d *DB) SetGracePeriod(ctx context.Context, key fleet.UserKey, subscriptionRef string, endsAt time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_key, subscription_ref, status, grace_period_ends_at, vps_provisioned)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(user_key) DO UPDATE SET
			subscription_ref     = CASE WHEN excluded.subscription_ref = '' THEN subscription_ref ELSE excluded.subscription_ref END,
			status               = excluded.status,
			grace_period_ends_at = excluded.grace_period_ends_at`,
		string(key), subscriptionRef, string(fleet.SubscriptionGracePeriod), formatTime(endsAt),
	)
	if err != nil {
		return fmt.Errorf("statedb: set grace period: %w", err)
	}
	return nil
}

// SetSubscriptionStatus changes the status of an existing subscription
// and clears any grace period deadline.
func (d *DB) SetSubscriptionStatus(ctx context.Context, key fleet.UserKey, status fleet.SubscriptionStatus) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = ?, grace_period_ends_at = '' WHERE user_key = ?`,
		string(status), string(key),
	)
	if err != nil {
		return fmt.Errorf("statedb: set subscription status: %w", err)
	}
	return requireRow(res, "subscription", key)
}

// MarkCanceled finalises a deprovision: the subscription is canceled and
// no longer provisioned.
func (d *DB) MarkCanceled(ctx context.Context, key fleet.UserKey) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = ?, grace_period_ends_at = '', vps_provisioned = 0
		WHERE user_key = ?`,
		string(fleet.SubscriptionCanceled), string(key),
	)
	if err != nil {
		return fmt.Errorf("statedb: mark canceled: %w", err)
	}
	return requireRow(res, "subscription", key)
}

// GracePeriodSubscriptions lists subscriptions currently in their grace
// period, earliest deadline first.
func (d *DB) GracePeriodSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT user_key, subscription_ref, status, grace_period_ends_at, vps_provisioned
		FROM subscriptions WHERE status = ?
		ORDER BY grace_period_ends_at, user_key`,
		string(fleet.SubscriptionGracePeriod),
	)
	if err != nil {
		return nil, fmt.Errorf("statedb: list grace period: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("statedb: scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: rows subscriptions: %w", err)
	}
	return subs, nil
}

func scanSubscription(s scanner) (Subscription, error) {
	var sub Subscription
	var key, status, endsAt string
	var provisioned int
	if err := s.Scan(&key, &sub.SubscriptionRef, &status, &endsAt, &provisioned); err != nil {
		return Subscription{}, err
	}
	sub.UserKey = fleet.UserKey(key)
	sub.Status = fleet.SubscriptionStatus(status)
	sub.GracePeriodEndsAt = parseTime(endsAt)
	sub.VPSProvisioned = provisioned == 1
	return sub, nil
}
