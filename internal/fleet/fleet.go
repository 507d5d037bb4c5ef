// Package fleet holds the identifiers and status vocabularies shared by
// the update engine, the rollout orchestrator, the grace-period
// scheduler and the state database.
package fleet

import (
	"errors"
	"time"
)

// ErrNotFound indicates that a requested node or subscription does not
// exist.
var ErrNotFound = errors.New("not found")

// UserKey identifies a customer. A customer owns at most one node and
// one subscription.
type UserKey string

// UpdateStatus is the persisted outcome of the last update on a node.
type UpdateStatus string

const (
	UpdateNone       UpdateStatus = ""
	UpdateUpdating   UpdateStatus = "updating"
	UpdateSuccess    UpdateStatus = "success"
	UpdateRolledBack UpdateStatus = "rolled_back"
	UpdateFailed     UpdateStatus = "failed"
)

// SubscriptionStatus is the billing state of a customer's subscription.
type SubscriptionStatus string

const (
	SubscriptionActive      SubscriptionStatus = "active"
	SubscriptionGracePeriod SubscriptionStatus = "grace_period"
	SubscriptionCanceled    SubscriptionStatus = "canceled"
)

// Target is one remote node eligible for update. CredentialRef is the
// encrypted credential envelope, decrypted only right before use.
type Target struct {
	NodeID          UserKey
	ContactIdentity string
	Address         string
	CredentialRef   string
}

// UpdateRecord is what the update engine persists after touching a
// node. A nil CurrentVersion leaves the stored value unchanged.
type UpdateRecord struct {
	CurrentVersion  *string
	PreviousVersion *string
	Status          UpdateStatus
	At              time.Time
}
