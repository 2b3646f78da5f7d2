package models

import "time"

// MutationType is the kind of write a queued mutation performs.
type MutationType string

const (
	MutationCreate MutationType = "create"
	MutationUpdate MutationType = "update"
	MutationDelete MutationType = "delete"
)

// Valid reports whether t is one of the known mutation types.
func (t MutationType) Valid() bool {
	switch t {
	case MutationCreate, MutationUpdate, MutationDelete:
		return true
	}
	return false
}

// MutationStatus is the delivery state of a queued mutation.
// Delivered mutations are deleted, so there is no "done" status.
type MutationStatus string

const (
	StatusPending  MutationStatus = "pending"
	StatusInFlight MutationStatus = "in_flight"
	StatusFailed   MutationStatus = "failed"
)

// Remote resource names.
const (
	ResourceTasks   = "tasks"
	ResourcePlans   = "plans"
	ResourceReviews = "reviews"
	ResourceHabits  = "habits"
	ResourceIdeas   = "ideas"
)

// SyncDomainMutations is the bookkeeping row updated after each sync pass.
const SyncDomainMutations = "mutations"

const (
	// SchemaVersion is the current local store schema version.
	SchemaVersion = 2

	// MaxMutationRetries is how many failed deliveries a mutation survives
	// before it is parked as failed.
	MaxMutationRetries = 3

	// SyncPacing is the pause between two mutations of one sync pass.
	SyncPacing = 100 * time.Millisecond

	// ReconnectDelay is the wait between a connectivity-restored signal and the sync it triggers.
	ReconnectDelay = time.Second

	// EmergencyMaxAge is how long an emergency record stays recoverable.
	EmergencyMaxAge = 24 * time.Hour
)
