// Package ledger defines the contract with the external billing ledger.
// The ledger is the source of truth for remaining credit; this repository
// never implements it, only consumes it through this narrow interface.
package ledger

import (
	"context"
	"time"
)

// KeyState is the ledger's view of one resource key.
type KeyState struct {
	Cost       float64   `json:"cost"`
	Remaining  float64   `json:"remaining"`
	LastVerify time.Time `json:"last_verify_time"`
}

// Client is the remote billing-ledger collaborator.
// Implementations must respect context deadlines; callers bound every call
// with a timeout and treat a timeout as a ledger failure, never as an allow.
type Client interface {
	// GetKeyState returns the authoritative credit state for a resource key.
	GetKeyState(ctx context.Context, resourceID string) (KeyState, error)

	// IngestEvent reports consumed cost for a resource key. It is called
	// after the fact and may be retried; implementations should tolerate
	// duplicate delivery.
	IngestEvent(ctx context.Context, resourceID string, cost float64) error
}
