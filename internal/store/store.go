// Package store persists policies, their append-only version history and
// review archive.
package store

import (
	"context"
	"errors"

	"github.com/SilentHawker/AML-platform/internal/ledger"
)

var (
	ErrNotFound = errors.New("policy not found")
	// ErrConflict reports a create of an existing id, a save from a stale
	// load, or a save that would rewind stored history.
	ErrConflict = errors.New("policy write conflict")
)

// PolicyRepository loads and saves whole policy aggregates. SavePolicy only
// appends versions and archive entries the store has not seen yet.
type PolicyRepository interface {
	CreatePolicy(ctx context.Context, p *ledger.Policy) error
	LoadPolicy(ctx context.Context, id string) (*ledger.Policy, error)
	SavePolicy(ctx context.Context, p *ledger.Policy) error
}
