package mutex

import (
	"context"
	"time"

	"github.com/nimburion/docmutex/pkg/repository/document"
)

// Claim carries the lease to write and the instant against which expiration is judged.
type Claim struct {
	Lease LeaseState
	Now   time.Time
}

// Executor performs per-record atomic conditional updates against one collection
// of a document store. No multi-record atomicity is assumed.
type Executor interface {
	Collection() string

	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string, fields []string) (*Record, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Insert stores rec including its lease. Without overwrite an existing key yields ErrAlreadyExists.
	Insert(ctx context.Context, rec *Record, overwrite bool) (*Record, error)
	// Update replaces the payload of an existing record, leaving its lease untouched.
	Update(ctx context.Context, rec *Record) error
	Remove(ctx context.Context, key string) error

	// ClaimKeys sets claim.Lease on every listed record that exists and whose lease
	// is expired at claim.Now. Per-key failures are dropped from the result, which
	// may be shorter than keys and in any order.
	ClaimKeys(ctx context.Context, keys []string, claim Claim, fields []string) ([]*Record, error)
	// ClaimMatching applies the same claim to up to q.Limit claimable records
	// matching q.Filter, visited in q.Sort order.
	ClaimMatching(ctx context.Context, q document.Query, claim Claim, fields []string) ([]*Record, error)
	// Renew moves the expiration of records held by (owner, token) and returns their keys.
	Renew(ctx context.Context, keys []string, owner, token string, expiresAt time.Time) ([]string, error)
	// Clear sets the lease of records held by (owner, token) to cleared and returns their keys.
	Clear(ctx context.Context, keys []string, owner, token string) ([]string, error)
	// ClearOwner clears every lease written by owner regardless of token.
	ClearOwner(ctx context.Context, owner string) (int64, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
