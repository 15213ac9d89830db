package catalog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("catalog: not found")

// Store is the gateway's view of the marketplace records. Reads are pure;
// the only mutations the gateway performs are the last-used touch on keys
// and the append-only usage insert.
type Store interface {
	// APIBySlug returns the published BackendAPI with the given slug.
	APIBySlug(ctx context.Context, slug string) (*BackendAPI, error)

	// CredentialByKey performs the single joined lookup for a key hash
	// scoped to one API: key → application → user → admitting
	// subscription → plan. Returns ErrNotFound when no key matches.
	CredentialByKey(ctx context.Context, keyPrefix, keyHash, apiID string) (*Credential, error)

	// TouchKey updates a key's last-used timestamp. Best-effort; callers
	// log and continue on error.
	TouchKey(ctx context.Context, keyID string, at time.Time) error

	// InsertUsage appends completed-request records. Rows are write-once.
	InsertUsage(ctx context.Context, records []UsageRecord) error

	// Ping reports store reachability for health checks.
	Ping(ctx context.Context) error

	Close() error
}
