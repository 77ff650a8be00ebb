// Package tokenstore persists provider tokens keyed by device id and
// provider name.
package tokenstore

import (
	"context"
	"time"
)

// Record is the persisted token material for one (device id, provider) pair.
// At most one record exists per pair.
type Record struct {
	// AccessToken is the opaque bearer credential issued by the provider.
	AccessToken string

	// ExpiresAt is the absolute expiry of the access token. Nil means the
	// token does not expire.
	ExpiresAt *time.Time

	// RefreshToken obtains a replacement access token once the current one
	// expires. Empty means the record cannot be refreshed.
	RefreshToken string
}

// Store defines the interface for token record storage. Save has upsert
// semantics: writing an existing key replaces the record in place and never
// creates a duplicate. Concurrent saves for the same key resolve
// last-write-wins.
type Store interface {
	// Load retrieves the record for the key, or (nil, nil) when absent
	Load(ctx context.Context, deviceID, provider string) (*Record, error)

	// Save creates or replaces the record for the key
	Save(ctx context.Context, deviceID, provider string, record *Record) error

	// Delete removes the record for the key; deleting an absent record is
	// not an error
	Delete(ctx context.Context, deviceID, provider string) error

	// CheckHealth verifies the storage backend is reachable
	CheckHealth(ctx context.Context) error
}
