// Package storedconfigs defines how demand-source records are pulled from the
// external configuration store. The store owns create/update/delete; the gateway
// only ever reads full snapshots.
package storedconfigs

import (
	"context"
	"encoding/json"
)

// StoredDemandSource is one raw record as persisted by the configuration store.
// Config is the partner-specific payload, validated into the adapters tagged
// union by the connector manager at load time.
type StoredDemandSource struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

// Fetcher knows how to list the enabled demand-source records.
//
// Implementations must be safe for concurrent access by multiple goroutines.
// Callers are expected to share a single instance as much as possible.
type Fetcher interface {
	// FetchDemandSources returns every enabled record as one full snapshot.
	// There is no diffing protocol: a reload always replaces the whole set.
	FetchDemandSources(ctx context.Context) ([]StoredDemandSource, error)
}
