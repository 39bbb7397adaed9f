package state

import (
	"context"
	"time"

	"github.com/mkarlsen/stackhost/internal/resource"
)

// AppSnapshot captures the persisted resource snapshots for an application.
type AppSnapshot struct {
	ManifestFingerprint string                       `json:"manifest_fingerprint"`
	Resources           map[string]resource.Snapshot `json:"resources"`
	EvaluatedAt         time.Time                    `json:"evaluated_at"`
}

// State stores snapshots for all applications.
type State struct {
	Apps map[string]AppSnapshot `json:"apps"`
}

// Store defines the interface for persisting state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}
