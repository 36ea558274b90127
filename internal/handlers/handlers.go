// Package handlers contains the downstream job handlers built on the job
// engine. Every handler tolerates re-execution by reading sub-resource
// state before mutating it, because lease expiry can cause the same
// attempt of work to run twice.
package handlers

import (
	"context"

	"github.com/google/uuid"
)

// ArtifactStore persists generated artifacts. Every Put assigns a fresh
// artifact id, so handlers that re-execute produce a new artifact and
// update the owning record with the latest id rather than duplicating
// visible state.
type ArtifactStore interface {
	Put(ctx context.Context, tenantID uuid.UUID, name, contentType string, data []byte) (uuid.UUID, error)
}
