package triage

import (
	"context"
	"time"
)

// Store is the persistence interface for service requests.
type Store interface {
	// Create persists sr and returns the stored record.
	Create(ctx context.Context, sr *ServiceRequest) (*ServiceRequest, error)
	Get(ctx context.Context, id string) (*ServiceRequest, bool, error)
	// GetByTeam returns the team's requests oldest first.
	GetByTeam(ctx context.Context, team string) ([]*ServiceRequest, error)
	// UpdateStatus overwrites status and updated_at. ok is false for unknown ids.
	UpdateStatus(ctx context.Context, id string, status Status, updatedAt time.Time) (sr *ServiceRequest, ok bool, err error)
}
