// Package tenantstore loads the per-tenant secretary persona and
// transfer routing table, and evaluates whether a transfer destination
// is currently open for business.
package tenantstore

import (
	"context"

	"github.com/voicedesk/secretary/internal/calldata"
)

// Store resolves a tenant's configured secretary persona, including its
// transfer routing table.
type Store interface {
	Profile(ctx context.Context, tenantID, secretaryID string) (calldata.SecretaryProfile, error)
	Close() error
}

// NotFoundError indicates no profile is configured for the requested
// tenant/secretary pair.
type NotFoundError struct {
	TenantID    string
	SecretaryID string
}

func (e *NotFoundError) Error() string {
	return "tenantstore: no profile for tenant " + e.TenantID + " secretary " + e.SecretaryID
}
