package tenantstore

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed store when databaseURL is set,
// otherwise an empty StaticStore for local development.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewStaticStore(nil), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
