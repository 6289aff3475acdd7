package tenantstore

import (
	"context"
	"sync"

	"github.com/voicedesk/secretary/internal/calldata"
)

// StaticStore serves profiles from an in-process map, for local
// development and tests where a database is unavailable.
type StaticStore struct {
	mu       sync.RWMutex
	profiles map[string]calldata.SecretaryProfile
}

// NewStaticStore builds a StaticStore from a caller-supplied set of
// profiles, keyed by "tenantID/secretaryID".
func NewStaticStore(profiles map[string]calldata.SecretaryProfile) *StaticStore {
	s := &StaticStore{profiles: make(map[string]calldata.SecretaryProfile, len(profiles))}
	for k, v := range profiles {
		s.profiles[k] = v
	}
	return s
}

func key(tenantID, secretaryID string) string {
	return tenantID + "/" + secretaryID
}

// Put registers or replaces a profile.
func (s *StaticStore) Put(tenantID, secretaryID string, profile calldata.SecretaryProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[key(tenantID, secretaryID)] = profile
}

func (s *StaticStore) Profile(_ context.Context, tenantID, secretaryID string) (calldata.SecretaryProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[key(tenantID, secretaryID)]
	if !ok {
		return calldata.SecretaryProfile{}, &NotFoundError{TenantID: tenantID, SecretaryID: secretaryID}
	}
	return p, nil
}

func (s *StaticStore) Close() error { return nil }
