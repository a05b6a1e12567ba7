package process

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/k1networth/dispatch-relay/internal/shared/events"
)

var ErrNotFound = errors.New("process not found")

// Store is tenant-scoped: a process of one tenant is invisible to every other.
type Store interface {
	Create(ctx context.Context, p Process) (Process, error)
	Get(ctx context.Context, tenantID, id string) (Process, error)
	UpdateStatus(ctx context.Context, tenantID, id string, status Status, at time.Time) (Process, error)
}

type InMemoryStore struct {
	mu   sync.RWMutex
	byID map[string]Process
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[string]Process)}
}

func key(tenantID, id string) string { return tenantID + "/" + id }

func (s *InMemoryStore) Create(_ context.Context, p Process) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = events.NewID()
	}
	s.byID[key(p.TenantID, p.ID)] = p
	return p, nil
}

func (s *InMemoryStore) Get(_ context.Context, tenantID, id string) (Process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.byID[key(tenantID, id)]
	if !ok {
		return Process{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemoryStore) UpdateStatus(_ context.Context, tenantID, id string, status Status, at time.Time) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[key(tenantID, id)]
	if !ok {
		return Process{}, ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = at
	s.byID[key(tenantID, id)] = p
	return p, nil
}
