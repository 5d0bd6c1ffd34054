package agents

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-memory Repository for tests.
type MemoryRepo struct {
	mu     sync.Mutex
	agents []Agent
	clock  func() time.Time
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{clock: time.Now} }

func (r *MemoryRepo) FindByVendorID(ctx context.Context, vendorAgentID string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *Agent
	for i := range r.agents {
		a := &r.agents[i]
		if a.VendorAgentID != vendorAgentID {
			continue
		}
		if found == nil || a.CreatedAt.Before(found.CreatedAt) {
			found = a
		}
	}
	if found == nil {
		return Agent{}, ErrNotFound
	}
	return *found, nil
}

func (r *MemoryRepo) Upsert(ctx context.Context, a Agent) (Agent, error) {
	a, err := normalize(a)
	if err != nil {
		return Agent{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock().UTC()
	for i := range r.agents {
		cur := &r.agents[i]
		if cur.TenantID == a.TenantID && cur.VendorAgentID == a.VendorAgentID {
			if a.Name != DefaultName {
				cur.Name = a.Name
			}
			cur.UpdatedAt = now
			return *cur, nil
		}
	}
	a.ID = uuid.NewString()
	a.CreatedAt, a.UpdatedAt = now, now
	r.agents = append(r.agents, a)
	return a, nil
}

func (r *MemoryRepo) List(ctx context.Context, tenantID string) ([]Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Agent, 0)
	for _, a := range r.agents {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
