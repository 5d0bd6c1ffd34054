package tenants

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests.
type MemoryRepo struct {
	mu      sync.Mutex
	tenants map[string]Tenant
	keys    map[string]string
	synced  map[string]time.Time
	clock   func() time.Time

	// KeyErr, when set, is returned by VendorAPIKey.
	KeyErr error
}

func NewMemoryRepo(ts ...Tenant) *MemoryRepo {
	r := &MemoryRepo{
		tenants: map[string]Tenant{},
		keys:    map[string]string{},
		synced:  map[string]time.Time{},
		clock:   time.Now,
	}
	for _, t := range ts {
		if t.Branding == nil {
			t.Branding = map[string]any{}
		}
		r.tenants[t.ID] = t
	}
	return r
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (r *MemoryRepo) Ensure(ctx context.Context, id, name string) (Tenant, bool, error) {
	if id == "" {
		return Tenant{}, false, ErrInvalidUpdate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tenants[id]; ok {
		return t, false, nil
	}
	if name == "" {
		name = id
	}
	now := r.clock().UTC()
	t := Tenant{ID: id, Name: name, Branding: map[string]any{}, CreatedAt: now, UpdatedAt: now}
	r.tenants[id] = t
	return t, true, nil
}

func (r *MemoryRepo) Oldest(ctx context.Context) (Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		all = append(all, t)
	}
	if len(all) == 0 {
		return Tenant{}, ErrNotFound
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	return all[0], nil
}

func (r *MemoryRepo) ApplySettings(ctx context.Context, id string, u SettingsUpdate) (Tenant, error) {
	u, err := validateUpdate(u)
	if err != nil {
		return Tenant{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	if u.Name != nil {
		t.Name = *u.Name
	}
	if u.Branding != nil {
		t.Branding = u.Branding
	}
	if u.Name != nil || u.Branding != nil {
		t.UpdatedAt = r.clock().UTC()
	}
	r.tenants[id] = t
	if u.VendorAPIKey != nil {
		r.setKeyLocked(id, *u.VendorAPIKey)
	}
	return t, nil
}

func (r *MemoryRepo) VendorAPIKey(ctx context.Context, id string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.KeyErr != nil {
		return "", false, r.KeyErr
	}
	k, ok := r.keys[id]
	return k, ok && k != "", nil
}

func (r *MemoryRepo) SetVendorAPIKey(ctx context.Context, id, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setKeyLocked(id, key)
	return nil
}

func (r *MemoryRepo) setKeyLocked(id, key string) {
	if key == "" {
		delete(r.keys, id)
		return
	}
	r.keys[id] = key
}

func (r *MemoryRepo) MarkSynced(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.synced[id]; !ok {
		r.synced[id] = at
	}
	return nil
}

func (r *MemoryRepo) IsSynced(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.synced[id]
	return ok, nil
}
