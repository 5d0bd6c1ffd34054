package calls

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryRepo is an in-memory Repository for tests and early development.
// It applies the same merge rules as PostgresRepo and enforces tenant isolation on reads.
type MemoryRepo struct {
	mu    sync.Mutex
	rows  map[string]*Call // key: vendor call id
	clock func() time.Time

	// UpsertErr, when set, is returned by every Upsert.
	UpsertErr error
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{rows: map[string]*Call{}, clock: time.Now}
}

func (r *MemoryRepo) Upsert(ctx context.Context, p Patch) (Call, error) {
	if err := validatePatch(p); err != nil {
		return Call{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.UpsertErr != nil {
		return Call{}, r.UpsertErr
	}

	existing := r.rows[p.VendorCallID]
	merged := Merge(existing, p, r.clock())
	if existing == nil {
		merged.ID = uuid.NewString()
	}
	r.rows[p.VendorCallID] = &merged
	return cloneCall(merged), nil
}

// Seed stores c as-is, for test fixtures.
func (r *MemoryRepo) Seed(cs ...Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cs {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.Metadata == nil {
			c.Metadata = map[string]any{}
		}
		cc := c
		r.rows[c.VendorCallID] = &cc
	}
}

// Len reports the number of stored rows across all tenants.
func (r *MemoryRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *MemoryRepo) Get(ctx context.Context, tenantID, id string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.rows {
		if c.TenantID == tenantID && (c.ID == id || c.VendorCallID == id) {
			return cloneCall(*c), nil
		}
	}
	return Call{}, ErrNotFound
}

func (r *MemoryRepo) List(ctx context.Context, f ListFilter) ([]Call, int, error) {
	r.mu.Lock()
	matched := make([]Call, 0)
	for _, c := range r.rows {
		if matches(*c, f) {
			matched = append(matched, cloneCall(*c))
		}
	}
	r.mu.Unlock()

	sortNewestFirst(matched)
	total := len(matched)
	if f.Offset >= total {
		return []Call{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return matched[f.Offset:end], total, nil
}

func (r *MemoryRepo) ListWindow(ctx context.Context, tenantID string, from, to time.Time) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, 0)
	for _, c := range r.rows {
		if c.TenantID != tenantID {
			continue
		}
		at := c.OccurredAt()
		if at.Before(from) || !at.Before(to) {
			continue
		}
		out = append(out, cloneCall(*c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt().Before(out[j].OccurredAt()) })
	return out, nil
}

func (r *MemoryRepo) AgentTotals(ctx context.Context, tenantID string) ([]AgentTotals, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byAgent := map[string]*AgentTotals{}
	for _, c := range r.rows {
		if c.TenantID != tenantID || c.AgentID == "" {
			continue
		}
		t, ok := byAgent[c.AgentID]
		if !ok {
			t = &AgentTotals{AgentID: c.AgentID, TotalCost: decimal.Zero}
			byAgent[c.AgentID] = t
		}
		t.TotalCalls++
		t.TotalDuration += c.Duration()
		t.TotalCost = t.TotalCost.Add(c.Spend())
		if c.Status.IsSuccess() {
			t.SuccessCalls++
		}
	}
	out := make([]AgentTotals, 0, len(byAgent))
	for _, t := range byAgent {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func matches(c Call, f ListFilter) bool {
	if c.TenantID != f.TenantID {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.AgentID != "" && c.AgentID != f.AgentID {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(c.Transcript), q) && !strings.Contains(strings.ToLower(string(c.Status)), q) {
			return false
		}
	}
	at := c.OccurredAt()
	if f.From != nil && at.Before(*f.From) {
		return false
	}
	if f.To != nil && !at.Before(*f.To) {
		return false
	}
	return true
}

// sortNewestFirst matches the SQL ordering: started_at desc nulls last, created_at desc, id.
func sortNewestFirst(cs []Call) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		switch {
		case a.StartedAt != nil && b.StartedAt == nil:
			return true
		case a.StartedAt == nil && b.StartedAt != nil:
			return false
		case a.StartedAt != nil && !a.StartedAt.Equal(*b.StartedAt):
			return a.StartedAt.After(*b.StartedAt)
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.After(b.CreatedAt)
		default:
			return a.ID < b.ID
		}
	})
}

func cloneCall(c Call) Call {
	out := c
	out.Metadata = mergeMetadata(nil, c.Metadata)
	return out
}
