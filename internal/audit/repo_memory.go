package audit

import (
	"context"
	"sync"
)

// MemoryRepo keeps webhook deliveries in arrival order. Tests use it in
// place of the webhook_events table.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
	byCall map[string][]int

	// Err, when set, is returned by Append and nothing is stored.
	Err error
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{byCall: map[string][]int{}} }

func (r *MemoryRepo) Append(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if r.byCall == nil {
		r.byCall = map[string][]int{}
	}
	r.events = append(r.events, e)
	if e.VendorCallID != "" {
		r.byCall[e.VendorCallID] = append(r.byCall[e.VendorCallID], len(r.events)-1)
	}
	return nil
}

// Events returns a copy of every stored delivery.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ForCall returns the deliveries recorded for one vendor call id.
func (r *MemoryRepo) ForCall(vendorCallID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.byCall[vendorCallID]
	out := make([]Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, r.events[i])
	}
	return out
}
