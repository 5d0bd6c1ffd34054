package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("calls: not found")
	ErrInvalidPatch = errors.New("calls: invalid patch")
)

// Repository is the call store. Every read is tenant-scoped.
type Repository interface {
	// Upsert atomically inserts or merges p keyed by VendorCallID (see Merge).
	Upsert(ctx context.Context, p Patch) (Call, error)

	Get(ctx context.Context, tenantID, id string) (Call, error)

	// List returns one page ordered by start time desc plus the total match count.
	List(ctx context.Context, f ListFilter) ([]Call, int, error)

	// ListWindow returns all calls that occurred in [from, to).
	ListWindow(ctx context.Context, tenantID string, from, to time.Time) ([]Call, error)

	AgentTotals(ctx context.Context, tenantID string) ([]AgentTotals, error)
}

func validatePatch(p Patch) error {
	if p.VendorCallID == "" || p.TenantID == "" {
		return ErrInvalidPatch
	}
	return nil
}
