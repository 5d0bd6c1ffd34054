package reporting

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"callboard/internal/agents"
	"callboard/internal/apperr"
	"callboard/internal/calls"
	"callboard/internal/tenants"
	"callboard/pkg/logger"
)

var errTenantMissing = apperr.Configuration("incomplete profile: tenant missing")

// Service answers tenant-scoped dashboard queries from the local store, with
// a live vendor fallback for tenants that have not been synced yet.
//
// Every method requires a tenant id; it is never inferred.
type Service struct {
	calls    calls.Repository
	agents   agents.Repository
	tenants  tenants.Repository
	fallback *Fallback
	clock    func() time.Time
}

func NewService(c calls.Repository, a agents.Repository, t tenants.Repository, fb *Fallback) *Service {
	return &Service{calls: c, agents: a, tenants: t, fallback: fb, clock: time.Now}
}

func (s *Service) ListCalls(ctx context.Context, req ListRequest) (CallPage, error) {
	if req.TenantID == "" {
		return CallPage{}, errTenantMissing
	}
	page, limit := normalizePaging(req.Page, req.Limit)
	if req.From != nil && req.To != nil && req.To.Before(*req.From) {
		return CallPage{}, apperr.Validation("to must not be before from")
	}

	f := calls.ListFilter{
		TenantID: req.TenantID,
		Status:   calls.Status(strings.ToLower(allToEmpty(req.Status))),
		AgentID:  allToEmpty(req.AgentID),
		Search:   strings.TrimSpace(req.Search),
		From:     req.From,
		To:       req.To,
		Offset:   (page - 1) * limit,
		Limit:    limit,
	}
	rows, total, err := s.calls.List(ctx, f)
	if err != nil {
		return CallPage{}, apperr.Persistence("list calls", err)
	}
	if rows == nil {
		rows = []calls.Call{}
	}
	out := CallPage{
		Data:       rows,
		Pagination: Pagination{Total: total, Page: page, Limit: limit, TotalPages: totalPages(total, limit)},
		Source:     SourceLocal,
	}

	if total == 0 && page == 1 && f.Unfiltered() && s.fallbackAllowed(ctx, req.TenantID) {
		if vcs, ok := s.fallback.Calls(ctx, req.TenantID, 0); ok && len(vcs) > 0 {
			vcs = recent(vcs, len(vcs))
			n := len(vcs)
			if len(vcs) > limit {
				vcs = vcs[:limit]
			}
			out.Data = vcs
			out.Pagination = Pagination{Total: n, Page: 1, Limit: limit, TotalPages: totalPages(n, limit)}
			out.Source = SourceVendor
		}
	}
	return out, nil
}

// GetCall returns one call by internal or vendor id, scoped to the tenant.
func (s *Service) GetCall(ctx context.Context, tenantID, id string) (calls.Call, error) {
	if tenantID == "" {
		return calls.Call{}, errTenantMissing
	}
	if strings.TrimSpace(id) == "" {
		return calls.Call{}, apperr.Validation("call id is required")
	}
	c, err := s.calls.Get(ctx, tenantID, id)
	if errors.Is(err, calls.ErrNotFound) {
		return calls.Call{}, apperr.NotFound("call not found")
	}
	if err != nil {
		return calls.Call{}, apperr.Persistence("get call", err)
	}
	return c, nil
}

func (s *Service) Stats(ctx context.Context, req StatsRequest) (Stats, error) {
	if req.TenantID == "" {
		return Stats{}, errTenantMissing
	}
	days := req.Days
	if days == 0 {
		days = DefaultDays
	}
	if days < 1 || days > MaxDays {
		return Stats{}, apperr.Validation("days must be between 1 and 365")
	}

	from, to := statsWindow(s.clock(), days)
	cs, err := s.calls.ListWindow(ctx, req.TenantID, from, to)
	if err != nil {
		return Stats{}, apperr.Persistence("load stats window", err)
	}
	out := computeStats(cs, from, days)
	out.Source = SourceLocal

	if len(cs) == 0 && s.fallbackAllowed(ctx, req.TenantID) {
		if vcs, ok := s.fallback.Calls(ctx, req.TenantID, days); ok {
			inWindow := make([]calls.Call, 0, len(vcs))
			for _, c := range vcs {
				at := c.OccurredAt()
				if !at.Before(from) && at.Before(to) {
					inWindow = append(inWindow, c)
				}
			}
			if len(inWindow) > 0 {
				out = computeStats(inWindow, from, days)
				out.Source = SourceVendor
			}
		}
	}
	return out, nil
}

func (s *Service) ListAgents(ctx context.Context, tenantID string) (AgentList, error) {
	if tenantID == "" {
		return AgentList{}, errTenantMissing
	}
	as, err := s.agents.List(ctx, tenantID)
	if err != nil {
		return AgentList{}, apperr.Persistence("list agents", err)
	}
	if as == nil {
		as = []agents.Agent{}
	}
	out := AgentList{Data: as, Source: SourceLocal}

	if len(as) == 0 && s.fallbackAllowed(ctx, tenantID) {
		if vas, ok := s.fallback.Agents(ctx, tenantID); ok && len(vas) > 0 {
			out = AgentList{Data: vas, Source: SourceVendor}
		}
	}
	return out, nil
}

// AgentMetrics joins each local agent with its call aggregates. Agents with
// no calls report zeros.
func (s *Service) AgentMetrics(ctx context.Context, tenantID string) ([]AgentWithMetrics, error) {
	if tenantID == "" {
		return nil, errTenantMissing
	}
	as, err := s.agents.List(ctx, tenantID)
	if err != nil {
		return nil, apperr.Persistence("list agents", err)
	}
	totals, err := s.calls.AgentTotals(ctx, tenantID)
	if err != nil {
		return nil, apperr.Persistence("agent totals", err)
	}
	byAgent := make(map[string]calls.AgentTotals, len(totals))
	for _, t := range totals {
		byAgent[t.AgentID] = t
	}

	out := make([]AgentWithMetrics, 0, len(as))
	for _, a := range as {
		t, ok := byAgent[a.ID]
		if !ok {
			t = calls.AgentTotals{AgentID: a.ID, TotalCost: decimal.Zero}
		}
		out = append(out, AgentWithMetrics{Agent: a, Metrics: metricsFromTotals(t)})
	}
	return out, nil
}

// fallbackAllowed is true only for tenants never synced by ingestion.
func (s *Service) fallbackAllowed(ctx context.Context, tenantID string) bool {
	if s.fallback == nil || s.tenants == nil {
		return false
	}
	synced, err := s.tenants.IsSynced(ctx, tenantID)
	if err != nil {
		logger.From(ctx).Warn("sync state lookup failed", slog.String("tenant_id", tenantID), slog.String("err", err.Error()))
		return false
	}
	return !synced
}

func normalizePaging(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}

func allToEmpty(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "all") {
		return ""
	}
	return s
}
