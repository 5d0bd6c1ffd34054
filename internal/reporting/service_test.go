package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"callboard/internal/agents"
	"callboard/internal/apperr"
	"callboard/internal/calls"
	"callboard/internal/tenants"
	"callboard/internal/vendor"
)

var now = time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)

type fakeVendor struct {
	mu         sync.Mutex
	calls      []vendor.CallRecord
	assistants []vendor.Assistant
	err        error
	callHits   int
	lastParams vendor.ListCallsParams
}

func (f *fakeVendor) ListCalls(ctx context.Context, apiKey string, p vendor.ListCallsParams) ([]vendor.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callHits++
	f.lastParams = p
	return f.calls, f.err
}

func (f *fakeVendor) ListAssistants(ctx context.Context, apiKey string) ([]vendor.Assistant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assistants, f.err
}

func (f *fakeVendor) hits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callHits
}

type memCache struct {
	items map[string][]byte
}

func (c *memCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	b, ok := c.items[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dst)
}

func (c *memCache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.items[key] = b
	return nil
}

type stubLimiter struct{ deny bool }

func (l stubLimiter) Acquire(ctx context.Context, key string) (func(), bool, error) {
	return func() {}, !l.deny, nil
}

type fixture struct {
	calls   *calls.MemoryRepo
	agents  *agents.MemoryRepo
	tenants *tenants.MemoryRepo
	vendor  *fakeVendor
	cache   *memCache
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		calls:   calls.NewMemoryRepo(),
		agents:  agents.NewMemoryRepo(),
		tenants: tenants.NewMemoryRepo(tenants.Tenant{ID: "t1", Name: "Acme"}, tenants.Tenant{ID: "t2", Name: "Other"}),
		vendor:  &fakeVendor{},
		cache:   &memCache{items: map[string][]byte{}},
	}
	fb := NewFallback(f.vendor, f.tenants, f.cache, stubLimiter{}, FallbackConfig{CacheTTL: time.Minute})
	fb.clock = func() time.Time { return now }
	f.svc = NewService(f.calls, f.agents, f.tenants, fb)
	f.svc.clock = func() time.Time { return now }
	return f
}

func ptrTime(t time.Time) *time.Time { return &t }
func ptrInt(n int) *int              { return &n }

func money(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func call(tenant, id string, status calls.Status, at time.Time, secs int, cost string) calls.Call {
	return calls.Call{
		TenantID:        tenant,
		VendorCallID:    id,
		Status:          status,
		StartedAt:       ptrTime(at),
		DurationSeconds: ptrInt(secs),
		Cost:            money(cost),
		CreatedAt:       at,
	}
}

func TestStats_KPIs(t *testing.T) {
	f := newFixture(t)
	f.calls.Seed(
		call("t1", "c1", calls.StatusCompleted, now.Add(-time.Hour), 60, "0.10"),
		call("t1", "c2", calls.StatusCompleted, now.Add(-26*time.Hour), 120, "0.25"),
		call("t1", "c3", calls.StatusFailed, now.Add(-50*time.Hour), 0, "0"),
		call("t1", "c4", calls.StatusStarted, now.Add(-2*time.Hour), 0, "0"),
		call("t1", "old", calls.StatusCompleted, now.AddDate(0, 0, -30), 500, "9"),
		call("t2", "other", calls.StatusCompleted, now.Add(-time.Hour), 999, "99"),
	)

	out, err := f.svc.Stats(context.Background(), StatsRequest{TenantID: "t1", Days: 7})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Source != SourceLocal {
		t.Fatalf("expected local source, got %q", out.Source)
	}
	if out.KPIs.TotalCalls != 4 {
		t.Fatalf("expected 4 calls, got %d", out.KPIs.TotalCalls)
	}
	if !out.KPIs.TotalSpend.Equal(decimal.RequireFromString("0.35")) {
		t.Fatalf("expected spend 0.35, got %s", out.KPIs.TotalSpend)
	}
	if out.KPIs.AvgDuration != 45 {
		t.Fatalf("expected avg 45, got %d", out.KPIs.AvgDuration)
	}
	if out.KPIs.SuccessRate != 50 {
		t.Fatalf("expected success 50, got %v", out.KPIs.SuccessRate)
	}
	if len(out.ChartData) != 8 {
		t.Fatalf("expected 8 chart points, got %d", len(out.ChartData))
	}
	if out.ChartData[0].Date != "2024-03-03" || out.ChartData[7].Date != "2024-03-10" {
		t.Fatalf("unexpected chart range %s..%s", out.ChartData[0].Date, out.ChartData[7].Date)
	}
	if out.ChartData[7].Calls != 2 || out.ChartData[6].Calls != 1 || out.ChartData[5].Calls != 1 {
		t.Fatalf("unexpected chart counts %+v", out.ChartData)
	}
	if out.PieData[0].Name != "completed" || out.PieData[0].Value != 2 {
		t.Fatalf("expected completed first in pie, got %+v", out.PieData)
	}
	if len(out.RecentCalls) != 4 || out.RecentCalls[0].VendorCallID != "c1" {
		t.Fatalf("unexpected recent calls %+v", out.RecentCalls)
	}
	if f.vendor.hits() != 0 {
		t.Fatalf("vendor must not be called when local data exists")
	}
}

func TestStats_EmptyIsZeroNotNaN(t *testing.T) {
	f := newFixture(t)
	out, err := f.svc.Stats(context.Background(), StatsRequest{TenantID: "t1"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.KPIs.TotalCalls != 0 || out.KPIs.AvgDuration != 0 || out.KPIs.SuccessRate != 0 {
		t.Fatalf("expected zero KPIs, got %+v", out.KPIs)
	}
	if len(out.ChartData) != DefaultDays+1 {
		t.Fatalf("expected %d points, got %d", DefaultDays+1, len(out.ChartData))
	}
	if len(out.PieData) != 0 || len(out.RecentCalls) != 0 {
		t.Fatalf("expected empty pie and recent")
	}
}

func TestStats_RejectsDaysOutOfRange(t *testing.T) {
	f := newFixture(t)
	for _, d := range []int{-1, 366} {
		_, err := f.svc.Stats(context.Background(), StatsRequest{TenantID: "t1", Days: d})
		if !apperr.Is(err, apperr.KindValidation) {
			t.Fatalf("days=%d: expected validation error, got %v", d, err)
		}
	}
}

func TestStats_VendorFallbackForUnsyncedTenant(t *testing.T) {
	f := newFixture(t)
	_ = f.tenants.SetVendorAPIKey(context.Background(), "t1", "key")
	f.vendor.calls = []vendor.CallRecord{
		{ID: "v1", Status: "ended", StartedAt: ptrTime(now.Add(-time.Hour)), DurationSeconds: fptr(30), Cost: money("0.5")},
		{ID: "v2", Status: "ended", StartedAt: ptrTime(now.AddDate(0, 0, -40))},
	}

	out, err := f.svc.Stats(context.Background(), StatsRequest{TenantID: "t1", Days: 7})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Source != SourceVendor {
		t.Fatalf("expected vendor source, got %q", out.Source)
	}
	if out.KPIs.TotalCalls != 1 || out.KPIs.SuccessRate != 100 {
		t.Fatalf("unexpected vendor KPIs %+v", out.KPIs)
	}
	if f.vendor.lastParams.CreatedAtGe == nil || !f.vendor.lastParams.CreatedAtGe.Equal(time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected createdAtGe %v", f.vendor.lastParams.CreatedAtGe)
	}
	if f.calls.Len() != 0 {
		t.Fatalf("fallback results must not be persisted")
	}

	// Second read is served from cache.
	if _, err := f.svc.Stats(context.Background(), StatsRequest{TenantID: "t1", Days: 7}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if f.vendor.hits() != 1 {
		t.Fatalf("expected cached second read, got %d vendor calls", f.vendor.hits())
	}
}

func TestStats_NoFallbackOnceSynced(t *testing.T) {
	f := newFixture(t)
	_ = f.tenants.SetVendorAPIKey(context.Background(), "t1", "key")
	_ = f.tenants.MarkSynced(context.Background(), "t1", now)
	f.vendor.calls = []vendor.CallRecord{{ID: "v1", StartedAt: ptrTime(now)}}

	out, err := f.svc.Stats(context.Background(), StatsRequest{TenantID: "t1"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Source != SourceLocal || f.vendor.hits() != 0 {
		t.Fatalf("synced tenant must not use vendor fallback")
	}
}

func TestListCalls_PaginatesAndIsolates(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 25; i++ {
		f.calls.Seed(call("t1", fmt.Sprintf("c%02d", i), calls.StatusCompleted, now.Add(-time.Duration(i)*time.Minute), 10, "0.01"))
	}
	f.calls.Seed(call("t2", "foreign", calls.StatusCompleted, now, 10, "0.01"))

	out, err := f.svc.ListCalls(context.Background(), ListRequest{TenantID: "t1", Page: 2, Limit: 10})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Pagination.Total != 25 || out.Pagination.TotalPages != 3 || out.Pagination.Page != 2 {
		t.Fatalf("unexpected pagination %+v", out.Pagination)
	}
	if len(out.Data) != 10 || out.Data[0].VendorCallID != "c10" || out.Data[9].VendorCallID != "c19" {
		t.Fatalf("expected rows 11-20 newest first, got %s..%s", out.Data[0].VendorCallID, out.Data[len(out.Data)-1].VendorCallID)
	}
	for _, c := range out.Data {
		if c.TenantID != "t1" {
			t.Fatalf("leaked call from tenant %s", c.TenantID)
		}
	}
}

func TestListCalls_NormalizesPaging(t *testing.T) {
	f := newFixture(t)
	out, err := f.svc.ListCalls(context.Background(), ListRequest{TenantID: "t1", Page: 0, Limit: 1000, Status: "all", AgentID: "all"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Pagination.Page != 1 || out.Pagination.Limit != MaxPageSize {
		t.Fatalf("unexpected paging %+v", out.Pagination)
	}
	if out.Data == nil {
		t.Fatalf("data must be an empty slice, not nil")
	}
}

func TestListCalls_RejectsInvertedRange(t *testing.T) {
	f := newFixture(t)
	from, to := now, now.Add(-time.Hour)
	_, err := f.svc.ListCalls(context.Background(), ListRequest{TenantID: "t1", From: &from, To: &to})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestListCalls_RequiresTenant(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ListCalls(context.Background(), ListRequest{})
	if !apperr.Is(err, apperr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestListCalls_FallbackOnlyForUnfilteredFirstPage(t *testing.T) {
	f := newFixture(t)
	_ = f.tenants.SetVendorAPIKey(context.Background(), "t1", "key")
	f.vendor.calls = []vendor.CallRecord{
		{ID: "v1", StartedAt: ptrTime(now.Add(-2 * time.Hour))},
		{ID: "v2", StartedAt: ptrTime(now.Add(-time.Hour))},
	}

	out, err := f.svc.ListCalls(context.Background(), ListRequest{TenantID: "t1", Status: "completed"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Source != SourceLocal || f.vendor.hits() != 0 {
		t.Fatalf("filtered list must not use vendor fallback")
	}

	out, err = f.svc.ListCalls(context.Background(), ListRequest{TenantID: "t1"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Source != SourceVendor || len(out.Data) != 2 || out.Data[0].ID != "v2" {
		t.Fatalf("expected vendor rows newest first, got %+v", out)
	}
	if out.Pagination.Total != 2 || out.Pagination.TotalPages != 1 {
		t.Fatalf("unexpected pagination %+v", out.Pagination)
	}
}

func TestListCalls_FallbackFailureDegradesToEmpty(t *testing.T) {
	f := newFixture(t)
	_ = f.tenants.SetVendorAPIKey(context.Background(), "t1", "key")
	f.vendor.err = errors.New("boom")

	out, err := f.svc.ListCalls(context.Background(), ListRequest{TenantID: "t1"})
	if err != nil {
		t.Fatalf("vendor failure must not surface, got %v", err)
	}
	if out.Source != SourceLocal || len(out.Data) != 0 {
		t.Fatalf("expected empty local page, got %+v", out)
	}
}

func TestListCalls_NoCredentialSkipsVendor(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.ListCalls(context.Background(), ListRequest{TenantID: "t1"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if f.vendor.hits() != 0 {
		t.Fatalf("vendor must not be called without a credential")
	}
}

func TestListCalls_BusyLimiterSkipsVendor(t *testing.T) {
	f := newFixture(t)
	_ = f.tenants.SetVendorAPIKey(context.Background(), "t1", "key")
	f.svc.fallback.limiter = stubLimiter{deny: true}
	out, err := f.svc.ListCalls(context.Background(), ListRequest{TenantID: "t1"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Source != SourceLocal || f.vendor.hits() != 0 {
		t.Fatalf("busy limiter must skip vendor")
	}
}

func TestGetCall(t *testing.T) {
	f := newFixture(t)
	f.calls.Seed(call("t1", "c1", calls.StatusCompleted, now, 10, "0.01"))

	c, err := f.svc.GetCall(context.Background(), "t1", "c1")
	if err != nil || c.VendorCallID != "c1" {
		t.Fatalf("unexpected get: %+v %v", c, err)
	}
	if _, err := f.svc.GetCall(context.Background(), "t2", "c1"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found across tenants, got %v", err)
	}
}

func TestAgentMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a1, _ := f.agents.Upsert(ctx, agents.Agent{TenantID: "t1", VendorAgentID: "va1", Name: "Sales"})
	_, _ = f.agents.Upsert(ctx, agents.Agent{TenantID: "t1", VendorAgentID: "va2", Name: "Idle"})

	c1 := call("t1", "c1", calls.StatusCompleted, now, 30, "1.00")
	c1.AgentID = a1.ID
	c2 := call("t1", "c2", calls.StatusFailed, now, 10, "0.50")
	c2.AgentID = a1.ID
	f.calls.Seed(c1, c2)

	out, err := f.svc.AgentMetrics(ctx, "t1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(out))
	}
	byName := map[string]AgentMetrics{}
	for _, a := range out {
		byName[a.Name] = a.Metrics
	}
	sales := byName["Sales"]
	if sales.TotalCalls != 2 || sales.AvgDuration != 20 || sales.SuccessRate != 50 {
		t.Fatalf("unexpected sales metrics %+v", sales)
	}
	if !sales.TotalCost.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected sales cost %s", sales.TotalCost)
	}
	if idle := byName["Idle"]; idle.TotalCalls != 0 || idle.SuccessRate != 0 || !idle.TotalCost.IsZero() {
		t.Fatalf("unexpected idle metrics %+v", idle)
	}
}

func TestListAgents_Fallback(t *testing.T) {
	f := newFixture(t)
	_ = f.tenants.SetVendorAPIKey(context.Background(), "t1", "key")
	f.vendor.assistants = []vendor.Assistant{{ID: "asst_1", Name: "Live"}}

	out, err := f.svc.ListAgents(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Source != SourceVendor || len(out.Data) != 1 || out.Data[0].Name != "Live" {
		t.Fatalf("unexpected agents %+v", out)
	}
}

func fptr(f float64) *float64 { return &f }
