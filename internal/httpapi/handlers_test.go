package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callboard/internal/agents"
	"callboard/internal/auth"
	"callboard/internal/calls"
	"callboard/internal/config"
	"callboard/internal/rbac"
	"callboard/internal/reporting"
	"callboard/internal/tenants"
)

type testEnv struct {
	calls   *calls.MemoryRepo
	tenants *tenants.MemoryRepo
	h       Handlers
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cr := calls.NewMemoryRepo()
	tr := tenants.NewMemoryRepo(tenants.Tenant{ID: "t1", Name: "Acme"})
	mgr, err := auth.NewManager(config.AuthConfig{JWTSecret: "s", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	require.NoError(t, err)

	return &testEnv{
		calls:   cr,
		tenants: tr,
		h: Handlers{
			Reports:    reporting.NewService(cr, agents.NewMemoryRepo(), tr, nil),
			Tenants:    tr,
			Auth:       mgr,
			WebhookURL: func(id string) string { return "https://dash.example.com/webhooks/vendor?clientId=" + id },
		},
	}
}

// router mounts the handlers behind a fake identity, the way routes.go does
// behind auth.RequireAccessToken.
func (e *testEnv) router(id auth.Identity) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1", func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
		c.Next()
	})
	v1.GET("/calls", e.h.ListCalls)
	v1.GET("/calls/:id", e.h.GetCall)
	v1.GET("/stats", e.h.Stats)
	v1.GET("/agents", e.h.ListAgents)
	v1.GET("/agents/metrics", e.h.AgentMetrics)
	v1.GET("/settings", e.h.GetSettings)
	v1.PATCH("/settings", rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAdmin), e.h.PatchSettings)
	r.POST("/v1/auth/token", e.h.IssueDevToken)
	return r
}

func do(r http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

var owner = auth.Identity{UserID: "u1", TenantID: "t1", Role: rbac.RoleOwner}

func TestListCalls_ReturnsPage(t *testing.T) {
	e := newTestEnv(t)
	at := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	cost := decimal.RequireFromString("0.42")
	e.calls.Seed(calls.Call{TenantID: "t1", VendorCallID: "c1", Status: calls.StatusCompleted, StartedAt: &at, Cost: &cost, CreatedAt: at})

	w := do(e.router(owner), http.MethodGet, "/v1/calls?page=1&limit=5&status=all", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out struct {
		Data []struct {
			VendorCallID string  `json:"vendor_call_id"`
			Cost         float64 `json:"cost"`
		} `json:"data"`
		Pagination reporting.Pagination `json:"pagination"`
		Source     string               `json:"source"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Data, 1)
	assert.Equal(t, "c1", out.Data[0].VendorCallID)
	assert.Equal(t, 0.42, out.Data[0].Cost)
	assert.Equal(t, reporting.Pagination{Total: 1, Page: 1, Limit: 5, TotalPages: 1}, out.Pagination)
	assert.Equal(t, "local", out.Source)
}

func TestListCalls_BadQueryIsBadRequest(t *testing.T) {
	e := newTestEnv(t)
	r := e.router(owner)
	for _, q := range []string{"page=x", "limit=1.5", "from=yesterday", "from=2024-02-01&to=2024-01-01"} {
		w := do(r, http.MethodGet, "/v1/calls?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestListCalls_MissingTenantIsConfigurationError(t *testing.T) {
	e := newTestEnv(t)
	w := do(e.router(auth.Identity{UserID: "u1", Role: rbac.RoleOwner}), http.MethodGet, "/v1/calls", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"incomplete profile: tenant missing","code":"configuration_error"}`, w.Body.String())
}

func TestGetCall_NotFound(t *testing.T) {
	e := newTestEnv(t)
	w := do(e.router(owner), http.MethodGet, "/v1/calls/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStats_DaysValidation(t *testing.T) {
	e := newTestEnv(t)
	r := e.router(owner)

	w := do(r, http.MethodGet, "/v1/stats?days=400", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/v1/stats?days=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out reporting.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Len(t, out.ChartData, 4)
	assert.Equal(t, reporting.SourceLocal, out.Source)
}

func TestListAgents_SetsSourceHeader(t *testing.T) {
	e := newTestEnv(t)
	w := do(e.router(owner), http.MethodGet, "/v1/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "local", w.Header().Get(HeaderDataSource))
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestSettings_GetMasksKey(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.tenants.SetVendorAPIKey(context.Background(), "t1", "sk_live_abcd1234"))

	w := do(e.router(owner), http.MethodGet, "/v1/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out settingsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "Acme", out.Tenant.Name)
	assert.Equal(t, "owner", out.Role)
	assert.True(t, out.CanEdit)
	assert.True(t, out.HasVendorKey)
	assert.Equal(t, "********1234", out.VendorKeyMasked)
	assert.Equal(t, "https://dash.example.com/webhooks/vendor?clientId=t1", out.WebhookURL)
	assert.NotContains(t, w.Body.String(), "sk_live")
}

func TestSettings_PatchByOwner(t *testing.T) {
	e := newTestEnv(t)
	w := do(e.router(owner), http.MethodPatch, "/v1/settings", []byte(`{"name":"Acme Voice","vendorApiKey":"key-9999"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"success":true}`, w.Body.String())

	got, err := e.tenants.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Voice", got.Name)
	key, ok, err := e.tenants.VendorAPIKey(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "key-9999", key)
}

func TestSettings_PatchRejections(t *testing.T) {
	e := newTestEnv(t)

	member := auth.Identity{UserID: "u2", TenantID: "t1", Role: rbac.RoleMember}
	w := do(e.router(member), http.MethodPatch, "/v1/settings", []byte(`{"name":"x"}`))
	assert.Equal(t, http.StatusForbidden, w.Code)

	r := e.router(owner)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPatch, "/v1/settings", []byte(`{`)).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPatch, "/v1/settings", []byte(`{}`)).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPatch, "/v1/settings", []byte(`{"name":"  "}`)).Code)
}

func TestIssueDevToken(t *testing.T) {
	e := newTestEnv(t)
	r := e.router(auth.Identity{})

	w := do(r, http.MethodPost, "/v1/auth/token", []byte(`{"user_id":"u1","tenant_id":"t1","role":"Owner"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair))

	claims, err := e.h.Auth.Verify(pair.AccessToken, auth.TokenTypeAccess, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "t1", claims.TenantID)
	assert.Equal(t, "owner", claims.Role)

	w = do(r, http.MethodPost, "/v1/auth/token", []byte(`{"user_id":"u1"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueryTime_DateUpperBoundIsInclusive(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/?to=2024-01-05&from=2024-01-01T10:00:00%2B02:00", nil)

	to, err := queryTime(c, "to", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC), *to)

	from, err := queryTime(c, "from", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC), *from)
}

func TestRateLimiter_RejectsOverBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(0.001, 1, nil)
	r := gin.New()
	r.Use(rl.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/x", nil).Code)
	w := do(r, http.MethodGet, "/x", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestKeyByUserOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "203.0.113.9:1234"

	assert.Equal(t, "ip:203.0.113.9", KeyByUserOrIP()(c))
	c.Set("user_id", "u1")
	assert.Equal(t, "user:u1", KeyByUserOrIP()(c))
}

func TestReadyz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ok", Readyz(time.Second, map[string]Check{"db": func(context.Context) error { return nil }}))
	r.GET("/down", Readyz(time.Second, map[string]Check{
		"db":    func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("refused") },
	}))

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/ok", nil).Code)
	w := do(r, http.MethodGet, "/down", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"down"`)
}
