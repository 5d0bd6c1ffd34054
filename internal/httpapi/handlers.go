package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"callboard/internal/apperr"
	"callboard/internal/auth"
	"callboard/internal/rbac"
	"callboard/internal/reporting"
	"callboard/internal/tenants"

	"github.com/gin-gonic/gin"
)

// HeaderDataSource tells clients of array-shaped responses whether the data
// came from the local store or a live vendor read.
const HeaderDataSource = "X-Data-Source"

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Reports *reporting.Service
	Tenants tenants.Repository
	Auth    *auth.Manager

	// WebhookURL builds the inbound webhook URL shown on the settings page.
	WebhookURL func(tenantID string) string

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Calls ---

func (h Handlers) ListCalls(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	req := reporting.ListRequest{
		TenantID: tenantID,
		Status:   c.Query("status"),
		AgentID:  c.Query("agentId"),
		Search:   c.Query("search"),
	}
	var err error
	if req.Page, err = queryInt(c, "page"); err != nil {
		apperr.Abort(c, err)
		return
	}
	if req.Limit, err = queryInt(c, "limit"); err != nil {
		apperr.Abort(c, err)
		return
	}
	if req.From, err = queryTime(c, "from", false); err != nil {
		apperr.Abort(c, err)
		return
	}
	if req.To, err = queryTime(c, "to", true); err != nil {
		apperr.Abort(c, err)
		return
	}

	page, err := h.Reports.ListCalls(c.Request.Context(), req)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h Handlers) GetCall(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	call, err := h.Reports.GetCall(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) Stats(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	days, err := queryInt(c, "days")
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	stats, err := h.Reports.Stats(c.Request.Context(), reporting.StatsRequest{TenantID: tenantID, Days: days})
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// --- Agents ---

func (h Handlers) ListAgents(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	list, err := h.Reports.ListAgents(c.Request.Context(), tenantID)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.Header(HeaderDataSource, string(list.Source))
	c.JSON(http.StatusOK, list.Data)
}

func (h Handlers) AgentMetrics(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	out, err := h.Reports.AgentMetrics(c.Request.Context(), tenantID)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Settings ---

type settingsResponse struct {
	Tenant          tenants.Tenant `json:"tenant"`
	Role            string         `json:"role"`
	CanEdit         bool           `json:"canEdit"`
	HasVendorKey    bool           `json:"hasVendorKey"`
	VendorKeyMasked string         `json:"vendorKeyMasked,omitempty"`
	WebhookURL      string         `json:"webhookUrl"`
}

func (h Handlers) GetSettings(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	t, err := h.Tenants.Get(ctx, tenantID)
	if errors.Is(err, tenants.ErrNotFound) {
		apperr.Abort(c, apperr.NotFound("tenant not found"))
		return
	}
	if err != nil {
		apperr.Abort(c, apperr.Persistence("get tenant", err))
		return
	}
	key, hasKey, err := h.Tenants.VendorAPIKey(ctx, tenantID)
	if err != nil {
		apperr.Abort(c, apperr.Persistence("get vendor key", err))
		return
	}
	role, _ := auth.Role(ctx)

	resp := settingsResponse{
		Tenant:       t,
		Role:         rbac.Normalize(role),
		CanEdit:      rbac.CanManageSettings(role),
		HasVendorKey: hasKey,
	}
	if hasKey {
		resp.VendorKeyMasked = tenants.MaskKey(key)
	}
	if h.WebhookURL != nil {
		resp.WebhookURL = h.WebhookURL(tenantID)
	}
	c.JSON(http.StatusOK, resp)
}

type patchSettingsRequest struct {
	Name         *string        `json:"name"`
	Branding     map[string]any `json:"branding"`
	VendorAPIKey *string        `json:"vendorApiKey"`
}

// PatchSettings applies a partial tenant update. Role checks happen in rbac.
func (h Handlers) PatchSettings(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	var req patchSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, apperr.Validation("invalid json"))
		return
	}
	u := tenants.SettingsUpdate{Name: req.Name, Branding: req.Branding, VendorAPIKey: req.VendorAPIKey}
	if u.Empty() {
		apperr.Abort(c, apperr.Validation("no settings to update"))
		return
	}

	_, err := h.Tenants.ApplySettings(c.Request.Context(), tenantID, u)
	switch {
	case errors.Is(err, tenants.ErrInvalidUpdate):
		apperr.Abort(c, apperr.Validation("name must be 1-200 characters"))
		return
	case errors.Is(err, tenants.ErrNotFound):
		apperr.Abort(c, apperr.NotFound("tenant not found"))
		return
	case err != nil:
		apperr.Abort(c, apperr.Persistence("apply settings", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// --- Auth ---

type issueTokenRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// IssueDevToken issues a JWT pair without checking credentials.
//
// NOTE: mounted only in local/dev. Real deployments get tokens from the identity provider.
func (h Handlers) IssueDevToken(c *gin.Context) {
	if h.Auth == nil {
		apperr.Abort(c, apperr.New(apperr.KindInternal, "auth not configured"))
		return
	}
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, apperr.Validation("invalid json"))
		return
	}
	if req.UserID == "" || req.Role == "" {
		apperr.Abort(c, apperr.Validation("user_id and role required"))
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), auth.Identity{UserID: req.UserID, TenantID: req.TenantID, Role: rbac.Normalize(req.Role)})
	if err != nil {
		apperr.Abort(c, apperr.New(apperr.KindInternal, "token issuance failed"))
		return
	}
	c.JSON(http.StatusOK, pair)
}

func tenantFrom(c *gin.Context) (string, bool) {
	id, err := auth.TenantID(c.Request.Context())
	if err != nil {
		apperr.Abort(c, apperr.Configuration("incomplete profile: tenant missing"))
		return "", false
	}
	return id, true
}

// queryInt returns 0 when the parameter is absent.
func queryInt(c *gin.Context, key string) (int, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Validation(key + " must be an integer")
	}
	return n, nil
}

// queryTime accepts RFC3339 or YYYY-MM-DD. A bare date used as an upper
// bound is moved to the next midnight so the whole day is included.
func queryTime(c *gin.Context, key string, upper bool) (*time.Time, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, apperr.Validation(key + " must be RFC3339 or YYYY-MM-DD")
	}
	if upper {
		t = t.AddDate(0, 0, 1)
	}
	return &t, nil
}
