package main

import (
	"log/slog"
	"time"

	"callboard/internal/auth"
	"callboard/internal/config"
	"callboard/internal/httpapi"
	"callboard/internal/ingest"
	"callboard/internal/rbac"
	"callboard/internal/reporting"
	"callboard/internal/tenants"
	"callboard/pkg/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type routeDeps struct {
	cfg     config.Config
	auth    *auth.Manager
	reports *reporting.Service
	tenants tenants.Repository
	webhook ingest.WebhookHandler
	ready   map[string]httpapi.Check
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, log *slog.Logger, d routeDeps) {
	r.Use(otelgin.Middleware(d.cfg.OTEL.ServiceName))
	r.Use(logger.Middleware(log))
	r.Use(httpapi.Metrics())
	r.Use(corsMiddleware(d.cfg.HTTP.CORSOrigins))

	// ops
	r.GET("/healthz", httpapi.Healthz)
	r.GET("/readyz", httpapi.Readyz(3*time.Second, d.ready))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limiter := httpapi.NewRateLimiter(d.cfg.HTTP.RateRPS, d.cfg.HTTP.RateBurst, httpapi.KeyByUserOrIP())

	// Vendor webhooks (public, shared-secret authenticated). All tenants share
	// the vendor's egress IPs, so no per-IP limit applies here.
	r.POST("/webhooks/vendor", d.webhook.Handle)

	h := httpapi.Handlers{
		Reports:    d.reports,
		Tenants:    d.tenants,
		Auth:       d.auth,
		WebhookURL: d.cfg.WebhookURL,
	}

	if d.cfg.AllowsDevTokens() {
		r.POST("/v1/auth/token", limiter.Handler(), h.IssueDevToken)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.auth))
	v1.Use(limiter.Handler())
	v1.Use(rbac.RequireTenant())
	v1.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		v1.GET("/calls", h.ListCalls)
		v1.GET("/calls/:id", h.GetCall)
		v1.GET("/stats", h.Stats)

		v1.GET("/agents", h.ListAgents)
		v1.GET("/agents/metrics", h.AgentMetrics)

		v1.GET("/settings", h.GetSettings)
		v1.PATCH("/settings", rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAdmin), h.PatchSettings)
	}
}

// corsMiddleware allows every origin when none are configured (local dev).
func corsMiddleware(origins []string) gin.HandlerFunc {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", logger.HeaderRequestID},
		ExposeHeaders: []string{logger.HeaderRequestID, httpapi.HeaderDataSource},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return cors.New(c)
}
