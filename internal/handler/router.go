package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/observability/metrics"
	"github.com/aryan0dhankhar/facilityaccess/internal/security"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/audit"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/auth"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/middleware"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/ratelimit"
)

// RouterDeps is everything NewRouter wires together.
type RouterDeps struct {
	Tokens         *auth.TokenManager
	Authz          *security.AuthorizationService
	Tenants        domain.TenantRepository
	Limiter        *ratelimit.Limiter
	Audit          *audit.Logger
	AllowedOrigins []string

	Health     *HealthHandler
	Evaluate   *EvaluateHandler
	Doors      *DoorsHandler
	AccessLogs *AccessLogsHandler
	Suspicious *SuspiciousHandler
	Stream     *StreamHandler

	Logger *slog.Logger
}

// NewRouter builds the HTTP API. Probes and /metrics are unauthenticated;
// everything else needs a valid operator token for an active tenant.
func NewRouter(d RouterDeps) http.Handler {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(metrics.HTTPMetricsMiddleware)
	r.Use(middleware.SanitizeInputs(log))

	r.Get("/healthz", d.Health.Health)
	r.Get("/readyz", d.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	perm := func(p security.Permission) func(http.Handler) http.Handler {
		return middleware.RequirePermission(d.Authz, p, d.Audit)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.JWTMiddleware(d.Tokens, log))
		r.Use(middleware.TenantActiveMiddleware(d.Tenants, log))
		r.Use(middleware.RateLimitMiddleware(d.Limiter, log))

		r.With(perm(security.PermStreamLogs)).Get("/ws/access-logs", d.Stream.ServeHTTP)

		r.Route("/api/v1", func(r chi.Router) {
			r.Use(middleware.ValidateJSONContentType(log))
			if d.Audit != nil {
				r.Use(middleware.AuditMiddleware(d.Audit))
			}

			r.With(perm(security.PermEvaluate), middleware.RequireJSONFields([]string{"doorId"}, log)).
				Post("/access/evaluate", d.Evaluate.ServeHTTP)

			r.Route("/doors", func(r chi.Router) {
				r.With(perm(security.PermListDoors)).Get("/", d.Doors.List)
				// unlock checks self versus on-behalf inside the handler
				r.With(perm(security.PermUnlockSelf)).Post("/{id}/unlock", d.Doors.Unlock)
				r.With(perm(security.PermLockDoor)).Post("/{id}/lock", d.Doors.Lock)
				r.With(perm(security.PermSyncDoor)).Post("/{id}/sync", d.Doors.Sync)
			})

			r.Route("/access-logs", func(r chi.Router) {
				r.With(perm(security.PermRecordLog), middleware.RequireJSONFields([]string{"doorId", "result", "method"}, log)).
					Post("/", d.AccessLogs.Record)
				r.With(perm(security.PermViewLogs)).Get("/", d.AccessLogs.Query)
				r.With(perm(security.PermExportLogs)).Get("/export", d.AccessLogs.Export)
				r.With(perm(security.PermViewStats)).Get("/stats", d.AccessLogs.Stats)
				r.With(perm(security.PermVerifyChain)).Get("/verify", d.AccessLogs.Verify)
			})

			r.With(perm(security.PermViewSuspicious)).Get("/security/suspicious", d.Suspicious.ServeHTTP)
		})
	})

	return otelhttp.NewHandler(r, "facilityaccess",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
