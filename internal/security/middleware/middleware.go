package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/security"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/audit"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/auth"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/ratelimit"
)

type TenantContextKey struct{}
type ClaimsContextKey struct{}

// JWTMiddleware authenticates the operator. Browsers cannot set headers on
// websocket upgrades, so GET requests may pass the token as access_token.
func JWTMiddleware(tm *auth.TokenManager, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var tokenString string
			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				t, err := auth.ExtractToken(authHeader)
				if err != nil {
					http.Error(w, `{"error":"invalid auth"}`, http.StatusUnauthorized)
					return
				}
				tokenString = t
			} else if r.Method == http.MethodGet {
				tokenString = r.URL.Query().Get("access_token")
			}
			if tokenString == "" {
				http.Error(w, `{"error":"missing auth"}`, http.StatusUnauthorized)
				return
			}

			claims, err := tm.ValidateToken(tokenString)
			if err != nil {
				log.Debug("token rejected", slog.String("error", err.Error()))
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey{}, claims)
			ctx = context.WithValue(ctx, TenantContextKey{}, claims.TenantID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantActiveMiddleware rejects callers whose tenant is unknown or disabled.
func TenantActiveMiddleware(tenants domain.TenantRepository, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := GetTenantFromContext(r.Context())
			t, err := tenants.Get(r.Context(), tenantID)
			switch {
			case errors.Is(err, domain.ErrNotFound):
				http.Error(w, `{"error":"tenant not found"}`, http.StatusForbidden)
				return
			case err != nil:
				log.Error("tenant lookup failed",
					slog.String("tenant_id", tenantID),
					slog.String("error", err.Error()),
				)
				http.Error(w, `{"error":"tenant lookup failed"}`, http.StatusServiceUnavailable)
				return
			case !t.IsActive:
				http.Error(w, `{"error":"tenant inactive"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func RateLimitMiddleware(limiter *ratelimit.Limiter, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := GetTenantFromContext(r.Context())
			if !limiter.Allow(tenantID) {
				log.Warn("rate limit exceeded", slog.String("tenant_id", tenantID))
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission lets the request through only if the operator's role
// carries perm.
func RequirePermission(authz *security.AuthorizationService, perm security.Permission, auditLog *audit.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaimsFromContext(r.Context())
			if claims == nil {
				http.Error(w, `{"error":"missing auth"}`, http.StatusUnauthorized)
				return
			}
			if err := authz.ValidatePermission(claims.Role, perm); err != nil {
				if auditLog != nil {
					auditLog.LogDenied(r.Context(), claims.TenantID, claims.UserID, string(perm))
				}
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AuditMiddleware records every state-changing API call.
func AuditMiddleware(auditLog *audit.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				tenantID := GetTenantFromContext(r.Context())
				userID := ""
				if claims := GetClaimsFromContext(r.Context()); claims != nil {
					userID = claims.UserID
				}
				auditLog.LogAction(r.Context(), tenantID, userID, "api_call", "route", r.URL.Path, "initiated", r.Method)
			}

			next.ServeHTTP(w, r)
		})
	}
}

func GetTenantFromContext(ctx context.Context) string {
	if t, ok := ctx.Value(TenantContextKey{}).(string); ok {
		return t
	}
	return ""
}

func GetClaimsFromContext(ctx context.Context) *auth.Claims {
	if c, ok := ctx.Value(ClaimsContextKey{}).(*auth.Claims); ok {
		return c
	}
	return nil
}

// WithClaims stores claims the way JWTMiddleware does. Used by tests and
// in-process callers.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, ClaimsContextKey{}, claims)
	return context.WithValue(ctx, TenantContextKey{}, claims.TenantID)
}
