package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/repository/memory"
	"github.com/aryan0dhankhar/facilityaccess/internal/security"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/auth"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/ratelimit"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

func TestJWTMiddleware(t *testing.T) {
	tm := auth.NewTokenManager("secret", "")
	tok, err := tm.GenerateToken("t1", "u1", "", domain.RoleAdmin, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	var seen *auth.Claims
	h := JWTMiddleware(tm, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClaimsFromContext(r.Context())
		if GetTenantFromContext(r.Context()) != "t1" {
			t.Errorf("tenant not propagated")
		}
	}))

	cases := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"header", withHeader(httptest.NewRequest(http.MethodPost, "/x", nil), "Bearer "+tok), http.StatusOK},
		{"query on GET", httptest.NewRequest(http.MethodGet, "/ws?access_token="+tok, nil), http.StatusOK},
		{"query on POST", httptest.NewRequest(http.MethodPost, "/x?access_token="+tok, nil), http.StatusUnauthorized},
		{"missing", httptest.NewRequest(http.MethodGet, "/x", nil), http.StatusUnauthorized},
		{"malformed", withHeader(httptest.NewRequest(http.MethodGet, "/x", nil), "Token "+tok), http.StatusUnauthorized},
		{"bad token", withHeader(httptest.NewRequest(http.MethodGet, "/x", nil), "Bearer nope"), http.StatusUnauthorized},
	}
	for _, tc := range cases {
		seen = nil
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, tc.req)
		if rec.Code != tc.status {
			t.Errorf("%s: status %d want %d", tc.name, rec.Code, tc.status)
		}
		if tc.status == http.StatusOK && (seen == nil || seen.UserID != "u1") {
			t.Errorf("%s: claims not propagated", tc.name)
		}
	}
}

func TestTenantActiveMiddleware(t *testing.T) {
	tenants := memory.NewTenantStore(
		domain.Tenant{ID: "live", IsActive: true},
		domain.Tenant{ID: "off", IsActive: false},
	)
	h := TenantActiveMiddleware(tenants, discardLogger())(ok)

	for tenant, want := range map[string]int{"live": http.StatusNoContent, "off": http.StatusForbidden, "ghost": http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req = req.WithContext(WithClaims(req.Context(), &auth.Claims{TenantID: tenant, UserID: "u", Role: domain.RoleAdmin}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("tenant %s: status %d want %d", tenant, rec.Code, want)
		}
	}
}

func TestRequirePermission(t *testing.T) {
	authz := security.NewAuthorizationService(discardLogger())
	h := RequirePermission(authz, security.PermExportLogs, nil)(ok)

	for role, want := range map[domain.Role]int{domain.RoleAdmin: http.StatusNoContent, domain.RoleTrainer: http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req = req.WithContext(WithClaims(context.Background(), &auth.Claims{TenantID: "t", UserID: "u", Role: role}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("role %s: status %d want %d", role, rec.Code, want)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no claims: status %d", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := ratelimit.NewLimiter(1, time.Minute)
	defer limiter.Stop()
	h := RateLimitMiddleware(limiter, discardLogger())(ok)

	codes := []int{}
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req = req.WithContext(WithClaims(req.Context(), &auth.Claims{TenantID: "t1", UserID: "u"}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}
}

func TestRequireJSONFieldsRestoresBody(t *testing.T) {
	var body string
	h := RequireJSONFields([]string{"doorId"}, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := new(strings.Builder)
		_, _ = io.Copy(b, r.Body)
		body = b.String()
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"doorId":"d1"}`)))
	if rec.Code != http.StatusOK || body != `{"doorId":"d1"}` {
		t.Fatalf("status %d body %q", rec.Code, body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"userId":"u1"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing field: status %d", rec.Code)
	}
}

func withHeader(r *http.Request, v string) *http.Request {
	r.Header.Set("Authorization", v)
	return r
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
