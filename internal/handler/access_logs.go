package handler

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/audit"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/middleware"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/ratelimit"
	"github.com/aryan0dhankhar/facilityaccess/internal/service"
)

// Exports are expensive; each tenant gets a handful per minute on top of the
// general API limit.
const (
	exportsPerWindow = 5
	exportWindow     = time.Minute
)

// AccessLogsHandler serves the access log API.
type AccessLogsHandler struct {
	logs    *service.AccessLogService
	limiter *ratelimit.Limiter
	audit   *audit.Logger
	logger  *slog.Logger
}

// NewAccessLogsHandler creates the handler. limiter and auditLog may be nil.
func NewAccessLogsHandler(logs *service.AccessLogService, limiter *ratelimit.Limiter, auditLog *audit.Logger, logger *slog.Logger) *AccessLogsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessLogsHandler{logs: logs, limiter: limiter, audit: auditLog, logger: logger}
}

type recordRequest struct {
	DoorID     string         `json:"doorId"`
	UserID     string         `json:"userId"`
	Result     string         `json:"result"`
	DenyReason string         `json:"denyReason"`
	Method     string         `json:"method"`
	IPAddress  string         `json:"ipAddress"`
	Timestamp  *time.Time     `json:"timestamp"`
	Metadata   map[string]any `json:"metadata"`
}

// Record handles POST /api/v1/access-logs.
func (h *AccessLogsHandler) Record(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantFromContext(r.Context())
	var req recordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry := domain.AccessLogEntry{
		TenantID:   tenantID,
		DoorID:     req.DoorID,
		UserID:     req.UserID,
		Result:     domain.AccessResult(req.Result),
		DenyReason: req.DenyReason,
		Method:     domain.AccessMethod(req.Method),
		IPAddress:  req.IPAddress,
		Metadata:   req.Metadata,
	}
	if res, err := domain.ParseAccessResult(req.Result); err == nil {
		entry.Result = res
	}
	if m, err := domain.ParseAccessMethod(req.Method); err == nil {
		entry.Method = m
	}
	if entry.IPAddress == "" {
		entry.IPAddress = clientIP(r)
	}
	if req.Timestamp != nil {
		entry.Timestamp = *req.Timestamp
	}

	if err := h.logs.Record(r.Context(), &entry); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// Query handles GET /api/v1/access-logs.
func (h *AccessLogsHandler) Query(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantFromContext(r.Context())
	filter, err := parseFilter(r)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	offset, err := parseIntParam(r, "offset", 0)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	limit, err := parseIntParam(r, "limit", service.DefaultPageSize)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	page, err := h.logs.Query(r.Context(), tenantID, filter, domain.Pagination{Offset: offset, Limit: limit})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Export handles GET /api/v1/access-logs/export.
func (h *AccessLogsHandler) Export(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantFromContext(r.Context())
	if h.limiter != nil && !h.limiter.AllowStrict("export:"+tenantID, exportsPerWindow, exportWindow) {
		writeError(w, http.StatusTooManyRequests, "export rate limit exceeded")
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	body, err := h.logs.ExportCSV(r.Context(), tenantID, filter)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	if h.audit != nil {
		userID := ""
		if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
			userID = claims.UserID
		}
		h.audit.LogExport(r.Context(), tenantID, userID, csvRows(body))
	}

	name := fmt.Sprintf("access-logs-%s-%s.csv", tenantID, time.Now().UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// csvRows counts data rows; quoted fields may contain newlines.
func csvRows(body []byte) int {
	rows, err := csv.NewReader(bytes.NewReader(body)).ReadAll()
	if err != nil || len(rows) == 0 {
		return 0
	}
	return len(rows) - 1
}

// Stats handles GET /api/v1/access-logs/stats.
func (h *AccessLogsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantFromContext(r.Context())
	from, err := parseTimeParam(r, "from")
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	stats, err := h.logs.Stats(r.Context(), tenantID, from, to)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Verify handles GET /api/v1/access-logs/verify. A broken chain is still a
// 200; the report says where it broke.
func (h *AccessLogsHandler) Verify(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantFromContext(r.Context())
	rep, err := h.logs.VerifyChain(r.Context(), tenantID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
