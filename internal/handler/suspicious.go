package handler

import (
	"log/slog"
	"net/http"

	"github.com/aryan0dhankhar/facilityaccess/internal/security/middleware"
	"github.com/aryan0dhankhar/facilityaccess/internal/service"
)

// SuspiciousHandler serves GET /api/v1/security/suspicious.
type SuspiciousHandler struct {
	detector         *service.SuspiciousActivityDetector
	defaultWindow    int
	defaultThreshold int
	logger           *slog.Logger
}

func NewSuspiciousHandler(detector *service.SuspiciousActivityDetector, window, threshold int, logger *slog.Logger) *SuspiciousHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SuspiciousHandler{detector: detector, defaultWindow: window, defaultThreshold: threshold, logger: logger}
}

func (h *SuspiciousHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantFromContext(r.Context())
	window, err := parseIntParam(r, "windowMinutes", h.defaultWindow)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	threshold, err := parseIntParam(r, "threshold", h.defaultThreshold)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	res, err := h.detector.Detect(r.Context(), tenantID, window, threshold)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
