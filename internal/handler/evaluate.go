package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/security"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/middleware"
	"github.com/aryan0dhankhar/facilityaccess/internal/service"
)

// EvaluateHandler answers "may this user open this door now" without
// touching hardware or the access log.
type EvaluateHandler struct {
	evaluator service.Evaluator
	authz     *security.AuthorizationService
	logger    *slog.Logger
}

func NewEvaluateHandler(evaluator service.Evaluator, authz *security.AuthorizationService, logger *slog.Logger) *EvaluateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EvaluateHandler{evaluator: evaluator, authz: authz, logger: logger}
}

type evaluateRequest struct {
	DoorID string `json:"doorId"`
	UserID string `json:"userId"`
}

type evaluateResponse struct {
	Decision    domain.Decision `json:"decision"`
	EvaluatedAt time.Time       `json:"evaluatedAt"`
}

// ServeHTTP handles POST /api/v1/access/evaluate. userId defaults to the
// operator. The trace is only returned to roles holding the view-trace
// permission.
func (h *EvaluateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing auth")
		return
	}

	var req evaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DoorID == "" {
		writeError(w, http.StatusBadRequest, "doorId is required")
		return
	}
	if req.UserID == "" {
		req.UserID = claims.UserID
	}

	start := time.Now()
	dec, err := h.evaluator.Evaluate(r.Context(), req.DoorID, req.UserID, claims.TenantID)

	if !h.authz.HasPermission(claims.Role, security.PermViewTrace) {
		dec = dec.Public()
	}
	status := http.StatusOK
	if err != nil {
		h.logger.Warn("evaluation failed",
			slog.String("tenant_id", claims.TenantID),
			slog.String("door_id", req.DoorID),
			slog.String("error", err.Error()),
		)
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, evaluateResponse{Decision: dec, EvaluatedAt: start.UTC()})
}
