package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/security"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/middleware"
	"github.com/aryan0dhankhar/facilityaccess/internal/service"
)

// DoorLister lists a tenant's doors.
type DoorLister interface {
	List(ctx context.Context, tenantID string) ([]*domain.Door, error)
}

// DoorsHandler exposes unlock, lock, sync and list.
type DoorsHandler struct {
	control *service.DoorControlService
	doors   DoorLister
	authz   *security.AuthorizationService
	logger  *slog.Logger
}

func NewDoorsHandler(control *service.DoorControlService, doors DoorLister, authz *security.AuthorizationService, logger *slog.Logger) *DoorsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DoorsHandler{control: control, doors: doors, authz: authz, logger: logger}
}

type unlockRequest struct {
	UserID    string             `json:"userId"`
	Method    string             `json:"method"`
	Proximity *service.Proximity `json:"proximity"`
}

type lockRequest struct {
	Method string `json:"method"`
}

type doorActionResponse struct {
	Executed bool                `json:"executed"`
	Recorded bool                `json:"recorded"`
	Decision domain.Decision     `json:"decision"`
	EntryID  string              `json:"entryId"`
	Result   domain.AccessResult `json:"result"`
	Seq      int64               `json:"seq"`
}

type doorResponse struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Location string            `json:"location,omitempty"`
	Status   domain.DoorStatus `json:"status"`
	Online   bool              `json:"online"`
	Locked   bool              `json:"locked"`
}

func toDoorResponse(d *domain.Door) doorResponse {
	return doorResponse{ID: d.ID, Name: d.Name, Location: d.Location, Status: d.Status, Online: d.Online, Locked: d.Locked}
}

// body is optional on door actions; an empty body means defaults.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(w, r, v)
}

func parseMethod(s string) (domain.AccessMethod, error) {
	if s == "" {
		return "", nil
	}
	return domain.ParseAccessMethod(s)
}

// Unlock handles POST /api/v1/doors/{id}/unlock.
func (h *DoorsHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing auth")
		return
	}
	var req unlockRequest
	if err := decodeOptional(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	method, err := parseMethod(req.Method)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	subject := req.UserID
	if subject == "" {
		subject = claims.UserID
	}
	if err := h.authz.ValidateUnlockSubject(claims.UserID, claims.Role, subject); err != nil {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	res, err := h.control.Unlock(r.Context(), service.UnlockRequest{
		TenantID:  claims.TenantID,
		DoorID:    chi.URLParam(r, "id"),
		UserID:    subject,
		Method:    method,
		IPAddress: clientIP(r),
		Proximity: req.Proximity,
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	h.respondAction(w, claims.Role, res)
}

// Lock handles POST /api/v1/doors/{id}/lock.
func (h *DoorsHandler) Lock(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing auth")
		return
	}
	var req lockRequest
	if err := decodeOptional(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	method, err := parseMethod(req.Method)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.control.Lock(r.Context(), service.LockRequest{
		TenantID:  claims.TenantID,
		DoorID:    chi.URLParam(r, "id"),
		UserID:    claims.UserID,
		Method:    method,
		IPAddress: clientIP(r),
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	h.respondAction(w, claims.Role, res)
}

// Sync handles POST /api/v1/doors/{id}/sync.
func (h *DoorsHandler) Sync(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantFromContext(r.Context())
	door, err := h.control.SyncStatus(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toDoorResponse(door))
}

// List handles GET /api/v1/doors.
func (h *DoorsHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantFromContext(r.Context())
	doors, err := h.doors.List(r.Context(), tenantID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	out := make([]doorResponse, 0, len(doors))
	for _, d := range doors {
		out = append(out, toDoorResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"doors": out})
}

func (h *DoorsHandler) respondAction(w http.ResponseWriter, role domain.Role, res *service.DoorActionResult) {
	dec := res.Decision
	if !h.authz.HasPermission(role, security.PermViewTrace) {
		dec = dec.Public()
	}
	status := http.StatusOK
	switch {
	case res.Entry.Result == domain.ResultError:
		status = http.StatusServiceUnavailable
	case !res.Executed:
		status = http.StatusForbidden
	}
	writeJSON(w, status, doorActionResponse{
		Executed: res.Executed,
		Recorded: res.Recorded,
		Decision: dec,
		EntryID:  res.Entry.ID,
		Result:   res.Entry.Result,
		Seq:      res.Entry.Seq,
	})
}
