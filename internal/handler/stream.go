package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/featureflags"
	"github.com/aryan0dhankhar/facilityaccess/internal/observability/metrics"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/middleware"
)

const (
	pingInterval = 15 * time.Second
	writeWait    = 5 * time.Second
	pongWait     = 2 * pingInterval
)

// Subscriber hands out a tenant's live access log entries.
type Subscriber interface {
	Subscribe(tenantID string) (<-chan domain.AccessLogEntry, func())
}

// StreamHandler pushes newly recorded access log entries over a websocket.
type StreamHandler struct {
	hub            Subscriber
	logger         *slog.Logger
	allowedOrigins []string
	enabled        func() bool
}

func NewStreamHandler(hub Subscriber, logger *slog.Logger, allowedOrigins []string) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		hub:            hub,
		logger:         logger,
		allowedOrigins: allowedOrigins,
		enabled:        func() bool { return featureflags.Enabled(featureflags.LiveStream) },
	}
}

// SetEnabled overrides the live_stream flag lookup.
func (h *StreamHandler) SetEnabled(fn func() bool) { h.enabled = fn }

func (h *StreamHandler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser clients
				return true
			}
			for _, allowed := range h.allowedOrigins {
				if allowed == "*" || origin == allowed {
					return true
				}
			}
			h.logger.Warn("websocket origin rejected", slog.String("origin", origin))
			return false
		},
	}
}

// ServeHTTP handles GET /ws/access-logs.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.enabled() {
		writeError(w, http.StatusNotFound, "live stream disabled")
		return
	}
	tenantID := middleware.GetTenantFromContext(r.Context())
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "missing auth")
		return
	}

	up := h.upgrader()
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	entries, cancel := h.hub.Subscribe(tenantID)
	defer cancel()
	metrics.IncrementSubscribers()
	defer metrics.DecrementSubscribers()

	log := h.logger.With(slog.String("tenant_id", tenantID))
	log.Debug("live subscriber connected")

	// Reader: clients send nothing meaningful, but reading is what processes
	// pongs and notices the peer closing.
	closed := make(chan struct{})
	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			log.Debug("live subscriber disconnected")
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case e, ok := <-entries:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(e); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Debug("websocket write failed", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}
