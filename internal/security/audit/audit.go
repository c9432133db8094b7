package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
)

type requestIDKey struct{}

// WithRequestID stores the request id that audit records are tagged with.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored in ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Logger writes security-relevant events to a dedicated slog stream. It is
// separate from the hash-chained access log, which only records door attempts.
type Logger struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger.With(slog.String("stream", "audit")), now: time.Now}
}

func (al *Logger) LogAction(ctx context.Context, tenantID, userID, action, resource, resourceID, status, details string) {
	al.logger.Info("audit",
		slog.String("action", action),
		slog.String("resource", resource),
		slog.String("resource_id", resourceID),
		slog.String("tenant_id", tenantID),
		slog.String("user_id", userID),
		slog.String("status", status),
		slog.String("details", details),
		slog.String("request_id", RequestID(ctx)),
		slog.Time("timestamp", al.now().UTC()),
	)
}

func (al *Logger) LogAdminBypass(ctx context.Context, tenantID, userID, doorID string) {
	al.LogAction(ctx, tenantID, userID, "admin_bypass", "door", doorID, "granted", "rules skipped for administrative role")
}

func (al *Logger) LogCollaboratorFailure(ctx context.Context, tenantID, userID, doorID, details string) {
	al.LogAction(ctx, tenantID, userID, "evaluation_error", "door", doorID, "error", details)
}

func (al *Logger) LogHardwareFailure(ctx context.Context, tenantID, userID, doorID, operation, details string) {
	al.LogAction(ctx, tenantID, userID, operation, "door", doorID, "error", details)
}

// LogSuspiciousActivity records that a detection run flagged something.
func (al *Logger) LogSuspiciousActivity(ctx context.Context, tenantID string, users, ips, windowMinutes, threshold int) {
	al.LogAction(ctx, tenantID, "", "suspicious_activity", "access_log", "", "flagged",
		fmt.Sprintf("users=%d ips=%d window=%dm threshold=%d", users, ips, windowMinutes, threshold))
}

func (al *Logger) LogExport(ctx context.Context, tenantID, userID string, rows int) {
	al.LogAction(ctx, tenantID, userID, "export", "access_log", "", "success", fmt.Sprintf("rows=%d", rows))
}

func (al *Logger) LogDenied(ctx context.Context, tenantID, userID, reason string) {
	al.LogAction(ctx, tenantID, userID, "access_denied", "api", "", "denied", reason)
}

// LogUnrecorded keeps a door action that took effect but could not be written
// to the access log. The full entry is emitted for later reconciliation.
func (al *Logger) LogUnrecorded(ctx context.Context, entry domain.AccessLogEntry, cause error) {
	al.logger.Error("audit",
		slog.String("action", "unrecorded_access"),
		slog.String("resource", "door"),
		slog.String("resource_id", entry.DoorID),
		slog.String("tenant_id", entry.TenantID),
		slog.String("user_id", entry.UserID),
		slog.String("status", string(entry.Result)),
		slog.Any("entry", entry),
		slog.String("error", cause.Error()),
		slog.String("request_id", RequestID(ctx)),
		slog.Time("timestamp", al.now().UTC()),
	)
}
