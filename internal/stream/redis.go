package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/infrastructure/redis"
)

// ChannelPrefix prefixes the per-tenant Pub/Sub channel name.
const ChannelPrefix = "access-logs:"

func Channel(tenantID string) string { return ChannelPrefix + tenantID }

// PubSub is the part of the Redis client the relay needs.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	PSubscribe(ctx context.Context, pattern string) (<-chan redis.Message, error)
}

// RedisPublisher publishes entries to Redis so every server instance sees them.
type RedisPublisher struct {
	ps PubSub
}

func NewRedisPublisher(ps PubSub) *RedisPublisher {
	return &RedisPublisher{ps: ps}
}

func (p *RedisPublisher) Publish(ctx context.Context, entry domain.AccessLogEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	return p.ps.Publish(ctx, Channel(entry.TenantID), b)
}

// Relay copies Redis deliveries into the local hub until ctx ends.
func Relay(ctx context.Context, ps PubSub, hub *Hub, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	msgs, err := ps.PSubscribe(ctx, ChannelPrefix+"*")
	if err != nil {
		return err
	}
	go func() {
		for m := range msgs {
			var e domain.AccessLogEntry
			if err := json.Unmarshal(m.Payload, &e); err != nil {
				logger.Warn("dropping malformed live entry",
					slog.String("channel", m.Channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			if tenant := strings.TrimPrefix(m.Channel, ChannelPrefix); tenant != e.TenantID {
				logger.Warn("live entry tenant mismatch",
					slog.String("channel", m.Channel),
					slog.String("tenant_id", e.TenantID),
				)
				continue
			}
			_ = hub.Publish(ctx, e)
		}
		logger.Info("live relay stopped")
	}()
	return nil
}
