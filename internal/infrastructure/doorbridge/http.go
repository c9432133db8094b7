// Package doorbridge implements domain.HardwareController.
package doorbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/reliability/circuitbreaker"
	"github.com/aryan0dhankhar/facilityaccess/internal/reliability/retry"
)

// HTTPController talks to a door bridge service over HTTP:
//
//	POST {base}/tenants/{tenant}/doors/{door}/unlock
//	POST {base}/tenants/{tenant}/doors/{door}/lock
//	GET  {base}/tenants/{tenant}/doors/{door}/status -> {"online":bool,"locked":bool}
type HTTPController struct {
	base    *url.URL
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	retry   *retry.Config
	logger  *slog.Logger
}

// NewHTTPController creates a bridge client. The breaker opens after five
// consecutive failures and probes again after thirty seconds.
func NewHTTPController(baseURL string, logger *slog.Logger) (*HTTPController, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid door bridge url %q", baseURL)
	}
	cb := circuitbreaker.NewCircuitBreaker(5, 1, 30*time.Second)
	cb.SetStateChangeCallback(func(from, to circuitbreaker.State) {
		logger.Warn("door bridge breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})
	return &HTTPController{
		base: u,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		},
		breaker: cb,
		retry: &retry.Config{
			MaxAttempts:       3,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        time.Second,
			BackoffMultiplier: 2,
			RetryIf:           func(err error) bool { return !errors.Is(err, circuitbreaker.ErrOpen) },
		},
		logger: logger,
	}, nil
}

// Breaker exposes the circuit breaker for health reporting.
func (c *HTTPController) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

func (c *HTTPController) Unlock(ctx context.Context, door *domain.Door) error {
	return c.command(ctx, door, "unlock")
}

func (c *HTTPController) Lock(ctx context.Context, door *domain.Door) error {
	return c.command(ctx, door, "lock")
}

// Status is idempotent, so transient failures are retried.
func (c *HTTPController) Status(ctx context.Context, door *domain.Door) (domain.DoorState, error) {
	return retry.Do(ctx, c.retry, c.logger, "door_status", func(ctx context.Context) (domain.DoorState, error) {
		var st struct {
			Online bool `json:"online"`
			Locked bool `json:"locked"`
		}
		err := c.breaker.Execute(func() error {
			body, err := c.do(ctx, http.MethodGet, c.doorURL(door, "status"), nil)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(body, &st); err != nil {
				return fmt.Errorf("decode door status: %w", err)
			}
			return nil
		})
		if err != nil {
			return domain.DoorState{}, err
		}
		return domain.DoorState{Online: st.Online, Locked: st.Locked}, nil
	})
}

// command is sent once. A lost reply must not actuate a door twice.
func (c *HTTPController) command(ctx context.Context, door *domain.Door, action string) error {
	payload, _ := json.Marshal(map[string]string{"doorId": door.ID, "tenantId": door.TenantID})
	return c.breaker.Execute(func() error {
		_, err := c.do(ctx, http.MethodPost, c.doorURL(door, action), payload)
		return err
	})
}

func (c *HTTPController) doorURL(door *domain.Door, action string) string {
	return c.base.String() + "/tenants/" + url.PathEscape(door.TenantID) +
		"/doors/" + url.PathEscape(door.ID) + "/" + action
}

func (c *HTTPController) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build bridge request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("door bridge %s: %w", method, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read bridge response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("door bridge returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return b, nil
}
