// Package remoteclient talks to the control service: it signs every request
// with a per-device HMAC-SHA512 JWT and wraps calls in a circuit breaker so
// a failing control service does not stall the device. Grounded on the
// request-timeout tuple and HTTPError/other-exception split the control
// service client it replaces used, translated to resty's fluent request
// builder.
package remoteclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/Soundfleet/soundfleet-player/internal/metrics"
	"github.com/Soundfleet/soundfleet-player/internal/resilience"
)

const (
	defaultRequestTimeout  = 5 * time.Second
	defaultResponseTimeout = 10 * time.Second
)

// Config configures a Client.
type Config struct {
	BaseURL  string
	DeviceID string
	APIKey   string

	RequestTimeout  time.Duration
	ResponseTimeout time.Duration

	CircuitThreshold    int
	CircuitMinAttempts  int
	CircuitWindow       time.Duration
	CircuitResetTimeout time.Duration
}

// Client issues signed HTTP requests to the control service.
type Client struct {
	http    *resty.Client
	cfg     Config
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// New builds a Client. Breaker defaults mirror resilience.NewCircuitBreaker's.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}

	h := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout + cfg.ResponseTimeout)

	breaker := resilience.NewCircuitBreaker(
		"remote-client",
		cfg.CircuitThreshold,
		cfg.CircuitMinAttempts,
		cfg.CircuitWindow,
		cfg.CircuitResetTimeout,
		resilience.WithStateObserver(func(name string, s resilience.State) {
			metrics.SetCircuitBreakerState(name, s.String())
		}),
	)

	return &Client{http: h, cfg: cfg, breaker: breaker, logger: logger}
}

// authHeader signs {"device": DeviceID} with APIKey using HS512, matching
// the control service's expected Authorization claim.
func (c *Client) authHeader() (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"device": c.cfg.DeviceID,
	})
	signed, err := token.SignedString([]byte(c.cfg.APIKey))
	if err != nil {
		return "", fmt.Errorf("sign auth token: %w", err)
	}
	return signed, nil
}

// Request describes a single call to the control service.
type Request struct {
	Method string // http.MethodGet, http.MethodPost, ...
	Path   string
	Query  map[string]string
	Body   any
}

// Do executes req through the circuit breaker, returning the decoded JSON
// body into out (which may be nil to discard it). HTTP error statuses and
// network-level failures are both logged, returned as an error and counted
// as circuit breaker failures; Do itself does not retry.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	auth, err := c.authHeader()
	if err != nil {
		return err
	}

	var resp *resty.Response
	execErr := c.breaker.Execute(func() error {
		r := c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", auth).
			SetQueryParams(req.Query)
		if req.Body != nil {
			r = r.SetBody(req.Body)
		}
		if out != nil {
			r = r.SetResult(out)
		}

		var doErr error
		resp, doErr = r.Execute(req.Method, req.Path)
		if doErr != nil {
			c.logger.Error().Err(doErr).Str("method", req.Method).Str("path", req.Path).Msg("remote request failed")
			return doErr
		}
		if resp.IsError() {
			err := fmt.Errorf("remote request %s %s: status %d", req.Method, req.Path, resp.StatusCode())
			c.logger.Error().Err(err).Msg("remote request returned error status")
			return err
		}
		return nil
	})

	if execErr != nil {
		return execErr
	}
	return nil
}
