package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/logging"
)

// ErrUnavailable is returned when the breaker rejects a call.
var ErrUnavailable = errors.New("identity: authentication service unavailable")

// Response is the wire result of a token validation.
type Response struct {
	Valid       bool     `json:"valid"`
	UserID      string   `json:"userId"`
	UserName    string   `json:"userName"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Message     string   `json:"message"`
}

// Identity converts the response into a normalized remote identity.
func (r *Response) Identity() *Identity {
	id := &Identity{
		UserID:      r.UserID,
		UserName:    r.UserName,
		Roles:       r.Roles,
		Permissions: r.Permissions,
		Valid:       r.Valid,
		Source:      SourceRemote,
	}
	return id.Normalize()
}

// Validator validates a raw token against the authentication service. A nil
// response with a nil error is a null verdict.
type Validator interface {
	Validate(ctx context.Context, token string) (*Response, error)
}

// StatusError is a non-2xx reply from the authentication service.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("identity: unexpected status %d", e.StatusCode)
}

// Client calls the authentication service over HTTP JSON with retries and a
// circuit breaker.
type Client struct {
	endpoint   string
	httpClient *http.Client
	attempts   uint
	delay      time.Duration
	breaker    *gobreaker.CircuitBreaker[*Response]
}

// NewClient creates a client from configuration.
func NewClient(cfg config.IdentityConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	c := &Client{
		endpoint:   cfg.Endpoint,
		httpClient: &http.Client{Timeout: timeout},
		attempts:   cfg.RetryAttempts + 1,
		delay:      cfg.RetryDelay,
	}
	if cfg.Breaker.Enabled {
		c.breaker = gobreaker.NewCircuitBreaker[*Response](breakerSettings(cfg.Breaker))
	}
	return c
}

func breakerSettings(cfg config.BreakerConfig) gobreaker.Settings {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.Settings{
		Name:        "identity",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// a caller giving up says nothing about the service
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
}

// BreakerState returns the breaker state, or "disabled".
func (c *Client) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State().String()
}

// Validate asks the authentication service whether token is valid.
func (c *Client) Validate(ctx context.Context, token string) (*Response, error) {
	ctx, span := otel.Tracer("gatekeeper/identity").Start(ctx, "identity.validate")
	defer span.End()

	call := func() (*Response, error) {
		return retry.NewWithData[*Response](
			retry.Context(ctx),
			retry.Attempts(c.attempts),
			retry.Delay(c.delay),
			retry.LastErrorOnly(true),
			retry.RetryIf(retryable),
			retry.OnRetry(func(n uint, err error) {
				logging.Debug("retrying identity call", zap.Uint("attempt", n+1), zap.Error(err))
			}),
		).Do(func() (*Response, error) {
			return c.post(ctx, token)
		})
	}

	var (
		resp *Response
		err  error
	)
	if c.breaker != nil {
		resp, err = c.breaker.Execute(call)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	} else {
		resp, err = call()
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("identity.null", resp == nil))
	if resp != nil {
		span.SetAttributes(attribute.Bool("identity.valid", resp.Valid))
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, token string) (*Response, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("identity: building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("identity: reading response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var out *Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("identity: decoding response: %w", err))
	}
	return out, nil
}

// retryable reports whether a failed attempt may be repeated: transport
// failures and 5xx replies are, everything else is final.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return true
}
