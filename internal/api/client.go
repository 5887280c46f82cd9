// Package api implements the remote sync-service client. All failures are
// classified into faults so callers route on category (auth vs transient vs
// server) instead of inspecting transport details.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"git.home.luguber.info/inful/fieldtrack/internal/faults"
	"git.home.luguber.info/inful/fieldtrack/internal/telemetry"
)

// Remote is the abstract contract of the sync service consumed by the
// coordinator. Implemented by Client; tests substitute stubs.
type Remote interface {
	// CheckStatus reports whether the session is still logged in server-side.
	CheckStatus(ctx context.Context, identity, tenant string) (bool, error)
	// TransmitTelemetry sends one telemetry payload.
	TransmitTelemetry(ctx context.Context, identity, tenant string, payload telemetry.Payload) error
	// Logout terminates the session. forceOffline marks the device offline
	// even if the server still sees activity.
	Logout(ctx context.Context, identity, tenant string, forceOffline bool) error
	// Login establishes a session.
	Login(ctx context.Context, identity, tenant string) error
}

// Client is the HTTP implementation of Remote.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
}

// Config configures a Client.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration // per-call timeout; clamped elsewhere to 8-15s
	RatePerSecond  float64       // transmit rate cap; <=0 disables limiting
	RateBurst      int
}

// NewClient creates a remote client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		limiter:    limiter,
	}, nil
}

// ValidateIdentity rejects identity credentials that cannot travel in an HTTP
// header: empty, embedded whitespace or non-printable ASCII. Returns a
// validation fault synchronously; never retried.
func ValidateIdentity(identity, tenant string) error {
	check := func(name, v string) error {
		if v == "" {
			return faults.New(faults.CategoryValidation, name+" is empty")
		}
		for _, r := range v {
			if r <= 0x20 || r >= 0x7f {
				return faults.New(faults.CategoryValidation,
					fmt.Sprintf("%s contains character %q illegal for transport", name, r))
			}
		}
		return nil
	}
	if err := check("identity token", identity); err != nil {
		return err
	}
	return check("tenant code", tenant)
}

type statusResponse struct {
	LoggedIn bool `json:"logged_in"`
}

// CheckStatus implements Remote.
func (c *Client) CheckStatus(ctx context.Context, identity, tenant string) (bool, error) {
	if err := ValidateIdentity(identity, tenant); err != nil {
		return false, err
	}

	var resp statusResponse
	if err := c.do(ctx, http.MethodGet, "/session/status", identity, tenant, nil, &resp); err != nil {
		return false, err
	}
	return resp.LoggedIn, nil
}

// TransmitTelemetry implements Remote. The client-side rate limiter bounds
// bursts when movement reclassification shrinks the send interval.
func (c *Client) TransmitTelemetry(ctx context.Context, identity, tenant string, payload telemetry.Payload) error {
	if err := ValidateIdentity(identity, tenant); err != nil {
		return err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return faults.Wrap(faults.CategoryTransient, "rate limiter wait aborted", err)
		}
	}
	return c.do(ctx, http.MethodPost, "/telemetry", identity, tenant, payload, nil)
}

// Logout implements Remote.
func (c *Client) Logout(ctx context.Context, identity, tenant string, forceOffline bool) error {
	if err := ValidateIdentity(identity, tenant); err != nil {
		return err
	}
	body := map[string]bool{"force_offline": forceOffline}
	return c.do(ctx, http.MethodPost, "/session/logout", identity, tenant, body, nil)
}

// Login implements Remote.
func (c *Client) Login(ctx context.Context, identity, tenant string) error {
	if err := ValidateIdentity(identity, tenant); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/session/login", identity, tenant, nil, nil)
}

// do performs one request with the per-call timeout and classifies failures.
func (c *Client) do(ctx context.Context, method, path, identity, tenant string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return faults.Wrap(faults.CategoryValidation, "marshal request body", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return faults.Wrap(faults.CategoryValidation, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+identity)
	req.Header.Set("X-Tenant-Code", tenant)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures are always ambiguous.
		return faults.Wrap(faults.CategoryTransient, method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode)
		return faults.FromStatus(resp.StatusCode, msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return faults.Wrap(faults.CategoryServer, "decode response", err)
		}
	}
	return nil
}
