// Package birclient talks to the BIR waste-collection web service.
//
// The service hands out a short-lived session token on login. Every other
// endpoint expects that token in a "Token" header and answers 401 once it
// has expired. The Client owns the token: it logs in on Initialize, and when
// a call comes back 401 it logs in again and repeats that call exactly once.
package birclient

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
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/singleflight"

	"github.com/klabast/wb-services/bir-tomming/internal/logging"
)

const (
	// DefaultBaseURL is the production API root.
	DefaultBaseURL = "https://webservice.bir.no/api"

	// DefaultTimeout bounds each HTTP request.
	DefaultTimeout = 10 * time.Second

	// DefaultAppID and DefaultContractorID are the identifiers the service
	// issues to this integration.
	DefaultAppID        = "94FA72AD-583D-4AA3-988F-491F694DFB7B"
	DefaultContractorID = "100;300;400"

	tokenHeader = "Token"
)

// Config configures a Client. Zero values fall back to the defaults above.
type Config struct {
	Credentials Credentials
	BaseURL     string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Client is an authenticated session against the service. It is safe for
// concurrent use.
type Client struct {
	creds   Credentials
	baseURL string
	timeout time.Duration
	httpc   *http.Client
	logger  *slog.Logger

	mu    sync.RWMutex
	token string

	login singleflight.Group
}

// New creates a Client. Initialize must succeed before any other call.
func New(cfg Config) *Client {
	if cfg.Credentials.AppID == "" {
		cfg.Credentials.AppID = DefaultAppID
	}
	if cfg.Credentials.ContractorID == "" {
		cfg.Credentials.ContractorID = DefaultContractorID
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		creds:   cfg.Credentials,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		httpc:   httpc,
		logger:  logging.Default(cfg.Logger).With("component", "birclient"),
	}
}

// Token returns the active session token, or "" before Initialize.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Initialize logs in and stores the session token.
func (c *Client) Initialize(ctx context.Context) error {
	c.logger.Info("initializing client")
	token, err := c.Authenticate(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.logger.Info("client initialized")
	return nil
}

// Authenticate logs in and returns a fresh token without storing it.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	body, err := json.Marshal(loginRequest{
		AppID:        c.creds.AppID,
		ContractorID: c.creds.ContractorID,
	})
	if err != nil {
		return "", &AuthenticationError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", bytes.NewReader(body))
	if err != nil {
		return "", &AuthenticationError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.logger.Error("login request failed", "error", err)
		return "", &AuthenticationError{Err: &TransientNetworkError{Op: "login", Err: err}}
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("login rejected", "status", resp.Status)
		return "", &AuthenticationError{Err: &StatusError{Op: "login", StatusCode: resp.StatusCode, Status: resp.Status}}
	}

	token := resp.Header.Get(tokenHeader)
	if token == "" {
		return "", &AuthenticationError{Err: errors.New("login response has no token header")}
	}
	c.logger.Debug("login succeeded", "token", logging.Redact(token))
	return token, nil
}

// ResolveAddress searches for address and returns the first match's id.
func (c *Client) ResolveAddress(ctx context.Context, address string) (PropertyID, error) {
	q := url.Values{"adresse": {address}}
	props, err := doAuthorized[[]property](ctx, c, "search address", "/eiendommer", q)
	if err != nil {
		return "", err
	}
	if len(props) == 0 {
		return "", fmt.Errorf("%q: %w", address, ErrAddressNotFound)
	}
	c.logger.Info("address resolved", "address", address, "property_id", props[0].ID)
	return props[0].ID, nil
}

// FetchCalendar returns every pickup between from and to, both inclusive,
// in the order the service sent them.
func (c *Client) FetchCalendar(ctx context.Context, id PropertyID, from, to Date) ([]Event, error) {
	q := url.Values{
		"eiendomId": {string(id)},
		"datoFra":   {from.String()},
		"datoTil":   {to.String()},
	}
	return doAuthorized[[]Event](ctx, c, "fetch calendar", "/tomminger", q)
}

// doAuthorized issues a GET with the session token and decodes the JSON
// body into T. A 401 triggers one re-login and one repeat of the request.
func doAuthorized[T any](ctx context.Context, c *Client, op, path string, q url.Values) (T, error) {
	var zero T
	if c.Token() == "" {
		return zero, ErrNotInitialized
	}

	var stale string
	attempt := 0
	out, err := retry.DoWithData(
		func() (T, error) {
			if attempt > 0 {
				c.logger.Info("token expired, re-authenticating", "op", op)
				if err := c.reauthenticate(ctx, stale); err != nil {
					return zero, err
				}
			}
			attempt++

			token := c.Token()
			v, err := getJSON[T](ctx, c, op, path, q, token)
			if errors.Is(err, errTokenExpired) {
				stale = token
			}
			return v, err
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errTokenExpired)
		}),
	)
	if errors.Is(err, errTokenExpired) {
		return zero, &AuthenticationError{Err: fmt.Errorf("%s: token rejected after re-authentication", op)}
	}
	return out, err
}

// reauthenticate replaces the token unless another request already did so
// since stale was read. Concurrent callers share one login, which outlives
// the cancellation of whichever caller started it.
func (c *Client) reauthenticate(ctx context.Context, stale string) error {
	if current := c.Token(); current != stale {
		return nil
	}
	ch := c.login.DoChan("login", func() (any, error) {
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		token, err := c.Authenticate(loginCtx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.token = token
		c.mu.Unlock()
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func getJSON[T any](ctx context.Context, c *Client, op, path string, q url.Values, token string) (T, error) {
	var out T
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return out, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set(tokenHeader, token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, &TransientNetworkError{Op: op, Err: err}
	}
	defer drain(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return out, errTokenExpired
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return out, &StatusError{Op: op, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return out, nil
}

// drain discards the rest of body so the connection can be reused.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
