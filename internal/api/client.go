// Package api is the REST transport to the storefront backend. It attaches the
// bearer credential, encodes JSON bodies and classifies every failure into the
// common error taxonomy. It never retries a request.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/toko-cart/internal/common"
	"github.com/noah-isme/toko-cart/internal/obs"
	"github.com/noah-isme/toko-cart/internal/resilience"
)

const maxErrorBody = 64 << 10

// TokenSource supplies the bearer credential for authenticated calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config wires a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Tokens     TokenSource
	Breaker    *resilience.Breaker
	Metrics    *obs.HTTPMetrics
	Logger     zerolog.Logger
}

// Client performs JSON requests against the storefront API.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	tokens  TokenSource
	breaker *resilience.Breaker
	logger  zerolog.Logger
}

// Request describes a single API call. Route is the path template used for
// telemetry; Path is the concrete, already escaped path.
type Request struct {
	Method string
	Route  string
	Path   string
	Body   any
	Header http.Header
	Auth   bool
}

// New constructs a Client. When HTTPClient is nil a client with an
// instrumented transport is created.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("api: base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("api: parse base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("api: base url %q must be absolute", base)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
			Transport: otelhttp.NewTransport(obs.Transport{
				Base:    http.DefaultTransport,
				Metrics: cfg.Metrics,
				Logger:  cfg.Logger,
			}, otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				route := obs.RoutePatternFromContext(r.Context())
				if route == "" {
					route = r.URL.Path
				}
				return r.Method + " " + route
			})),
		}
	}
	return &Client{
		baseURL: parsed,
		http:    httpClient,
		tokens:  cfg.Tokens,
		breaker: cfg.Breaker,
		logger:  cfg.Logger,
	}, nil
}

// Do executes req and decodes a successful JSON response into out (when non-nil).
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	if c == nil || c.http == nil {
		return errors.New("api: client not configured")
	}
	route := req.Route
	if route == "" {
		route = req.Path
	}
	ctx = obs.WithRoutePattern(ctx, route)

	var token string
	if req.Auth {
		if c.tokens == nil {
			return common.Unauthorized("Please log in to continue.", nil)
		}
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			if common.IsAppError(err) {
				return err
			}
			return common.Unauthorized("Please log in to continue.", err)
		}
		if strings.TrimSpace(tok) == "" {
			return common.Unauthorized("Please log in to continue.", nil)
		}
		token = tok
	}

	var payload []byte
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("api: encode %s %s: %w", req.Method, route, err)
		}
		payload = encoded
	}

	call := func(ctx context.Context) error {
		return c.roundTrip(ctx, req, token, payload, out)
	}
	err := c.breaker.Do(ctx, call, func(err error) bool {
		return errors.Is(err, common.ErrTransient)
	})
	if errors.Is(err, resilience.ErrOpenCircuit) {
		return common.Transient("The store is temporarily unavailable. Please try again shortly.", err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, req Request, token string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.resolve(req.Path), body)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return common.Transient("Could not reach the store. Please check your connection.", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return common.Transient("The store sent an unreadable response.", fmt.Errorf("decode %s: %w", req.Route, err))
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return Classify(resp.StatusCode, common.ErrorMessage(raw))
}

func (c *Client) resolve(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL.String() + path
}

// Classify maps an HTTP failure status to the error taxonomy.
func Classify(status int, message string) error {
	cause := fmt.Errorf("http status %d", status)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if message == "" {
			message = "Your session has expired. Please log in again."
		}
		err := common.Unauthorized(message, cause)
		err.HTTPStatus = status
		return err
	case status == http.StatusNotFound:
		if message == "" {
			message = "The requested resource was not found."
		}
		err := common.NotFound(message)
		err.Err = cause
		return err
	case status >= 500:
		if message == "" {
			message = "The store is having trouble right now. Please try again."
		}
		err := common.Transient(message, cause)
		err.HTTPStatus = status
		return err
	default:
		if message == "" {
			message = "The request was rejected by the store."
		}
		err := common.Validation(message)
		err.HTTPStatus = status
		err.Err = cause
		return err
	}
}
