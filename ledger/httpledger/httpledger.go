// Package httpledger is a ledger.Gateway adapter for ledgers fronted by
// an HTTP settlement service. Responses map onto the ledger taxonomy by
// status code and error code body; timeouts on mutating calls surface as
// ambiguous outcomes, never as definite failures. The event feed is
// consumed as server-sent events.
package httpledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/paystream/streamsessions-go/ledger"
)

// Config for the HTTP gateway. Defaults can be loaded via envdecode.
type Config struct {
	// BaseURL of the settlement service, like "https://ledger.internal".
	// ENV: LEDGER_BASE_URL
	BaseURL string `env:"LEDGER_BASE_URL"`
	// CallTimeout bounds each request. ENV: LEDGER_CALL_TIMEOUT
	CallTimeout time.Duration `env:"LEDGER_CALL_TIMEOUT,default=30s"`
	// AuthToken, when set, is sent as a bearer token.
	// ENV: LEDGER_AUTH_TOKEN
	AuthToken string `env:"LEDGER_AUTH_TOKEN"`

	// HTTPClient overrides the transport; nil uses http.DefaultClient.
	HTTPClient *http.Client
}

type Client struct {
	base    string
	timeout time.Duration
	token   string
	http    *http.Client
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("httpledger: BaseURL is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("httpledger: bad base url: %w", err)
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: base, timeout: timeout, token: cfg.AuthToken, http: hc}, nil
}

// NewFromEnv builds a Client using envdecode to populate Config.
func NewFromEnv() (*Client, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("httpledger: decode env: %w", err)
	}
	return New(cfg)
}

// errorBody is the service's error envelope.
type errorBody struct {
	Code    string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (c *Client) GetResource(ctx context.Context, resourceID string) (*ledger.Resource, error) {
	var res ledger.Resource
	if err := c.getJSON(ctx, "/v1/resources/"+url.PathEscape(resourceID), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetRate(ctx context.Context, resourceID string) (int64, error) {
	var body struct {
		RatePerHour int64 `json:"rate_per_hour"`
	}
	if err := c.getJSON(ctx, "/v1/resources/"+url.PathEscape(resourceID)+"/rate", &body); err != nil {
		return 0, err
	}
	return body.RatePerHour, nil
}

func (c *Client) GetSession(ctx context.Context, user, resourceID string) (*ledger.SessionView, error) {
	var view ledger.SessionView
	err := c.getJSON(ctx, "/v1/sessions/"+url.PathEscape(user)+"/"+url.PathEscape(resourceID), &view)
	if errors.Is(err, ledger.ErrNoActiveSession) {
		// The service 404s sessions it never opened; report an inactive
		// snapshot instead, since "no session" is valid remote truth.
		return &ledger.SessionView{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) StartSession(ctx context.Context, user, resourceID string) (*ledger.Receipt, error) {
	return c.mutate(ctx, "start", "/v1/sessions/"+url.PathEscape(user)+"/"+url.PathEscape(resourceID)+"/start")
}

func (c *Client) StopSession(ctx context.Context, user, resourceID string) (*ledger.Receipt, error) {
	return c.mutate(ctx, "stop", "/v1/sessions/"+url.PathEscape(user)+"/"+url.PathEscape(resourceID)+"/stop")
}

func (c *Client) mutate(ctx context.Context, op, path string) (*ledger.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		// A deadline on a mutating call means the remote outcome is
		// unknown: the request may have committed.
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ledger.AmbiguousError{Op: op, Err: err}
		}
		return nil, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.mapError(resp)
	}
	var rcpt ledger.Receipt
	if err := json.NewDecoder(resp.Body).Decode(&rcpt); err != nil {
		// The call succeeded remotely but the receipt is unreadable:
		// ambiguous, not failed.
		return nil, &ledger.AmbiguousError{Op: op, Err: fmt.Errorf("decode receipt: %w", err)}
	}
	return &rcpt, nil
}

func (c *Client) Events(ctx context.Context) (ledger.EventStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/events", nil)
	if err != nil {
		return nil, err
	}
	c.decorate(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, ledger.ErrEventsUnsupported
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, c.mapError(resp)
	}
	st := &sseStream{body: resp.Body, ch: make(chan sseResult, 16)}
	go st.read()
	return st, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		// Read-only calls have no ambiguity: any transport failure is
		// recoverable unavailability.
		return fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.mapError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) decorate(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// mapError translates a non-200 response into the ledger taxonomy. The
// error code body wins over the status code when both are present.
func (c *Client) mapError(resp *http.Response) error {
	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &body)

	switch body.Code {
	case "resource_not_found":
		return ledger.ErrResourceNotFound
	case "resource_inactive":
		return ledger.ErrResourceInactive
	case "user_declined":
		return ledger.ErrUserDeclined
	case "insufficient_funds":
		return ledger.ErrInsufficientFunds
	case "already_streaming":
		return ledger.ErrAlreadyStreaming
	case "no_active_session":
		return ledger.ErrNoActiveSession
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return ledger.ErrNoActiveSession
	case http.StatusPaymentRequired:
		return ledger.ErrInsufficientFunds
	case http.StatusForbidden:
		return ledger.ErrUserDeclined
	case http.StatusConflict:
		return ledger.ErrAlreadyStreaming
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ledger.ErrUnavailable, resp.StatusCode)
	}
	if body.Message != "" {
		return fmt.Errorf("ledger error %d: %s", resp.StatusCode, body.Message)
	}
	return fmt.Errorf("ledger error %d", resp.StatusCode)
}

// sseStream parses the service's text/event-stream feed. Only data lines
// are significant; each data payload is one JSON-encoded ledger.Event. A
// single reader goroutine owns the connection; Next consumes its output.
type sseStream struct {
	body io.ReadCloser
	ch   chan sseResult
}

type sseResult struct {
	ev  ledger.Event
	err error
}

func (s *sseStream) read() {
	defer close(s.ch)
	scanner := bufio.NewScanner(s.body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var ev ledger.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			s.ch <- sseResult{err: fmt.Errorf("decode event: %w", err)}
			return
		}
		s.ch <- sseResult{ev: ev}
	}
	if err := scanner.Err(); err != nil {
		s.ch <- sseResult{err: err}
	}
}

func (s *sseStream) Next(ctx context.Context) (ledger.Event, error) {
	select {
	case r, ok := <-s.ch:
		if !ok {
			return ledger.Event{}, io.EOF
		}
		return r.ev, r.err
	case <-ctx.Done():
		return ledger.Event{}, ctx.Err()
	}
}

func (s *sseStream) Close() error { return s.body.Close() }

// Ensure interface compliance
var _ ledger.Gateway = (*Client)(nil)
