// Package httpconnector implements connector.Connector over JSON/HTTP, with a
// server-sent events stream for update notifications.
//
// The connector owns the session: Authenticate stores the bearer token and the
// environment and cluster claims it carries, and every later call is scoped by
// them. A 401 or 403 response drops the session, so no call reuses a credential
// the authority already refused.
package httpconnector

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

	"github.com/golang-jwt/jwt/v5"

	"github.com/rafaeljc/heimdall-client/pkg/connector"
	"github.com/rafaeljc/heimdall-client/pkg/model"
)

// Compile-time check to verify that Connector implements connector.Connector.
var _ connector.Connector = (*Connector)(nil)

const (
	DefaultTimeout = 30 * time.Second

	// maxErrorBody bounds how much of an error response is kept for the error message.
	maxErrorBody = 512
)

// Config holds the settings of the HTTP connector.
type Config struct {
	// SDKKey is exchanged for a session token.
	SDKKey string
	// ConfigURL serves authentication, definitions and the stream.
	ConfigURL string
	// EventsURL receives metrics.
	EventsURL string
	// TargetIdentifier names this client instance during authentication.
	TargetIdentifier string
	// Timeout bounds every request except the stream.
	Timeout time.Duration
}

// Connector talks to the remote authority. It is safe for concurrent use.
type Connector struct {
	logger    *slog.Logger
	cfg       Config
	transport *http.Transport

	// client carries the per-request timeout; streamClient has none since the
	// stream stays open indefinitely.
	client       *http.Client
	streamClient *http.Client

	mu      sync.RWMutex
	session connector.Session
}

// New creates a Connector. It does not contact the authority.
func New(logger *slog.Logger, cfg Config) (*Connector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SDKKey == "" {
		return nil, errors.New("httpconnector: SDK key is required")
	}
	for name, raw := range map[string]string{"config": cfg.ConfigURL, "events": cfg.EventsURL} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("httpconnector: invalid %s URL %q", name, raw)
		}
	}
	cfg.ConfigURL = strings.TrimSuffix(cfg.ConfigURL, "/")
	cfg.EventsURL = strings.TrimSuffix(cfg.EventsURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Connector{
		logger:       logger.With(slog.String("component", "httpconnector")),
		cfg:          cfg,
		transport:    transport,
		client:       &http.Client{Timeout: cfg.Timeout, Transport: transport},
		streamClient: &http.Client{Transport: transport},
	}, nil
}

type authRequest struct {
	APIKey string     `json:"apiKey"`
	Target authTarget `json:"target"`
}

type authTarget struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`
}

type authResponse struct {
	AuthToken string `json:"authToken"`
}

// Authenticate exchanges the SDK key for a session and keeps it for later calls.
func (c *Connector) Authenticate(ctx context.Context) (connector.Session, error) {
	body := authRequest{
		APIKey: c.cfg.SDKKey,
		Target: authTarget{Identifier: c.cfg.TargetIdentifier, Name: c.cfg.TargetIdentifier},
	}

	var resp authResponse
	if err := c.do(ctx, http.MethodPost, c.cfg.ConfigURL+"/client/auth", "", body, &resp); err != nil {
		return connector.Session{}, fmt.Errorf("authenticate: %w", err)
	}

	session, err := sessionFromToken(resp.AuthToken)
	if err != nil {
		return connector.Session{}, fmt.Errorf("authenticate: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	return session, nil
}

// sessionFromToken reads the environment and cluster claims. The signature is
// not verified: the token is only ever sent back to the authority that issued it.
func sessionFromToken(token string) (connector.Session, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return connector.Session{}, fmt.Errorf("malformed auth token: %v: %w", err, connector.ErrTransient)
	}

	env, _ := claims["environment"].(string)
	if env == "" {
		return connector.Session{}, fmt.Errorf("auth token carries no environment: %w", connector.ErrTransient)
	}
	return connector.Session{
		Token:       token,
		Environment: env,
		Cluster:     claimString(claims["clusterIdentifier"], "1"),
	}, nil
}

func claimString(v any, def string) string {
	switch val := v.(type) {
	case string:
		if val != "" {
			return val
		}
	case float64:
		return fmt.Sprintf("%.0f", val)
	}
	return def
}

func (c *Connector) FetchFlags(ctx context.Context) ([]model.FlagDefinition, error) {
	var out []model.FlagDefinition
	err := c.get(ctx, func(s connector.Session) string {
		return c.envURL(s, "/feature-configs")
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("fetch flags: %w", err)
	}
	return out, nil
}

func (c *Connector) FetchFlag(ctx context.Context, identifier string) (model.FlagDefinition, error) {
	var out model.FlagDefinition
	err := c.get(ctx, func(s connector.Session) string {
		return c.envURL(s, "/feature-configs/"+url.PathEscape(identifier))
	}, &out)
	if err != nil {
		return model.FlagDefinition{}, fmt.Errorf("fetch flag %q: %w", identifier, err)
	}
	return out, nil
}

func (c *Connector) FetchSegments(ctx context.Context) ([]model.Segment, error) {
	var out []model.Segment
	err := c.get(ctx, func(s connector.Session) string {
		return c.envURL(s, "/target-segments")
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("fetch segments: %w", err)
	}
	return out, nil
}

func (c *Connector) FetchSegment(ctx context.Context, identifier string) (model.Segment, error) {
	var out model.Segment
	err := c.get(ctx, func(s connector.Session) string {
		return c.envURL(s, "/target-segments/"+url.PathEscape(identifier))
	}, &out)
	if err != nil {
		return model.Segment{}, fmt.Errorf("fetch segment %q: %w", identifier, err)
	}
	return out, nil
}

// PostMetrics sends one batch. Any 4xx other than 401/403 is a terminal refusal.
func (c *Connector) PostMetrics(ctx context.Context, batch model.MetricsBatch) error {
	s, err := c.currentSession()
	if err != nil {
		return fmt.Errorf("post metrics: %w", err)
	}

	endpoint := fmt.Sprintf("%s/metrics/%s?cluster=%s",
		c.cfg.EventsURL, url.PathEscape(s.Environment), url.QueryEscape(s.Cluster))
	err = c.do(ctx, http.MethodPost, endpoint, s.Token, batch, nil)

	// A 4xx refuses the batch for good, except the ones a later attempt can get past.
	var se *statusError
	if errors.As(err, &se) && se.code >= 400 && se.code < 500 &&
		!connector.IsUnauthorized(err) && !errors.Is(err, connector.ErrTransient) {
		return fmt.Errorf("post metrics: %w: %w", connector.ErrMetricsRejected, err)
	}
	if err != nil {
		return fmt.Errorf("post metrics: %w", err)
	}
	return nil
}

// Close releases pooled connections.
func (c *Connector) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

func (c *Connector) currentSession() (connector.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session.IsZero() {
		return connector.Session{}, connector.ErrNotAuthenticated
	}
	return c.session, nil
}

// invalidate drops the session if it still holds token.
func (c *Connector) invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.Token == token {
		c.session = connector.Session{}
	}
}

func (c *Connector) envURL(s connector.Session, path string) string {
	return fmt.Sprintf("%s/client/env/%s%s?cluster=%s",
		c.cfg.ConfigURL, url.PathEscape(s.Environment), path, url.QueryEscape(s.Cluster))
}

// get issues an authenticated GET built from the current session.
func (c *Connector) get(ctx context.Context, endpoint func(connector.Session) string, out any) error {
	s, err := c.currentSession()
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodGet, endpoint(s), s.Token, nil, out)
}

// do sends one request. in is encoded as the JSON body when non-nil; out
// receives the decoded response when non-nil.
func (c *Connector) do(ctx context.Context, method, endpoint, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %v: %w", method, req.URL.Path, err, connector.ErrTransient)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, token); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %v: %w", req.URL.Path, err, connector.ErrTransient)
	}
	return nil
}

// statusError is a non-2xx response, classified through Unwrap.
type statusError struct {
	code int
	path string
	body string
}

func (e *statusError) Error() string {
	msg := fmt.Sprintf("%s: unexpected status %d", e.path, e.code)
	if e.body != "" {
		msg += ": " + e.body
	}
	return msg
}

func (e *statusError) Unwrap() error {
	switch {
	case e.code == http.StatusUnauthorized || e.code == http.StatusForbidden:
		return connector.ErrCredentialRejected
	case e.code == http.StatusNotFound:
		return connector.ErrNotFound
	case e.code >= 500 || e.code == http.StatusTooManyRequests:
		return connector.ErrTransient
	default:
		return nil
	}
}

// checkStatus maps a non-2xx response to a statusError. A rejected credential
// also drops the session it was sent with.
func (c *Connector) checkStatus(resp *http.Response, token string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err := &statusError{code: resp.StatusCode, path: resp.Request.URL.Path, body: strings.TrimSpace(string(raw))}

	if connector.IsUnauthorized(err) && token != "" {
		c.invalidate(token)
		c.logger.Warn("authority rejected the session", slog.Int("status", resp.StatusCode))
	}
	return err
}
