// Package client provides the AuditVault Go SDK for recording audit events
// and querying the ledger, chain, and retention APIs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// ErrUnauthorized is returned when the server rejects the session token and
// no credentials are configured for re-authentication.
var ErrUnauthorized = errors.New("client: unauthorized")

// APIError is a non-2xx response from the audit API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: api error %d: %s", e.Status, e.Message)
}

// Event mirrors the audit event record returned by the API.
type Event struct {
	ID          string            `json:"id,omitempty"`
	Timestamp   time.Time         `json:"timestamp,omitempty"`
	UserID      string            `json:"user_id"`
	SessionID   string            `json:"session_id,omitempty"`
	Action      string            `json:"action"`
	Resource    string            `json:"resource"`
	ResourceID  string            `json:"resource_id,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	Result      string            `json:"result"`
	RiskLevel   string            `json:"risk_level,omitempty"`
	PHIInvolved bool              `json:"phi_involved,omitempty"`
	PrevHash    string            `json:"prev_hash,omitempty"`
	Hash        string            `json:"hash,omitempty"`
}

// Query filters QueryEvents. Zero values are omitted.
type Query struct {
	UserID    string
	Action    string
	Resource  string
	Result    string
	RiskLevel string
	DateFrom  time.Time
	DateTo    time.Time
	Limit     int
	Offset    int
}

// LedgerVerification is the result of GET /events/verify.
type LedgerVerification struct {
	Valid  bool   `json:"valid"`
	Events int    `json:"events,omitempty"`
	Index  int    `json:"index,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ChainOverview is the result of GET /chain.
type ChainOverview struct {
	Height int    `json:"height"`
	Tip    string `json:"tip"`
}

// IntegrityReport is the result of GET /chain/verify.
type IntegrityReport struct {
	Valid           bool     `json:"valid"`
	TotalBlocks     int      `json:"total_blocks"`
	CorruptedBlocks []int    `json:"corrupted_blocks,omitempty"`
	IntegrityScore  float64  `json:"integrity_score"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// SealResult is the result of POST /chain/seal.
type SealResult struct {
	SealedBlocks int   `json:"sealed_blocks"`
	Indexes      []int `json:"indexes,omitempty"`
	Events       int   `json:"events,omitempty"`
}

// RotationResult is the result of POST /vault/rotate.
type RotationResult struct {
	NewVersion  int      `json:"new_version"`
	Reencrypted []string `json:"reencrypted"`
}

// Client is the AuditVault SDK entry point.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// token state, guarded by mu
	mu      sync.Mutex
	token   string
	subject string
	secret  string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a pre-obtained session token to every request.
// The token is not refreshed when it expires.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithCredentials configures the access secret exchanged for session tokens
// at /auth/token. Tokens are obtained lazily and refreshed after a 401.
func WithCredentials(subject, secret string) Option {
	return func(c *Client) error {
		if subject == "" || secret == "" {
			return errors.New("client: subject and secret are required")
		}
		c.subject = subject
		c.secret = secret
		return nil
	}
}

// New creates a Client for the audit API at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("client: baseURL is required")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Authenticate exchanges the configured credentials for a session token.
// Callers rarely need this directly; requests authenticate on demand.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	subject, secret := c.subject, c.secret
	c.mu.Unlock()
	if secret == "" {
		return ErrUnauthorized
	}

	var resp struct {
		Token string `json:"token"`
		Role  string `json:"role"`
	}
	err := c.doOnce(ctx, http.MethodPost, "/api/v1/auth/token",
		map[string]string{"subject": subject, "secret": secret}, &resp, "")
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	return nil
}

// do performs an authenticated request, re-authenticating once on a 401 when
// credentials are configured.
func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token == "" {
		if err := c.Authenticate(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		token = c.token
		c.mu.Unlock()
	}

	err := c.doOnce(ctx, method, path, reqBody, respBody, token)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized && c.secret != "" {
		if err := c.Authenticate(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		token = c.token
		c.mu.Unlock()
		return c.doOnce(ctx, method, path, reqBody, respBody, token)
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, reqBody, respBody any, token string) error {
	var body io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(raw, &payload)
		if payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: payload.Error}
	}

	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// ── events ────────────────────────────────────────────────────────────────

// RecordEvent appends one audit event and returns the stored record with its
// assigned ID and chain hashes. Requires the compliance role.
func (c *Client) RecordEvent(ctx context.Context, e Event) (*Event, error) {
	var stored Event
	if err := c.do(ctx, http.MethodPost, "/api/v1/events", e, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (q Query) values() url.Values {
	v := url.Values{}
	set := func(key, val string) {
		if val != "" {
			v.Set(key, val)
		}
	}
	set("user_id", q.UserID)
	set("action", q.Action)
	set("resource", q.Resource)
	set("result", q.Result)
	set("risk_level", q.RiskLevel)
	if !q.DateFrom.IsZero() {
		v.Set("date_from", q.DateFrom.Format(time.RFC3339))
	}
	if !q.DateTo.IsZero() {
		v.Set("date_to", q.DateTo.Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

// QueryEvents searches the ledger.
func (c *Client) QueryEvents(ctx context.Context, q Query) ([]Event, error) {
	path := "/api/v1/events"
	if encoded := q.values().Encode(); encoded != "" {
		path += "?" + encoded
	}
	var resp struct {
		Events []Event `json:"events"`
		Count  int     `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// VerifyLedger walks the full event hash chain on the server.
func (c *Client) VerifyLedger(ctx context.Context) (*LedgerVerification, error) {
	var v LedgerVerification
	if err := c.do(ctx, http.MethodGet, "/api/v1/events/verify", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ── chain ─────────────────────────────────────────────────────────────────

// Chain returns the verification chain's height and tip hash.
func (c *Client) Chain(ctx context.Context) (*ChainOverview, error) {
	var o ChainOverview
	if err := c.do(ctx, http.MethodGet, "/api/v1/chain", nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// VerifyChain runs full block chain verification on the server.
func (c *Client) VerifyChain(ctx context.Context) (*IntegrityReport, error) {
	var r IntegrityReport
	if err := c.do(ctx, http.MethodGet, "/api/v1/chain/verify", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SealChain mines the currently staged events into blocks immediately.
// Requires the compliance role.
func (c *Client) SealChain(ctx context.Context) (*SealResult, error) {
	var r SealResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/chain/seal", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ── vault ─────────────────────────────────────────────────────────────────

// RotateKeys rotates the vault encryption key and re-encrypts stored files.
// Requires the compliance role.
func (c *Client) RotateKeys(ctx context.Context) (*RotationResult, error) {
	var r RotationResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/vault/rotate", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
