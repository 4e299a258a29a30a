// Package hidservice is the HTTP client for the external HID issuing
// authority. It signs in against the identity server, fetches HID blocks and
// reports consumed HIDs, and owns the access token it obtains.
package hidservice

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
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const (
	ClientIDHeader  = "client_id"
	AuthTokenHeader = "X-Auth-Token"
	FromHeader      = "From"

	DefaultSignInPath       = "/signin"
	DefaultNextBlockPattern = "/healthIds/nextBlock/%s"
	DefaultMarkUsedPattern  = "/healthIds/markUsed/%s"
	DefaultTimeout          = 10 * time.Second
	defaultTokenExpirySkew  = 30 * time.Second
)

var (
	// ErrAuth means the identity server refused the credentials, or the
	// authority still answered 401 after a fresh sign-in.
	ErrAuth = errors.New("hid authority authentication failed")
	// ErrUnavailable covers transport failures, timeouts and 5xx answers.
	// Callers may retry.
	ErrUnavailable = errors.New("hid authority unavailable")
	// ErrUnexpectedResponse covers other non-success answers and bodies
	// that cannot be decoded.
	ErrUnexpectedResponse = errors.New("unexpected hid authority response")
)

// Config holds the authority endpoints and client credentials.
type Config struct {
	IdentityBaseURL   string
	SignInPath        string
	ClientID          string
	AuthToken         string
	ClientEmail       string
	ClientPassword    string
	HIDServiceBaseURL string
	NextBlockPattern  string
	MarkUsedPattern   string
	OrgCode           string
	BlockSize         int
	Timeout           time.Duration
}

func (c *Config) applyDefaults() {
	if c.SignInPath == "" {
		c.SignInPath = DefaultSignInPath
	}
	if c.NextBlockPattern == "" {
		c.NextBlockPattern = DefaultNextBlockPattern
	}
	if c.MarkUsedPattern == "" {
		c.MarkUsedPattern = DefaultMarkUsedPattern
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Block is a batch of HIDs reserved for this instance by the authority.
type Block struct {
	Total int      `json:"total"`
	HIDs  []string `json:"hids"`
}

// Client talks to the HID authority. The zero value is not usable; use New.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time // zero for opaque tokens
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock overrides the clock used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client for cfg.
func New(cfg Config, opts ...Option) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SignIn returns the cached access token, signing in first when there is
// none or the cached JWT has expired.
func (c *Client) SignIn(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && (c.expiresAt.IsZero() || c.now().Before(c.expiresAt)) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("email", c.cfg.ClientEmail)
	form.Set("password", c.cfg.ClientPassword)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		joinURL(c.cfg.IdentityBaseURL, c.cfg.SignInPath), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build sign-in request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(ClientIDHeader, c.cfg.ClientID)
	req.Header.Set(AuthTokenHeader, c.cfg.AuthToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: sign in: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := statusError("sign in", resp); err != nil {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return "", fmt.Errorf("%w: sign in returned %d", ErrAuth, resp.StatusCode)
		}
		return "", err
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode sign-in response: %v", ErrUnexpectedResponse, err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("%w: sign-in response has no access token", ErrAuth)
	}

	c.token = body.AccessToken
	c.expiresAt = tokenExpiry(body.AccessToken)
	c.logger.Debug().Bool("expiring", !c.expiresAt.IsZero()).Msg("signed in to identity server")
	return c.token, nil
}

// ClearToken drops the cached access token.
func (c *Client) ClearToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expiresAt = time.Time{}
}

// FetchNextBlock asks the authority for the next block reserved for the
// configured organization.
func (c *Client) FetchNextBlock(ctx context.Context) (*Block, error) {
	u := joinURL(c.cfg.HIDServiceBaseURL, fmt.Sprintf(c.cfg.NextBlockPattern, url.PathEscape(c.cfg.OrgCode)))
	if c.cfg.BlockSize > 0 {
		u += "?blockSize=" + strconv.Itoa(c.cfg.BlockSize)
	}

	resp, err := c.doAuthorized(ctx, "next block", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw struct {
		Total *flexInt `json:"total"`
		HIDs  []string `json:"hids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode next block: %v", ErrUnexpectedResponse, err)
	}
	if raw.Total != nil && int(*raw.Total) != len(raw.HIDs) {
		return nil, fmt.Errorf("%w: next block reports total %d but carries %d hids",
			ErrUnexpectedResponse, int(*raw.Total), len(raw.HIDs))
	}
	block := &Block{Total: len(raw.HIDs), HIDs: raw.HIDs}
	c.logger.Info().Int("total", block.Total).Str("org", c.cfg.OrgCode).Msg("fetched hid block")
	return block, nil
}

// MarkUsed tells the authority that hid was consumed at usedAt.
func (c *Client) MarkUsed(ctx context.Context, hid string, usedAt time.Time) error {
	u := joinURL(c.cfg.HIDServiceBaseURL, fmt.Sprintf(c.cfg.MarkUsedPattern, url.PathEscape(hid)))
	payload, err := json.Marshal(map[string]string{"used_at": usedAt.UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return fmt.Errorf("encode mark used: %w", err)
	}

	resp, err := c.doAuthorized(ctx, "mark used", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// doAuthorized sends the request built by build with the cached token. A 401
// clears the token and the request is retried once with a fresh sign-in.
func (c *Client) doAuthorized(ctx context.Context, op string, build func() (*http.Request, error)) (*http.Response, error) {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.SignIn(ctx)
		if err != nil {
			return nil, err
		}
		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("build %s request: %w", op, err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set(AuthTokenHeader, token)
		req.Header.Set(ClientIDHeader, c.cfg.ClientID)
		req.Header.Set(FromHeader, c.cfg.ClientEmail)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			c.ClearToken()
			c.logger.Warn().Str("op", op).Int("attempt", attempt+1).Msg("hid authority rejected token")
			continue
		}
		if err := statusError(op, resp); err != nil {
			resp.Body.Close()
			return nil, err
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%w: %s still unauthorized after re-sign-in", ErrAuth, op)
}

func statusError(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s returned %d: %s", ErrUnavailable, op, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return fmt.Errorf("%w: %s returned %d: %s", ErrUnexpectedResponse, op, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

// tokenExpiry returns the exp claim of a JWT access token, pulled back by a
// small skew. Opaque tokens yield the zero time.
func tokenExpiry(token string) time.Time {
	if strings.Count(token, ".") != 2 {
		return time.Time{}
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Add(-defaultTokenExpirySkew)
}

func joinURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("total %q is not a number", s)
	}
	*f = flexInt(n)
	return nil
}
