// Package rest is the outbound HTTP collaborator: bootstrap lookups
// against the platform API with rate-limit-aware retries.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/wisp/internal/auth"
)

var (
	ErrInvalidConfig    = errors.New("rest: invalid config")
	ErrUnexpectedStatus = errors.New("rest: unexpected status")
)

// RateLimitError is returned when the API answers 429 and retries were
// exhausted. RetryAfter carries the server's requested delay, if any.
type RateLimitError struct {
	RetryAfter time.Duration
	Body       string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rest: rate limited (retry after %s): %s", e.RetryAfter, e.Body)
	}
	return fmt.Sprintf("rest: rate limited: %s", e.Body)
}

// ParseRetryAfter reads a Retry-After header as integer seconds or an
// HTTP-date. Returns zero when unparseable or already past.
func ParseRetryAfter(val string) time.Duration {
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(val); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(val); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Config defines the API endpoint and retry policy.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// MaxRetries bounds additional attempts after a 429.
	MaxRetries int
	// RetryBaseDelay is used when the server gives no Retry-After.
	RetryBaseDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("%w: missing base url", ErrInvalidConfig)
	}
	return nil
}

// Client issues authenticated API calls.
type Client struct {
	cfg        Config
	token      string
	httpClient *http.Client
}

// New builds a client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	token, err := auth.NormalizeToken(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, token: token, httpClient: httpClient}, nil
}

// SessionStartLimit reports how many new sessions the account may open.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfterMS   int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

// GatewayBot is the connection bootstrap response.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// GatewayBot fetches the gateway URL and recommended shard count.
func (c *Client) GatewayBot(ctx context.Context) (GatewayBot, error) {
	var out GatewayBot
	if err := c.getJSON(ctx, "/gateway/bot", &out); err != nil {
		return GatewayBot{}, err
	}
	if strings.TrimSpace(out.URL) == "" || out.Shards <= 0 {
		return GatewayBot{}, fmt.Errorf("%w: malformed gateway bootstrap response", ErrUnexpectedStatus)
	}
	return out, nil
}

// RecommendedShards satisfies the cluster's shard count source.
func (c *Client) RecommendedShards(ctx context.Context) (int, error) {
	info, err := c.GatewayBot(ctx)
	if err != nil {
		return 0, err
	}
	return info.Shards, nil
}

// getJSON issues a GET, retrying on 429 with the server's requested delay.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		err := c.doGetJSON(ctx, path, out)
		var limited *RateLimitError
		if !errors.As(err, &limited) {
			return err
		}
		lastErr = err
		if attempt == c.cfg.MaxRetries {
			break
		}

		delay := limited.RetryAfter
		if delay <= 0 {
			delay = c.cfg.RetryBaseDelay
		}
		log.Warn().
			Str("path", path).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("rate limited; backing off")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (c *Client) doGetJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.cfg.BaseURL, "/")+path, nil)
	if err != nil {
		return fmt.Errorf("rest: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rest: %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("rest: read %s response: %w", path, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("rest: decode %s response: %w", path, err)
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
			Body:       strings.TrimSpace(string(body)),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s: status %d", auth.ErrUnauthorized, path, resp.StatusCode)
	default:
		return fmt.Errorf("%w: %s: status %d: %s", ErrUnexpectedStatus, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
