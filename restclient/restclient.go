// Package restclient performs single-shot HTTPS requests against the
// platform's REST surface: gateway URL discovery, settings-proto fetches,
// RPC application metadata, activity-session updates, and the detectable
// applications download. Every call goes through one *http.Client built by
// netdial, the same proxy/timeout rules the gateway package also follows.
package restclient

import (
	"bytes"
	"context"
	"encoding/base64"
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

	"github.com/sparklost/endcord-rpc/netdial"
)

const defaultHost = "discord.com"

// Sentinel errors a caller distinguishes with errors.Is/errors.As, mirroring
// the three-way result contract (retryable transport failure vs. an
// authoritative rejection vs. a rate limit).
var (
	// ErrTransport marks a network-level failure (DNS, timeout, reset):
	// retryable, the caller usually just skips this tick.
	ErrTransport = errors.New("restclient: transport failure")
	// ErrRejected marks a non-2xx response that isn't a recognized sentinel
	// status (304, 429): an authoritative rejection, not retryable as-is.
	ErrRejected = errors.New("restclient: request rejected")
	// ErrNotModified names a 304 on a conditional catalog fetch. No call in
	// this package returns it: FetchDetectableApps reports a 304 through
	// its notModified result instead.
	ErrNotModified = errors.New("restclient: not modified")
)

// RateLimitError carries the server's requested backoff for a 429 response.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("restclient: rate limited, retry after %s", e.RetryAfter)
}

// SettingsDecoder turns a raw (already base64-decoded) protobuf settings
// blob into the structured tree the orchestrator reads. It is supplied by
// the caller: neither restclient nor gateway parses the protobuf wire
// format itself.
type SettingsDecoder func(raw []byte, num int) (map[string]any, error)

// Client is a REST sidecar to the gateway session, one per process.
type Client struct {
	host       string
	header     http.Header
	httpClient *http.Client
	logger     *slog.Logger

	mu            sync.Mutex
	activityToken string
	protoCache    [2]map[string]any
}

type config struct {
	host             string
	token            string
	clientProperties string
	userAgent        string
	proxy            *url.URL
	httpClient       *http.Client
	logger           *slog.Logger
	timeout          time.Duration
}

// Option configures a Client.
type Option func(*config)

// WithHost overrides the default discord.com host (custom/self-hosted servers).
func WithHost(host string) Option {
	return func(c *config) { c.host = host }
}

// WithProxy routes requests through the given proxy URL (http or socks5).
func WithProxy(proxy *url.URL) Option {
	return func(c *config) { c.proxy = proxy }
}

// WithHTTPClient overrides the underlying *http.Client entirely, bypassing proxy setup.
func WithHTTPClient(h *http.Client) Option {
	return func(c *config) { c.httpClient = h }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithUserAgent sets the browser/desktop user agent string.
func WithUserAgent(ua string) Option {
	return func(c *config) { c.userAgent = ua }
}

// WithClientProperties sets the base64-encoded client fingerprint sent as
// X-Super-Properties (non-bot tokens only).
func WithClientProperties(encoded string) Option {
	return func(c *config) { c.clientProperties = encoded }
}

// WithTimeout overrides the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New creates a REST client for the given bearer token ("Bot ..." prefix
// preserved verbatim for bot accounts).
func New(token string, opts ...Option) (*Client, error) {
	cfg := config{
		host:    defaultHost,
		token:   token,
		timeout: 10 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		var err error
		httpClient, err = netdial.NewHTTPClient(cfg.proxy, cfg.timeout)
		if err != nil {
			return nil, fmt.Errorf("build http client: %w", err)
		}
	}

	header := http.Header{
		"Accept":          {"*/*"},
		"Authorization":   {token},
		"Content-Type":    {"application/json"},
		"Priority":        {"u=1"},
		"Sec-Fetch-Dest":  {"empty"},
		"Sec-Fetch-Mode":  {"cors"},
		"Sec-Fetch-Site":  {"cross-site"},
	}
	isBot := strings.HasPrefix(token, "Bot")
	if !isBot {
		if cfg.userAgent != "" {
			header.Set("User-Agent", cfg.userAgent)
		}
		if cfg.clientProperties != "" {
			header.Set("X-Super-Properties", cfg.clientProperties)
		}
	}

	return &Client{
		host:       cfg.host,
		header:     header,
		httpClient: httpClient,
		logger:     cfg.logger,
	}, nil
}

func (c *Client) url(path string) string {
	return fmt.Sprintf("https://%s%s", c.host, path)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte, extraHeader http.Header) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	for k, v := range extraHeader {
		req.Header[k] = v
	}
	return req, nil
}

// do executes req and reads the whole body. Transport and body-read
// failures wrap ErrTransport; any HTTP status comes back with a nil error,
// and each caller maps non-success statuses to ErrRejected or
// *RateLimitError itself.
func (c *Client) do(req *http.Request) (status int, header http.Header, body []byte, err error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, errors.Join(ErrTransport, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read body: %w", errors.Join(ErrTransport, err))
	}
	return resp.StatusCode, resp.Header, data, nil
}

// GetGatewayURL fetches the wss:// URL to connect to for this host.
func (c *Client) GetGatewayURL(ctx context.Context) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v9/gateway", nil, nil)
	if err != nil {
		return "", err
	}
	status, _, body, err := c.do(req)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		c.logger.Error("failed to get gateway url", "status", status)
		return "", fmt.Errorf("get gateway url: status %d: %w", status, ErrRejected)
	}
	var parsed struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode gateway url response: %w", err)
	}
	return parsed.URL, nil
}

// GetSettingsProto fetches and caches account settings. num=1 is general
// user settings, num=2 is frecency/favorites storage. The first successful
// decode is cached for the process lifetime; callers needing a fresh value
// use the gateway's own settings stream instead.
func (c *Client) GetSettingsProto(ctx context.Context, num int, decode SettingsDecoder) (map[string]any, error) {
	if num != 1 && num != 2 {
		return map[string]any{}, nil
	}

	c.mu.Lock()
	if cached := c.protoCache[num-1]; cached != nil {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v9/users/@me/settings-proto/%d", num), nil, nil)
	if err != nil {
		return nil, err
	}
	status, _, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		c.logger.Error("failed to fetch settings", "status", status)
		return nil, fmt.Errorf("get settings proto %d: status %d: %w", num, status, ErrRejected)
	}

	var parsed struct {
		Settings string `json:"settings"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode settings response: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(parsed.Settings)
	if err != nil {
		return nil, fmt.Errorf("base64 decode settings: %w", err)
	}

	decoded, err := decode(raw, num)
	if err != nil {
		return nil, fmt.Errorf("decode settings proto %d: %w", num, err)
	}

	c.mu.Lock()
	c.protoCache[num-1] = decoded
	c.mu.Unlock()
	return decoded, nil
}
