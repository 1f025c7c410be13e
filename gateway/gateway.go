// Package gateway maintains a persistent session with the platform's
// real-time gateway: connect, heartbeat, decompress, dispatch, and
// transparently resume or reconnect when the connection drops.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/sparklost/endcord-rpc/restclient"
)

// State is the gateway session's coarse lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateReconnecting
)

const (
	defaultCapabilities uint32 = 30717
	defaultIntents      uint32 = 50364033
)

// Config configures a Client. Token and Properties are required;
// everything else has a working default.
type Config struct {
	Token string

	// Host is the configured custom host, used only for the "spacebar"
	// legacy-host sniff when LegacyHost is nil. The gateway URL itself comes
	// from the REST client's gateway lookup.
	Host string

	UserAgent string

	// Properties is the identify payload's "properties" object. It must
	// also carry "client_launch_id" and "client_heartbeat_session_id" for
	// the time-spent event; the clientprops package produces both.
	Properties map[string]any

	Proxy *url.URL

	// LegacyHost forces (or suppresses) legacy-host behavior instead of
	// relying on the "spacebar" substring sniff against Host.
	LegacyHost *bool

	// Capabilities and Intents override the defaults; the one matching the
	// token type (bot tokens use Intents, user tokens use Capabilities) is
	// used, the other is ignored.
	Capabilities *uint32
	Intents      *uint32

	// SettingsDecoder decodes the base64-decoded PreloadedUserSettings
	// protobuf bytes carried in READY and USER_SETTINGS_PROTO_UPDATE.
	SettingsDecoder restclient.SettingsDecoder

	Logger *slog.Logger
}

// Client is a single gateway session. Create one with New and call
// Connect; all other methods are safe to call concurrently.
type Client struct {
	cfg    Config
	rest   *restclient.Client
	logger *slog.Logger
	legacy bool

	mu         sync.Mutex
	gatewayURL string
	conn       connection
	inflate    *inflatePipeline

	sequence      int64
	sequenceSet   bool
	heartbeatMS   int64
	heartbeatOK   bool
	resumeURL     string
	sessionID     string
	ready         bool
	resumable     bool
	initTimeMS    int64

	myStatus      map[string]any
	statusChanged bool
	settings      map[string]any
	protoChanged  bool
	myUser        map[string]any
	userChanged   bool
	tokenUpdate   *string
	fatalErr      error

	state atomic.Int32

	closed             atomic.Bool
	reconnectRequested atomic.Bool
	reconnecting       atomic.Bool
	receiverRunning    atomic.Bool
	heartbeatRunning   atomic.Bool

	guardDone chan struct{}
}

// New returns a Client that has not yet connected.
func New(rest *restclient.Client, cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	legacy := false
	if cfg.LegacyHost != nil {
		legacy = *cfg.LegacyHost
	} else {
		legacy = strings.Contains(cfg.Host, "spacebar")
	}

	return &Client{
		cfg:    cfg,
		rest:   rest,
		logger: logger,
		legacy: legacy,
	}
}

func (c *Client) gatewayBaseURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gatewayURL
}

func (c *Client) getResumeGatewayURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeURL
}

func (c *Client) getInflate() *inflatePipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflate
}

// Connect performs the initial handshake: fetch the gateway URL, dial,
// read hello, start the receiver/heartbeat/guard tasks, and identify.
func (c *Client) Connect(ctx context.Context) error {
	gatewayURL, err := c.rest.GetGatewayURL(ctx)
	if err != nil {
		return fmt.Errorf("get gateway url: %w", err)
	}
	c.mu.Lock()
	c.gatewayURL = gatewayURL
	c.initTimeMS = time.Now().UnixMilli()
	c.mu.Unlock()

	conn, err := c.dialGateway(ctx, false)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.inflate = newInflatePipeline()
	c.mu.Unlock()
	c.state.Store(int32(StateConnected))

	if err := c.readHello(ctx, conn); err != nil {
		return err
	}

	c.guardDone = make(chan struct{})
	go c.guard()

	c.startReceiver(conn)
	c.startHeartbeat()

	return c.authenticate(ctx)
}

func (c *Client) readHello(ctx context.Context, conn connection) error {
	frame, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	raw, ok, err := c.getInflate().feedFrame(frame)
	if err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}
	if !ok {
		return fmt.Errorf("hello frame was not a complete flush point")
	}
	return c.applyHello(raw)
}

func (c *Client) applyHello(raw json.RawMessage) error {
	var env struct {
		D struct {
			HeartbeatInterval int64 `json:"heartbeat_interval"`
		} `json:"d"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("unmarshal hello: %w", err)
	}
	c.mu.Lock()
	c.heartbeatMS = env.D.HeartbeatInterval
	c.mu.Unlock()
	return nil
}

func (c *Client) send(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	if err := conn.Write(ctx, data); err != nil {
		c.reconnectRequested.Store(true)
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// GetState returns the session's current lifecycle state.
func (c *Client) GetState() State {
	return State(c.state.Load())
}

// GetReady reports whether the READY dispatch has been fully processed.
func (c *Client) GetReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// SessionID returns the current gateway session id, used to correlate
// activity-session updates with this connection. Empty before the first
// READY dispatch.
func (c *Client) SessionID() string {
	return c.getSessionID()
}

// GetError returns a fatal error surfaced by the session (for example an
// invalid-session close code), or nil while the session is still viable.
// Once set it never clears; the caller is expected to exit.
func (c *Client) GetError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr
}

func (c *Client) setFatalError(err error) {
	c.mu.Lock()
	c.fatalErr = err
	c.mu.Unlock()
}

// UpdatePresence sends an opcode-3 presence update. It is a no-op on
// legacy hosts, which reject the event outright.
func (c *Client) UpdatePresence(ctx context.Context, status string, customStatus, customStatusEmoji *string, activities []map[string]any, afk bool) error {
	if c.legacy {
		return nil
	}

	all := make([]map[string]any, 0, len(activities)+1)
	if customStatus != nil {
		entry := map[string]any{
			"name":  "Custom Status",
			"type":  4,
			"state": *customStatus,
		}
		if customStatusEmoji != nil {
			entry["emoji"] = *customStatusEmoji
		}
		all = append(all, entry)
	}
	all = append(all, activities...)

	return c.send(ctx, map[string]any{
		"op": 3,
		"d": map[string]any{
			"status":     status,
			"afk":        afk,
			"since":      0,
			"activities": all,
		},
	})
}

// SetOffline triggers a reconnect, the cheapest way to reset transient
// presence state from the session's perspective.
func (c *Client) SetOffline() {
	c.reconnectRequested.Store(true)
}

// GetMyStatus returns the most recent activity snapshot exactly once,
// then nil until the next change.
func (c *Client) GetMyStatus() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.statusChanged {
		return nil
	}
	c.statusChanged = false
	return c.myStatus
}

// GetSettingsProto returns the decoded settings snapshot exactly once
// after a change, then nil.
func (c *Client) GetSettingsProto() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.protoChanged {
		return nil
	}
	c.protoChanged = false
	return c.settings
}

// GetMyUserData returns the most recent identity snapshot exactly once
// after a change, then nil.
func (c *Client) GetMyUserData() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.userChanged {
		return nil
	}
	c.userChanged = false
	return c.myUser
}

// GetTokenUpdate returns a refreshed token if the platform issued one,
// then nil until the next one arrives.
func (c *Client) GetTokenUpdate() *string {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tokenUpdate
	c.tokenUpdate = nil
	return t
}

// DisconnectWS closes the session permanently; no further reconnects are
// attempted.
func (c *Client) DisconnectWS(status int, reason string) {
	c.closed.Store(true)
	if c.guardDone != nil {
		close(c.guardDone)
	}

	c.mu.Lock()
	conn := c.conn
	inflate := c.inflate
	c.mu.Unlock()

	if conn != nil {
		conn.CloseNow()
	}
	if inflate != nil {
		inflate.close()
	}
	c.logger.Info("disconnected", "status", status, "reason", reason)
}
