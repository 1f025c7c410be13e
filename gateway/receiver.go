package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
)

type envelope struct {
	Op int             `json:"op"`
	S  *int64          `json:"s"`
	T  *string         `json:"t"`
	D  json.RawMessage `json:"d"`
}

func (c *Client) startReceiver(conn connection) {
	c.receiverRunning.Store(true)
	go func() {
		defer c.receiverRunning.Store(false)
		c.receiveLoop(conn)
	}()
}

// receiveLoop reads and dispatches frames until the connection closes or a
// resumable condition is hit, then requests a reconnect and returns.
func (c *Client) receiveLoop(conn connection) {
	c.mu.Lock()
	c.resumable = false
	c.mu.Unlock()

	for {
		if c.closed.Load() {
			return
		}

		frame, err := conn.Read(context.Background())
		if err != nil {
			if !c.closed.Load() {
				code := websocket.CloseStatus(err)
				switch code {
				case 4004:
					// Invalid session / authentication failure: terminal,
					// no reconnect is attempted.
					c.logger.Error("gateway rejected session, stopping", "status", code)
					c.setFatalError(fmt.Errorf("gateway closed connection with status %d", code))
					return
				case 1000, 1001:
					c.logger.Info("gateway connection closed", "status", code)
				case -1:
					if !errors.Is(err, context.Canceled) {
						c.logger.Error("read error", "err", err)
					}
				default:
					c.logger.Warn("gateway connection closed", "status", code)
				}
				c.mu.Lock()
				c.resumable = code == 4000 || code == 4009
				c.mu.Unlock()
				c.reconnectRequested.Store(true)
			}
			return
		}

		raw, ok, err := c.getInflate().feedFrame(frame)
		if err != nil {
			c.logger.Warn("receiver decode error", "err", err)
			c.mu.Lock()
			c.resumable = true
			c.mu.Unlock()
			c.reconnectRequested.Store(true)
			return
		}
		if !ok {
			// Not a complete flush point; matches the platform's own
			// decompressor, which leaves such frames unparsed.
			continue
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		if c.dispatch(env) {
			return
		}
	}
}

// dispatch handles one decoded frame. It returns true when the receive
// loop should stop (a reconnect has been requested).
func (c *Client) dispatch(env envelope) bool {
	switch env.Op {
	case 11:
		c.mu.Lock()
		c.heartbeatOK = true
		c.mu.Unlock()

	case 10:
		c.applyHello(env.D)

	case 1:
		c.send(context.Background(), map[string]any{"op": 1, "d": c.getSequence()})

	case 0:
		if env.S != nil {
			c.mu.Lock()
			c.sequence = *env.S
			c.sequenceSet = true
			c.mu.Unlock()
		}
		if env.T != nil {
			c.dispatchEvent(*env.T, env.D)
		}

	case 7:
		c.logger.Info("host requested reconnect")
		c.mu.Lock()
		c.resumable = true
		c.mu.Unlock()
		c.reconnectRequested.Store(true)
		return true

	case 9:
		var invalidatable bool
		json.Unmarshal(env.D, &invalidatable)
		c.logger.Info("session invalidated, reconnecting", "resumable", invalidatable)
		c.mu.Lock()
		c.resumable = invalidatable
		c.mu.Unlock()
		c.reconnectRequested.Store(true)
		return true
	}
	return false
}

func (c *Client) dispatchEvent(t string, d json.RawMessage) {
	switch t {
	case "READY":
		c.handleReady(d)
	case "SESSIONS_REPLACE":
		c.handleSessionsReplace(d)
	case "USER_SETTINGS_PROTO_UPDATE":
		c.handleSettingsProtoUpdate(d)
	case "USER_UPDATE":
		var user map[string]any
		if err := json.Unmarshal(d, &user); err == nil {
			c.setMyUserData(user)
		}
	}
}

func (c *Client) handleReady(d json.RawMessage) {
	var ready struct {
		ResumeGatewayURL  string         `json:"resume_gateway_url"`
		SessionID         string         `json:"session_id"`
		AuthToken         *string        `json:"auth_token"`
		User              map[string]any `json:"user"`
		UserSettingsProto *string        `json:"user_settings_proto"`
		UserSettings      map[string]any `json:"user_settings"`
	}
	if err := json.Unmarshal(d, &ready); err != nil {
		c.logger.Error("unmarshal READY", "err", err)
		return
	}

	c.mu.Lock()
	c.resumeURL = ready.ResumeGatewayURL
	c.sessionID = ready.SessionID
	c.ready = false
	c.myStatus = map[string]any{}
	c.mu.Unlock()

	if ready.User != nil {
		c.setMyUserData(ready.User)
	}
	if ready.AuthToken != nil {
		c.mu.Lock()
		c.tokenUpdate = ready.AuthToken
		c.mu.Unlock()
	}

	if ready.UserSettingsProto != nil && !c.legacy {
		c.decodeSettingsProto(*ready.UserSettingsProto)
	} else {
		c.mu.Lock()
		c.legacy = true
		c.mu.Unlock()
		c.synthesizeLegacySettings(ready.UserSettings)
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
}

func (c *Client) synthesizeLegacySettings(old map[string]any) {
	if old == nil {
		old = map[string]any{}
	}
	status, _ := old["status"].(string)
	if status == "" {
		status = "online"
	}
	settings := make(map[string]any, len(old)+1)
	for k, v := range old {
		settings[k] = v
	}
	settings["status"] = map[string]any{
		"status": status,
		"guildFolders": map[string]any{
			"guildPositions": old["guild_positions"],
		},
	}
	if custom, ok := old["custom_status"]; ok {
		if statusMap, ok := settings["status"].(map[string]any); ok {
			statusMap["customStatus"] = custom
		}
	}

	c.mu.Lock()
	c.settings = settings
	c.protoChanged = true
	c.mu.Unlock()
}

func (c *Client) decodeSettingsProto(b64 string) {
	if c.cfg.SettingsDecoder == nil {
		return
	}
	raw, err := decodeBase64(b64)
	if err != nil {
		c.logger.Error("decode user_settings_proto", "err", err)
		return
	}
	settings, err := c.cfg.SettingsDecoder(raw, 1)
	if err != nil {
		c.logger.Error("parse user_settings_proto", "err", err)
		return
	}
	c.mu.Lock()
	c.settings = settings
	c.protoChanged = true
	c.mu.Unlock()
}

func (c *Client) handleSessionsReplace(d json.RawMessage) {
	var sessions []struct {
		Activities []struct {
			Type    int            `json:"type"`
			Name    string         `json:"name"`
			State   string         `json:"state"`
			Details string         `json:"details"`
			Assets  map[string]any `json:"assets"`
		} `json:"activities"`
	}
	if err := json.Unmarshal(d, &sessions); err != nil || len(sessions) == 0 {
		return
	}

	activities := make([]map[string]any, 0, len(sessions[0].Activities))
	for _, a := range sessions[0].Activities {
		if a.Type != 0 && a.Type != 2 {
			continue
		}
		var smallText, largeText any
		if a.Assets != nil {
			smallText = a.Assets["small_text"]
			largeText = a.Assets["large_text"]
		}
		activities = append(activities, map[string]any{
			"type":       a.Type,
			"name":       a.Name,
			"state":      a.State,
			"details":    a.Details,
			"small_text": smallText,
			"large_text": largeText,
		})
	}

	c.mu.Lock()
	c.myStatus = map[string]any{"activities": activities}
	c.statusChanged = true
	c.mu.Unlock()
}

func (c *Client) handleSettingsProtoUpdate(d json.RawMessage) {
	var update struct {
		Partial  bool `json:"partial"`
		Settings struct {
			Type  int    `json:"type"`
			Proto string `json:"proto"`
		} `json:"settings"`
	}
	if err := json.Unmarshal(d, &update); err != nil {
		return
	}
	if update.Partial || update.Settings.Type != 1 {
		return
	}
	c.decodeSettingsProto(update.Settings.Proto)
}

// setMyUserData projects a raw user object into the identity snapshot
// surfaced by GetMyUserData. Bot accounts carry no extra profile fields.
func (c *Client) setMyUserData(data map[string]any) {
	var tag any
	if guild, ok := data["primary_guild"].(map[string]any); ok {
		tag = guild["tag"]
	}

	isBot, _ := data["bot"].(bool)
	var extra any
	if !isBot {
		extra = map[string]any{
			"avatar":                 data["avatar"],
			"avatar_decoration_data": data["avatar_decoration_data"],
			"discriminator":          data["discriminator"],
			"flags":                  data["flags"],
			"premium_type":           data["premium_type"],
		}
	}

	c.mu.Lock()
	c.myUser = map[string]any{
		"id":         data["id"],
		"guild_id":   nil,
		"username":   data["username"],
		"global_name": data["global_name"],
		"nick":       nil,
		"bio":        data["bio"],
		"pronouns":   data["pronouns"],
		"joined_at":  nil,
		"tag":        tag,
		"bot":        data["bot"],
		"extra":      extra,
		"roles":      nil,
	}
	c.userChanged = true
	c.mu.Unlock()
}

func (c *Client) getSequence() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sequenceSet {
		return nil
	}
	return c.sequence
}
