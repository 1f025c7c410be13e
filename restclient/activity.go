package restclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type updateActivitySessionRequest struct {
	Token           *string `json:"token"`
	ApplicationID   string  `json:"application_id"`
	ShareActivity   bool    `json:"share_activity"`
	ExePath         string  `json:"exePath"`
	VoiceChannelID  *string `json:"voice_channel_id"`
	SessionID       string  `json:"session_id"`
	MediaSessionID  *string `json:"media_session_id"`
	Closed          bool    `json:"closed"`
}

// SendUpdateActivitySession notifies the platform that a detected-game
// activity session started, continued, or closed. The first successful
// response's token is cached and echoed on every subsequent call.
func (c *Client) SendUpdateActivitySession(ctx context.Context, appID, exePath string, closed bool, sessionID string, mediaSessionID, voiceChannelID *string) (string, error) {
	c.mu.Lock()
	var token *string
	if c.activityToken != "" {
		token = &c.activityToken
	}
	c.mu.Unlock()

	payload, err := json.Marshal(updateActivitySessionRequest{
		Token:          token,
		ApplicationID:  appID,
		ShareActivity:  true,
		ExePath:        exePath,
		VoiceChannelID: voiceChannelID,
		SessionID:      sessionID,
		MediaSessionID: mediaSessionID,
		Closed:         closed,
	})
	if err != nil {
		return "", fmt.Errorf("marshal activity session request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v9/activities", payload, nil)
	if err != nil {
		return "", err
	}
	status, _, body, err := c.do(req)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		c.logger.Error("failed to update activity session", "status", status)
		return "", fmt.Errorf("update activity session: status %d: %w", status, ErrRejected)
	}

	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode activity session response: %w", err)
	}

	c.mu.Lock()
	c.activityToken = parsed.Token
	c.mu.Unlock()
	return parsed.Token, nil
}
