package restclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// RPCApp describes an application registered for rich presence.
type RPCApp struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// RPCAsset is one named image asset an application has uploaded.
type RPCAsset struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ExternalAsset is a resolved external (https://) image, mapped to a
// platform-hosted proxy path.
type ExternalAsset struct {
	ExternalAssetPath string `json:"external_asset_path"`
}

// GetRPCApp fetches name/description for an RPC application.
func (c *Client) GetRPCApp(ctx context.Context, appID string) (*RPCApp, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v9/oauth2/applications/%s/rpc", appID), nil, nil)
	if err != nil {
		return nil, err
	}
	status, _, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		c.logger.Error("failed to fetch application rpc data", "status", status)
		return nil, fmt.Errorf("get rpc app %s: status %d: %w", appID, status, ErrRejected)
	}

	var app RPCApp
	if err := json.Unmarshal(body, &app); err != nil {
		return nil, fmt.Errorf("decode rpc app response: %w", err)
	}
	return &app, nil
}

// GetRPCAppAssets fetches the list of image assets an application has uploaded.
func (c *Client) GetRPCAppAssets(ctx context.Context, appID string) ([]RPCAsset, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v9/oauth2/applications/%s/assets", appID), nil, nil)
	if err != nil {
		return nil, err
	}
	status, _, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		c.logger.Error("failed to fetch application assets", "status", status)
		return nil, fmt.Errorf("get rpc app assets %s: status %d: %w", appID, status, ErrRejected)
	}

	var assets []RPCAsset
	if err := json.Unmarshal(body, &assets); err != nil {
		return nil, fmt.Errorf("decode rpc app assets response: %w", err)
	}
	return assets, nil
}

// GetRPCAppExternal resolves an external (https://) image URL into a
// platform-hosted "mp:" asset path. A *RateLimitError is returned on 429;
// callers retry after the carried duration.
func (c *Client) GetRPCAppExternal(ctx context.Context, appID, assetURL string) ([]ExternalAsset, error) {
	payload, err := json.Marshal(map[string][]string{"urls": {assetURL}})
	if err != nil {
		return nil, fmt.Errorf("marshal external asset request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/api/v9/applications/%s/external-assets", appID), payload, nil)
	if err != nil {
		return nil, err
	}
	status, _, body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
		var assets []ExternalAsset
		if err := json.Unmarshal(body, &assets); err != nil {
			return nil, fmt.Errorf("decode external asset response: %w", err)
		}
		return assets, nil

	case http.StatusTooManyRequests:
		var parsed struct {
			RetryAfter json.Number `json:"retry_after"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("decode rate limit response: %w", err)
		}
		seconds, err := strconv.ParseFloat(parsed.RetryAfter.String(), 64)
		if err != nil {
			return nil, fmt.Errorf("parse retry_after: %w", err)
		}
		c.logger.Error("failed to fetch external asset, rate limited", "retry_after", seconds)
		return nil, &RateLimitError{RetryAfter: time.Duration(seconds * float64(time.Second))}

	default:
		c.logger.Error("failed to fetch application external assets", "status", status)
		return nil, fmt.Errorf("get rpc app external %s: status %d: %w", appID, status, ErrRejected)
	}
}
