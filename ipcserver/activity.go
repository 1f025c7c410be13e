package ipcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sparklost/endcord-rpc/restclient"
)

// normalizeActivity turns a raw SET_ACTIVITY payload into the shape the
// gateway's presence update expects: asset names resolved to platform
// asset IDs or external "mp:" paths, timestamps rescaled to milliseconds,
// buttons split into parallel label/url arrays, and the fields the client
// is not allowed to set itself (application_id, name, flags) filled in.
func (s *Server) normalizeActivity(ctx context.Context, appID, appName string, rpcAssets []restclient.RPCAsset, activity map[string]any) map[string]any {
	out := make(map[string]any, len(activity)+4)
	for k, v := range activity {
		out[k] = v
	}

	activityType := 0
	if t, ok := out["type"].(float64); ok {
		activityType = int(t)
	}

	out["application_id"] = appID
	out["name"] = appName
	out["assets"] = s.resolveAssets(ctx, appID, rpcAssets, activity)

	if timestamps, ok := out["timestamps"].(map[string]any); ok {
		scaled := make(map[string]any, len(timestamps))
		for k, v := range timestamps {
			scaled[k] = v
		}
		if start, ok := scaled["start"].(float64); ok {
			scaled["start"] = start * 1000
		}
		if end, ok := scaled["end"].(float64); ok {
			scaled["end"] = end * 1000
		}
		out["timestamps"] = scaled
	}

	if rawButtons, ok := out["buttons"].([]any); ok {
		labels := make([]any, 0, len(rawButtons))
		urls := make([]any, 0, len(rawButtons))
		for _, b := range rawButtons {
			button, _ := b.(map[string]any)
			labels = append(labels, button["label"])
			urls = append(urls, button["url"])
		}
		out["buttons"] = labels
		out["metadata"] = map[string]any{"button_urls": urls}
	}

	if activityType == 2 {
		delete(out, "flags")
	}
	out["flags"] = 1
	out["type"] = activityType
	delete(out, "instance")

	return out
}

func (s *Server) resolveAssets(ctx context.Context, appID string, rpcAssets []restclient.RPCAsset, activity map[string]any) map[string]any {
	resolved := map[string]any{}
	rawAssets, ok := activity["assets"].(map[string]any)
	if !ok {
		return resolved
	}

	for client, v := range rawAssets {
		value, _ := v.(string)
		switch {
		case strings.HasPrefix(value, "https://"):
			if s.external {
				if path := s.resolveExternalAsset(ctx, appID, value); path != "" {
					resolved[client] = path
				}
			}
			if len(rawAssets) > 1 {
				time.Sleep(externalAssetDelay)
			}

		case strings.Contains(client, "image"):
			for _, asset := range rpcAssets {
				if value == asset.Name {
					resolved[client] = asset.ID
					break
				}
			}

		case assetWhitelist[client]:
			resolved[client] = value
		}
	}
	return resolved
}

// resolveExternalAsset maps an externally-hosted image URL to a
// platform-hosted "mp:" proxy path, retrying a handful of times when the
// platform rate-limits the lookup.
func (s *Server) resolveExternalAsset(ctx context.Context, appID, url string) string {
	for attempt := 0; attempt < 5; attempt++ {
		assets, err := s.rest.GetRPCAppExternal(ctx, appID, url)
		if err != nil {
			var rateLimit *restclient.RateLimitError
			if errors.As(err, &rateLimit) {
				time.Sleep(rateLimit.RetryAfter + 200*time.Millisecond)
				continue
			}
			return ""
		}
		if len(assets) == 0 {
			return ""
		}
		return "mp:" + assets[0].ExternalAssetPath
	}
	return ""
}
