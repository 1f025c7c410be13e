package gateway

import (
	"context"
	"strings"
)

// authenticate sends the identify (op 2) payload. Bot tokens carry
// intents instead of capabilities; both fields default to the platform's
// published values when the caller did not override them.
func (c *Client) authenticate(ctx context.Context) error {
	isBot := strings.HasPrefix(c.cfg.Token, "Bot")

	d := map[string]any{
		"token":      c.cfg.Token,
		"properties": c.cfg.Properties,
		"presence": map[string]any{
			"activities": []any{},
			"status":     "online",
			"since":      nil,
			"afk":        false,
		},
	}

	if isBot {
		intents := defaultIntents
		if c.cfg.Intents != nil {
			intents = *c.cfg.Intents
		}
		d["intents"] = intents
	} else {
		capabilities := defaultCapabilities
		if c.cfg.Capabilities != nil {
			capabilities = *c.cfg.Capabilities
		}
		d["capabilities"] = capabilities
	}

	return c.send(ctx, map[string]any{"op": 2, "d": d})
}
