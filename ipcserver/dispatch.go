package ipcserver

// buildDispatch projects a gateway identity snapshot (shaped like
// gateway.Client.GetMyUserData's return value) into the READY dispatch every
// newly connected RPC client receives first.
func buildDispatch(user map[string]any) map[string]any {
	extra, _ := user["extra"].(map[string]any)
	if extra == nil {
		extra = map[string]any{}
	}
	return map[string]any{
		"cmd": "DISPATCH",
		"data": map[string]any{
			"v": 1,
			"config": map[string]any{
				"cdn_host":     "cdn.discordapp.com",
				"api_endpoint": "//discord.com/api",
				"environment":  "production",
			},
			"user": map[string]any{
				"id":                     user["id"],
				"username":               user["username"],
				"discriminator":          extra["discriminator"],
				"global_name":            user["global_name"],
				"avatar":                 extra["avatar"],
				"avatar_decoration_data": extra["avatar_decoration_data"],
				"bot":                    false,
				"flags":                  32,
				"premium_type":           extra["premium_type"],
			},
		},
		"evt":   "READY",
		"nonce": nil,
	}
}
