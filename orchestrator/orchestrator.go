// Package orchestrator wires every other package into the single running
// process: it builds the client fingerprint, connects the gateway and REST
// sidecar, starts the local rich-presence listener and game-detection
// poller, and runs the polling loop that merges all three activity sources
// into one outgoing presence update.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/sparklost/endcord-rpc/catalog"
	"github.com/sparklost/endcord-rpc/clientprops"
	"github.com/sparklost/endcord-rpc/config"
	"github.com/sparklost/endcord-rpc/gamedetect"
	"github.com/sparklost/endcord-rpc/gateway"
	"github.com/sparklost/endcord-rpc/ipcserver"
	"github.com/sparklost/endcord-rpc/netdial"
	"github.com/sparklost/endcord-rpc/procscan"
	"github.com/sparklost/endcord-rpc/restclient"
)

const pollInterval = 100 * time.Millisecond

// App is one fully wired running instance: gateway session, RPC server,
// and game-detection poller, tied together by the merge loop in Run.
type App struct {
	cfg    config.Config
	store  *config.Store
	logger *slog.Logger

	rest      *restclient.Client
	gw        *gateway.Client
	rpcServer *ipcserver.Server
	detector  *gamedetect.Detector
	decoder   restclient.SettingsDecoder

	myStatus map[string]any
}

// New builds the REST client, the gateway client and, when game detection
// is enabled, refreshes the detectable-applications catalog over REST and
// builds the game-detection poller. It does not connect the gateway or
// start anything; Run does that and also builds the RPC server.
func New(ctx context.Context, store *config.Store, configDir string, decoder restclient.SettingsDecoder, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := store.Get()
	if cfg.Token == "" {
		return nil, fmt.Errorf("token not specified in config: %s", store.Path())
	}

	clientProp := buildClientProperties(cfg)
	clientPropGateway := clientprops.ForGateway(clientProp)
	userAgent := clientprops.UserAgent(clientProp)

	encodedProps, err := clientprops.Encode(clientProp)
	if err != nil {
		return nil, fmt.Errorf("encode client properties: %w", err)
	}

	var restOpts []restclient.Option
	restOpts = append(restOpts, restclient.WithUserAgent(userAgent), restclient.WithClientProperties(encodedProps), restclient.WithLogger(logger))
	host := ""
	if cfg.CustomHost != nil {
		host = *cfg.CustomHost
		restOpts = append(restOpts, restclient.WithHost(host))
	}

	proxy, err := parseProxy(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	if proxy != nil {
		restOpts = append(restOpts, restclient.WithProxy(proxy))
	}

	rest, err := restclient.New(cfg.Token, restOpts...)
	if err != nil {
		return nil, fmt.Errorf("build rest client: %w", err)
	}

	gw := gateway.New(rest, gateway.Config{
		Token:           cfg.Token,
		Host:            host,
		UserAgent:       userAgent,
		Properties:      clientPropGateway,
		Proxy:           proxy,
		SettingsDecoder: decoder,
		Logger:          logger,
	})

	app := &App{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		rest:    rest,
		gw:      gw,
		decoder: decoder,
		myStatus: map[string]any{
			"status":              "online",
			"custom_status":       nil,
			"custom_status_emoji": nil,
			"activities":          []map[string]any{},
		},
	}

	if cfg.GameDetection {
		scanner, err := procscan.New()
		if err != nil {
			return nil, fmt.Errorf("build process scanner: %w", err)
		}

		catalogStore := catalog.New(configDir, logger)
		maxAge := time.Duration(cfg.GameListDownloadDelay) * 24 * time.Hour
		catalogPath, err := catalogStore.Refresh(ctx, rest, maxAge, time.Now())
		if err != nil {
			return nil, fmt.Errorf("refresh detectable applications catalog: %w", err)
		}

		app.detector = gamedetect.New(scanner, rest, gw, catalogPath, configDir, cfg.GamesBlacklist, logger)
	}

	return app, nil
}

func buildClientProperties(cfg config.Config) map[string]any {
	var data map[string]any
	if cfg.ClientProperties == "anonymous" {
		data = clientprops.Anonymous()
	} else {
		data = clientprops.Default()
	}
	if cfg.CustomUserAgent != nil && *cfg.CustomUserAgent != "" {
		data = clientprops.AddUserAgent(data, *cfg.CustomUserAgent)
	}
	return data
}

// Run connects the gateway, waits for the READY dispatch, starts the RPC
// server and game-detection poller, and runs the merge loop until ctx is
// canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("connecting to gateway")
	if err := a.gw.Connect(ctx); err != nil {
		return fmt.Errorf("connect gateway: %w", err)
	}

	for !a.gw.GetReady() {
		if err := a.gw.GetError(); err != nil {
			return fmt.Errorf("gateway error: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	a.applySettingsProto(ctx, true)
	a.pushPresence(ctx, nil, false)

	myUser := a.gw.GetMyUserData()
	bot, _ := myUser["bot"].(bool)

	if !bot {
		a.rpcServer = ipcserver.New(a.rest, true, a.logger)
		a.rpcServer.SetUserData(myUser)
		a.rpcServer.Start(ctx, myUser)
	}
	if a.detector != nil {
		go a.detector.Run(ctx)
	}

	if tok := a.gw.GetTokenUpdate(); tok != nil {
		a.logger.Info("token has been refreshed")
		if err := a.store.UpdateToken(*tok); err != nil {
			a.logger.Error("persist refreshed token", "err", err)
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := a.gw.GetError(); err != nil {
			return fmt.Errorf("gateway error: %w", err)
		}
		a.tick(ctx)
	}
}

func (a *App) tick(ctx context.Context) {
	state := a.gw.GetState()

	if newStatus := a.gw.GetMyStatus(); newStatus != nil {
		for k, v := range newStatus {
			a.myStatus[k] = v
		}
	}
	if a.applySettingsProto(ctx, false) {
		a.pushPresence(ctx, nil, false)
	}

	if newUser := a.gw.GetMyUserData(); newUser != nil && a.rpcServer != nil {
		a.rpcServer.SetUserData(newUser)
	}

	if state != gateway.StateConnected {
		return
	}

	rpcActivities := a.rpcActivities(false)
	if rpcActivities != nil {
		detected := a.detectedActivities(true)
		a.pushPresence(ctx, mergeActivities(rpcActivities, detected), true)
	}

	detectedActivities := a.detectedActivities(false)
	if detectedActivities != nil {
		rpc := a.rpcActivities(true)
		a.pushPresence(ctx, mergeActivities(rpc, detectedActivities), true)
	}
}

func (a *App) rpcActivities(force bool) []map[string]any {
	if a.rpcServer == nil {
		return nil
	}
	return a.rpcServer.GetActivities(force)
}

func (a *App) detectedActivities(force bool) []map[string]any {
	if a.detector == nil {
		return nil
	}
	return a.detector.GetActivities(force)
}

// mergeActivities prefers primary's entries and appends secondary entries
// whose application_id doesn't already appear in primary, matching the
// de-duplication rule used for merging RPC and detected-game activities.
func mergeActivities(primary, secondary []map[string]any) []map[string]any {
	seen := make(map[string]bool, len(primary))
	for _, a := range primary {
		if id, ok := a["application_id"].(string); ok {
			seen[id] = true
		}
	}
	merged := append([]map[string]any{}, primary...)
	for _, a := range secondary {
		if id, ok := a["application_id"].(string); ok && seen[id] {
			continue
		}
		merged = append(merged, a)
	}
	return merged
}

func (a *App) pushPresence(ctx context.Context, activities []map[string]any, afk bool) {
	if activities != nil {
		a.myStatus["activities"] = activities
	}
	status, _ := a.myStatus["status"].(string)
	var customStatus, customStatusEmoji *string
	if s, ok := a.myStatus["custom_status"].(string); ok {
		customStatus = &s
	}
	if s, ok := a.myStatus["custom_status_emoji"].(string); ok {
		customStatusEmoji = &s
	}
	current, _ := a.myStatus["activities"].([]map[string]any)
	if err := a.gw.UpdatePresence(ctx, status, customStatus, customStatusEmoji, current, afk); err != nil {
		a.logger.Warn("update presence failed", "err", err)
	}
}

// applySettingsProto pulls the latest decoded settings snapshot off the
// gateway, extracts status/custom-status fields from it into myStatus, and
// reports whether anything changed. When allowFallback is set and the
// gateway hasn't surfaced a settings snapshot carrying a "status" block yet
// (typical right after the ready-wait, before USER_SETTINGS_PROTO_UPDATE
// arrives), it downloads the settings proto directly over REST instead.
func (a *App) applySettingsProto(ctx context.Context, allowFallback bool) bool {
	settings := a.gw.GetSettingsProto()
	if allowFallback {
		if _, ok := settings["status"]; !ok {
			fetched, err := a.rest.GetSettingsProto(ctx, 1, a.decoder)
			if err != nil {
				a.logger.Warn("fetch settings proto over rest", "err", err)
			} else {
				settings = fetched
			}
		}
	}
	if settings == nil {
		return false
	}

	status := "online"
	var customStatus, customStatusEmoji *string

	statusBlock, _ := settings["status"].(map[string]any)
	if s, ok := statusBlock["status"].(string); ok {
		status = s
		if cs, ok := statusBlock["customStatus"].(map[string]any); ok {
			emojiID, _ := cs["emojiID"].(string)
			emojiName, _ := cs["emojiName"].(string)
			if emojiName != "" {
				customStatusEmoji = &emojiName
			} else if emojiID != "" {
				customStatusEmoji = &emojiID
			}
			if text, ok := cs["text"].(string); ok {
				customStatus = &text
			}
		}
	}

	a.myStatus["status"] = status
	if customStatus != nil {
		a.myStatus["custom_status"] = *customStatus
	} else {
		a.myStatus["custom_status"] = nil
	}
	if customStatusEmoji != nil {
		a.myStatus["custom_status_emoji"] = *customStatusEmoji
	} else {
		a.myStatus["custom_status_emoji"] = nil
	}
	return true
}

func parseProxy(raw *string) (*url.URL, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	u, err := netdial.ParseProxy(*raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy: %w", err)
	}
	return u, nil
}
