// Package gamedetect correlates the running-process scanner with the
// detectable-applications catalog: when a cataloged game's process
// appears or exits, it notifies the platform via an activity-session
// update and maintains the "playing" activity list the rest of the
// app merges into the outgoing presence.
package gamedetect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/sparklost/endcord-rpc/catalog"
	"github.com/sparklost/endcord-rpc/procscan"
	"github.com/sparklost/endcord-rpc/restclient"
)

const (
	pollDelay    = 5 * time.Second
	maxCacheAge  = 7 * 24 * time.Hour
	cacheFile    = "detected_apps_cache.json"
)

// SessionIDer supplies the gateway session id activity-session updates are
// correlated against. gateway.Client satisfies this.
type SessionIDer interface {
	SessionID() string
}

// cacheEntry is one process path's resolved catalog identity, matching the
// on-disk cache's [app_id, app_name, app_path, last_seen] shape.
type cacheEntry struct {
	AppID    string
	AppName  string
	AppPath  string
	LastSeen int64
}

// MarshalJSON encodes a cacheEntry as a 4-element array, matching the
// original's plain list-of-four shape rather than an object.
func (e cacheEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]any{e.AppID, e.AppName, e.AppPath, e.LastSeen})
}

func (e *cacheEntry) UnmarshalJSON(data []byte) error {
	var raw [4]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &e.AppID); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &e.AppName); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[2], &e.AppPath); err != nil {
		return err
	}
	return json.Unmarshal(raw[3], &e.LastSeen)
}

func myOSCode() int {
	switch runtime.GOOS {
	case "linux":
		return catalog.OSLinux
	case "windows":
		return catalog.OSWindows
	default:
		return catalog.OSDarwin
	}
}

// Detector polls procscan's process diff, resolves newly seen processes
// against the detectable-applications catalog, and tracks a "playing"
// activity per identified, non-blacklisted game.
type Detector struct {
	scanner     procscan.Scanner
	rest        *restclient.Client
	sessions    SessionIDer
	catalogPath string
	cacheDir    string
	logger      *slog.Logger

	mu         sync.Mutex
	cache      map[string]*cacheEntry
	blacklist  map[string]bool
	activities []map[string]any
	changed    bool
}

// New returns a Detector. catalogPath is the ndjson catalog file to resolve
// processes against; cacheDir is where detected_apps_cache.json is
// persisted (normally the app's config directory).
func New(scanner procscan.Scanner, rest *restclient.Client, sessions SessionIDer, catalogPath, cacheDir string, blacklist []string, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	bl := make(map[string]bool, len(blacklist))
	for _, id := range blacklist {
		bl[id] = true
	}
	return &Detector{
		scanner:     scanner,
		rest:        rest,
		sessions:    sessions,
		catalogPath: catalogPath,
		cacheDir:    cacheDir,
		logger:      logger,
		cache:       make(map[string]*cacheEntry),
		blacklist:   bl,
	}
}

// Run loads the persisted cache, evicts stale entries, and polls for
// process changes until ctx is canceled. It is meant to run in its own
// goroutine.
func (d *Detector) Run(ctx context.Context) {
	d.loadCache()
	d.evictStale(time.Now())

	// Prime the cache's last-seen times against whatever is already
	// running before the first diff, mirroring the startup pass that
	// folds the initial process snapshot in without treating it as a
	// fresh detection.
	if added, _, err := d.scanner.Diff(); err != nil {
		d.logger.Error("game detection stopped", "err", err)
		return
	} else {
		now := time.Now().Unix()
		d.mu.Lock()
		for _, path := range added {
			if e, ok := d.cache[path]; ok {
				e.LastSeen = now
			}
		}
		d.mu.Unlock()
	}

	d.logger.Info("game detection service started")

	ticker := time.NewTicker(pollDelay)
	defer ticker.Stop()

	cacheDirty := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		added, removed, err := d.scanner.Diff()
		if err != nil {
			d.logger.Error("game detection stopped", "err", err)
			return
		}

		if d.handleAdded(ctx, added) {
			cacheDirty = true
		}
		d.handleRemoved(ctx, removed)

		if cacheDirty {
			d.saveCache()
			cacheDirty = false
		}
	}
}

func (d *Detector) handleAdded(ctx context.Context, added []string) (cacheDirty bool) {
	for _, procPath := range added {
		d.mu.Lock()
		entry, known := d.cache[procPath]
		d.mu.Unlock()

		var appID, appName, appPath string
		if known {
			appID, appName, appPath = entry.AppID, entry.AppName, entry.AppPath
		} else {
			var err error
			appID, appName, appPath, err = catalog.FindApp(procPath, d.catalogPath, myOSCode())
			if err != nil {
				d.logger.Warn("catalog lookup failed", "proc_path", procPath, "err", err)
			}
			d.mu.Lock()
			d.cache[procPath] = &cacheEntry{AppID: appID, AppName: appName, AppPath: appPath, LastSeen: time.Now().Unix()}
			d.mu.Unlock()
			cacheDirty = true
		}

		if appID == "" {
			continue
		}
		d.mu.Lock()
		blacklisted := d.blacklist[appID]
		d.mu.Unlock()
		if blacklisted {
			continue
		}

		if _, err := d.rest.SendUpdateActivitySession(ctx, appID, appPath, false, d.sessions.SessionID(), nil, nil); err != nil {
			d.logger.Warn("update activity session failed", "app_id", appID, "err", err)
		}

		d.mu.Lock()
		d.activities = append(d.activities, map[string]any{
			"type":           0,
			"application_id": appID,
			"name":           appName,
			"timestamps":     map[string]any{"start": time.Now().UnixMilli()},
		})
		d.changed = true
		d.mu.Unlock()

		d.logger.Info("game added to activities", "name", appName, "app_id", appID)
	}
	return cacheDirty
}

func (d *Detector) handleRemoved(ctx context.Context, removed []string) {
	for _, procPath := range removed {
		d.mu.Lock()
		entry, ok := d.cache[procPath]
		d.mu.Unlock()
		if !ok || entry.AppID == "" {
			continue
		}
		appID, appName, appPath := entry.AppID, entry.AppName, entry.AppPath

		d.mu.Lock()
		blacklisted := d.blacklist[appID]
		d.mu.Unlock()
		if blacklisted {
			continue
		}

		if _, err := d.rest.SendUpdateActivitySession(ctx, appID, appPath, true, d.sessions.SessionID(), nil, nil); err != nil {
			d.logger.Warn("update activity session failed", "app_id", appID, "err", err)
		}

		d.removeActivityLocked(appID)
		d.logger.Info("game removed from activities", "name", appName, "app_id", appID)
	}
}

func (d *Detector) removeActivityLocked(appID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, a := range d.activities {
		if a["application_id"] == appID {
			d.activities = append(d.activities[:i], d.activities[i+1:]...)
			break
		}
	}
	d.changed = true
}

// GetActivities returns the current "playing" activity list exactly once
// after a change (or always, when force is true), then nil until the next
// change.
func (d *Detector) GetActivities(force bool) []map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.changed && !force {
		return nil
	}
	d.changed = false
	return d.activities
}

// GetDetected returns every (app id, app name) pair currently in the
// on-disk cache with a resolved identity.
func (d *Detector) GetDetected() [][2]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out [][2]string
	for _, e := range d.cache {
		if e.AppID != "" {
			out = append(out, [2]string{e.AppID, e.AppName})
		}
	}
	return out
}

// SetBlacklist replaces the blacklist and immediately retires any active
// activity for a newly blacklisted app.
func (d *Detector) SetBlacklist(ctx context.Context, blacklist []string) {
	bl := make(map[string]bool, len(blacklist))
	for _, id := range blacklist {
		bl[id] = true
	}
	d.mu.Lock()
	d.blacklist = bl
	d.mu.Unlock()

	for _, appID := range blacklist {
		if appID == "" {
			continue
		}
		d.mu.Lock()
		var appName, appPath string
		found := false
		for _, e := range d.cache {
			if e.AppID == appID {
				appName, appPath = e.AppName, e.AppPath
				found = true
				break
			}
		}
		d.mu.Unlock()
		if !found {
			continue
		}

		if _, err := d.rest.SendUpdateActivitySession(ctx, appID, appPath, true, d.sessions.SessionID(), nil, nil); err != nil {
			d.logger.Warn("update activity session failed", "app_id", appID, "err", err)
		}
		d.removeActivityLocked(appID)
		d.logger.Info("game removed from activities", "name", appName, "app_id", appID)
	}
}

func (d *Detector) cachePath() string {
	return filepath.Join(d.cacheDir, cacheFile)
}

func (d *Detector) loadCache() {
	raw, err := os.ReadFile(d.cachePath())
	if err != nil {
		return
	}
	var onDisk map[string]*cacheEntry
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		d.logger.Warn("discarding unreadable activity cache", "err", err)
		return
	}
	d.mu.Lock()
	d.cache = onDisk
	d.mu.Unlock()
}

func (d *Detector) evictStale(now time.Time) {
	cutoff := now.Add(-maxCacheAge).Unix()
	d.mu.Lock()
	defer d.mu.Unlock()
	for path, e := range d.cache {
		if e.LastSeen < cutoff {
			delete(d.cache, path)
		}
	}
}

func (d *Detector) saveCache() {
	d.mu.Lock()
	snapshot := make(map[string]*cacheEntry, len(d.cache))
	for k, v := range d.cache {
		snapshot[k] = v
	}
	d.mu.Unlock()

	if err := os.MkdirAll(d.cacheDir, 0o755); err != nil {
		d.logger.Error("create cache dir", "err", err)
		return
	}
	b, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		d.logger.Error("marshal activity cache", "err", err)
		return
	}
	if err := os.WriteFile(d.cachePath(), b, 0o644); err != nil {
		d.logger.Error("write activity cache", "err", fmt.Errorf("%s: %w", d.cachePath(), err))
	}
}
