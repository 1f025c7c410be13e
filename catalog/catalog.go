// Package catalog downloads, ETag-validates, stream-parses, and persists
// the detectable-applications catalog as one JSON array per line, and
// answers process-path lookups against it.
package catalog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/sparklost/endcord-rpc/restclient"
)

// OS codes as carried in catalog entries, matching the wire encoding
// ("linux"→0, "win32"→1, "darwin"→2).
const (
	OSLinux   = 0
	OSWindows = 1
	OSDarwin  = 2
)

// Entry is one detectable-application descriptor kept after filtering.
type Entry struct {
	AppID       string
	AppName     string
	Executables []Executable
}

// Executable is one (platform, path-suffix) pair an app may run as.
type Executable struct {
	OS   int
	Path string // lowercased, left-padded with "/"
}

// Store owns the on-disk ndjson catalog file for one config directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New returns a Store rooted at dir (the app's config directory).
func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}
}

// Find locates the current catalog file and its ETag, if any.
func (s *Store) Find() (path, etag string, saveTime time.Time, err error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "detectable_apps_*.ndjson"))
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("glob catalog files: %w", err)
	}
	if len(matches) == 0 {
		return "", "", time.Time{}, nil
	}

	path = matches[0]
	base := strings.TrimSuffix(filepath.Base(path), ".ndjson")
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		return path, "", time.Time{}, nil
	}
	etag = parts[2]
	if len(parts) >= 4 {
		seconds, err := strconv.ParseInt(parts[3], 10, 64)
		if err == nil {
			saveTime = time.Unix(seconds, 0)
		}
	}
	return path, etag, saveTime, nil
}

// Refresh downloads a fresh catalog when the existing one is missing, stale
// past maxAge, or maxAge is zero (always refresh), and replaces the on-disk
// file atomically. It returns the active catalog path (old or new).
func (s *Store) Refresh(ctx context.Context, client *restclient.Client, maxAge time.Duration, now time.Time) (string, error) {
	oldPath, oldEtag, saveTime, err := s.Find()
	if err != nil {
		return "", err
	}
	if maxAge != 0 && !saveTime.IsZero() && now.Sub(saveTime) <= maxAge {
		return oldPath, nil
	}

	body, etag, notModified, err := client.FetchDetectableApps(ctx, oldEtag)
	if err != nil {
		if oldPath != "" {
			s.logger.Warn("catalog refresh failed, keeping prior file", "err", err)
			return oldPath, nil
		}
		return "", fmt.Errorf("refresh catalog: %w", err)
	}
	if notModified {
		return oldPath, nil
	}
	defer body.Close()

	newPath := filepath.Join(s.dir, fmt.Sprintf("detectable_apps_%s_%d.ndjson", etag, now.Unix()))
	tmpPath := newPath + ".tmp"

	if err := writeEntries(tmpPath, body); err != nil {
		os.Remove(tmpPath)
		if oldPath != "" {
			s.logger.Error("catalog parse failed, keeping prior file", "err", err)
			return oldPath, nil
		}
		return "", fmt.Errorf("parse catalog stream: %w", err)
	}

	if err := os.Rename(tmpPath, newPath); err != nil {
		return "", fmt.Errorf("install new catalog file: %w", err)
	}
	if oldPath != "" && oldPath != newPath {
		os.Remove(oldPath)
	}
	s.logger.Info("downloaded new detectable applications list", "etag", etag)
	return newPath, nil
}

// rawDescriptor mirrors the wire shape of one detectable-application entry.
type rawDescriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Executables []struct {
		OS   string `json:"os"`
		Name string `json:"name"`
	} `json:"executables"`
}

func writeEntries(path string, body io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create temp catalog file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	return streamArray(body, func(raw []byte) error {
		var desc rawDescriptor
		if err := json.Unmarshal(raw, &desc); err != nil {
			return fmt.Errorf("decode catalog descriptor: %w", err)
		}

		var executables [][2]any
		for _, exe := range desc.Executables {
			osCode, ok := osCodeFor(exe.OS)
			if !ok {
				continue
			}
			path := strings.ToLower(exe.Name)
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}
			executables = append(executables, [2]any{osCode, path})
		}
		if len(executables) == 0 {
			return nil
		}

		line, err := json.Marshal([]any{desc.ID, desc.Name, executables})
		if err != nil {
			return fmt.Errorf("marshal catalog line: %w", err)
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		_, err = w.WriteString("\n")
		return err
	})
}

func osCodeFor(os string) (int, bool) {
	switch os {
	case "linux":
		return OSLinux, true
	case "win32":
		return OSWindows, true
	case "darwin":
		return OSDarwin, true
	default:
		return 0, false
	}
}

// FindApp scans the catalog file line by line for an entry matching
// procPath under myOSCode's eligibility rule: Linux (0) matches OS codes 0
// and 1 (to catch Windows binaries under Wine), Windows (1) matches only 1,
// macOS (2) matches only 2. Returns the app id, app name, and the matched
// suffix without its leading slash, or all-zero values on no match.
func FindApp(procPath, catalogPath string, myOSCode int) (appID, appName, appSuffix string, err error) {
	if catalogPath == "" {
		return "", "", "", nil
	}
	f, err := os.Open(catalogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", "", "", nil
		}
		return "", "", "", fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	lowerProcPath := strings.ToLower(procPath)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry []json.RawMessage
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil || len(entry) != 3 {
			continue
		}
		var id, name string
		if err := json.Unmarshal(entry[0], &id); err != nil {
			continue
		}
		if err := json.Unmarshal(entry[1], &name); err != nil {
			continue
		}
		var executables [][2]any
		if err := json.Unmarshal(entry[2], &executables); err != nil {
			continue
		}

		for _, exe := range executables {
			osVal, ok := exe[0].(float64)
			if !ok {
				continue
			}
			pathVal, ok := exe[1].(string)
			if !ok || pathVal == "" {
				continue
			}
			if !osEligible(myOSCode, int(osVal)) {
				continue
			}
			if strings.Contains(lowerProcPath, pathVal) {
				return id, name, strings.TrimPrefix(pathVal, "/"), nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", "", fmt.Errorf("scan catalog: %w", err)
	}
	return "", "", "", nil
}

func osEligible(myOSCode, entryOSCode int) bool {
	switch myOSCode {
	case OSLinux:
		return entryOSCode == OSLinux || entryOSCode == OSWindows
	case OSWindows:
		return entryOSCode == OSWindows
	default:
		return entryOSCode == OSDarwin
	}
}
