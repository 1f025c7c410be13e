// Package clientprops builds the identify payload's "properties" object:
// the OS/browser/user-agent fingerprint the platform expects from every
// gateway connection, plus the per-session launch signature and analytics
// IDs it is keyed on.
package clientprops

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"os"
	"regexp"
	"runtime"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	clientVersion     = "0.0.115"
	userAgentWeb      = "Mozilla/5.0 (%OS; rv:145.0) Gecko/20100101 Firefox/145.0"
	userAgentDesktop  = "Mozilla/5.0 (%OS) AppleWebKit/537.36 (KHTML, like Gecko) discord/" + clientVersion + " Chrome/138.0.7204.251 Electron/37.6.0 Safari/537.36"
	linuxUAString     = "X11; Linux x86_64"
	windowsUAStringFn = "Windows NT %VER; Win64; x64"
	macosUAStringFn   = "Machintos; Intel Mac OS X %VER"
)

// launchSignatureMask zeroes a fixed set of bits out of a random UUID so the
// resulting "launch signature" always carries the same bit pattern the
// platform's own desktop client does. Ported verbatim from the platform's
// bit mask, expressed as a big-endian 128-bit value.
var launchSignatureMask = func() [16]byte {
	n, ok := new(big.Int).SetString("ff7fefeff7eff7ffdf7effbffefff7ff", 16)
	if !ok {
		panic("clientprops: bad launch signature mask")
	}
	var b [16]byte
	n.FillBytes(b[:])
	return b
}()

func operatingSystem() string {
	switch runtime.GOOS {
	case "windows":
		return "Windows"
	case "darwin":
		return "Mac OS X"
	default:
		return "Linux"
	}
}

func systemLocale() string {
	locale := os.Getenv("LC_ALL")
	if locale == "" {
		locale = os.Getenv("LANG")
	}
	if locale == "" {
		return "en_US"
	}
	return strings.SplitN(locale, ".", 2)[0]
}

// generateLaunchSignature masks a random UUID with launchSignatureMask and
// returns its string form.
func generateLaunchSignature() string {
	id := uuid.New()
	var masked [16]byte
	for i := range masked {
		masked[i] = id[i] & launchSignatureMask[i]
	}
	return uuid.Must(uuid.FromBytes(masked[:])).String()
}

func adjustUserAgentOS(userAgent, osVersion string) string {
	var replacement string
	switch runtime.GOOS {
	case "windows":
		ver := osVersion
		if ver == "" {
			ver = "10.0"
		}
		parts := strings.SplitN(ver, ".", 3)
		if len(parts) > 2 {
			ver = parts[0] + "." + parts[1]
		}
		replacement = strings.ReplaceAll(windowsUAStringFn, "%VER", ver)
	case "darwin":
		ver := osVersion
		if ver == "" {
			ver = "15.3"
		}
		replacement = strings.ReplaceAll(macosUAStringFn, "%VER", strings.ReplaceAll(ver, ".", "_"))
	default:
		replacement = linuxUAString
	}
	return strings.ReplaceAll(userAgent, "%OS", replacement)
}

var (
	browserVersionRe = map[string]*regexp.Regexp{
		"Firefox": regexp.MustCompile(`Firefox/([\d.]+)`),
		"Opera":   regexp.MustCompile(`Opera/([\d.]+)`),
		"Trident": regexp.MustCompile(`Trident/.*rv:([\d.]+)`),
		"Safari":  regexp.MustCompile(`Version/([\d.]+).*Safari/`),
		"Chrome":  regexp.MustCompile(`Chrome/([\d.]+)`),
	}
	clientVersionRe = regexp.MustCompile(`discord/([\d.]+)`)
)

// addUserAgent sets browser_user_agent and extracts browser_version from it,
// preferring the same engine tokens (in the same order) the original
// fingerprint logic checks.
func addUserAgent(data map[string]any, userAgent string) map[string]any {
	version := ""
	switch {
	case strings.Contains(userAgent, "Firefox"):
		version = firstMatch(browserVersionRe["Firefox"], userAgent)
	case strings.Contains(userAgent, "Opera"):
		version = firstMatch(browserVersionRe["Opera"], userAgent)
	case strings.Contains(userAgent, "Trident"):
		version = firstMatch(browserVersionRe["Trident"], userAgent)
	case strings.Contains(userAgent, "Safari") && !strings.Contains(userAgent, "Electron"):
		version = firstMatch(browserVersionRe["Safari"], userAgent)
	case strings.Contains(userAgent, "Electron"):
		// The original's own Electron regex has a typo ("Elelctron") and
		// never matches; browser_version falls through to "" for desktop.
	default:
		version = firstMatch(browserVersionRe["Chrome"], userAgent)
	}
	data["browser_user_agent"] = userAgent
	data["browser_version"] = version
	return data
}

func addClientVersion(data map[string]any, userAgent string) map[string]any {
	if strings.Contains(userAgent, "discord/") {
		if v := firstMatch(clientVersionRe, userAgent); v != "" {
			data["client_version"] = v
		}
	}
	return data
}

func firstMatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// AddUserAgent overrides the browser_user_agent (and derived browser_version)
// on an already-built property set, the same override path a custom
// configured user agent takes over Anonymous's or Default's own choice.
func AddUserAgent(data map[string]any, userAgent string) map[string]any {
	return addUserAgent(data, userAgent)
}

// Anonymous returns the lean, web-client-shaped property set. It looks more
// suspicious to the platform's anti-automation heuristics than Default, but
// needs no OS shell-out to build.
func Anonymous() map[string]any {
	data := map[string]any{
		"os":                          operatingSystem(),
		"browser":                     "Mozilla",
		"device":                      "",
		"system_locale":               systemLocale(),
		"browser_user_agent":          "",
		"browser_version":             "",
		"os_version":                  "",
		"referrer":                    "",
		"referring_domain":            "",
		"referrer_current":            "",
		"referring_domain_current":    "",
		"release_channel":             "stable",
		"client_build_number":         nil,
		"client_event_source":         nil,
		"has_client_mods":             false,
		"launch_signature":            generateLaunchSignature(),
		"client_launch_id":            uuid.New().String(),
		"client_heartbeat_session_id": uuid.New().String(),
	}
	userAgent := adjustUserAgentOS(userAgentWeb, "")
	return addUserAgent(data, userAgent)
}

// Default returns the full desktop-client-shaped property set, including an
// os_version probed from the host OS (uname -r on Linux, gopsutil on
// Windows and macOS). Build it once per process; it does
// not need to change between sessions.
func Default() map[string]any {
	arch := "x64"
	osVersion := hostOSVersion(&arch)

	data := map[string]any{
		"os":                          operatingSystem(),
		"browser":                     "Discord Client",
		"release_channel":             "stable",
		"os_version":                  osVersion,
		"os_arch":                     arch,
		"app_arch":                    arch,
		"system_locale":               systemLocale(),
		"has_client_mods":             false,
		"browser_user_agent":          "",
		"browser_version":             "",
		"runtime_environment":         "native",
		"client_build_number":         nil,
		"native_build_number":         nil,
		"client_event_source":         nil,
		"launch_signature":            generateLaunchSignature(),
		"client_launch_id":            uuid.New().String(),
		"client_heartbeat_session_id": uuid.New().String(),
	}
	if runtime.GOOS == "linux" {
		wm := os.Getenv("XDG_CURRENT_DESKTOP")
		if wm == "" {
			wm = "unknown"
		}
		session := os.Getenv("GDMSESSION")
		if session == "" {
			session = "unknown"
		}
		data["window_manager"] = wm + "," + session
	}

	userAgent := adjustUserAgentOS(userAgentDesktop, osVersion)
	data = addClientVersion(data, userAgent)
	return addUserAgent(data, userAgent)
}

// ForGateway returns a copy of data with the two fields the gateway
// identify/resume payloads carry beyond the REST-facing property set.
func ForGateway(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+2)
	for k, v := range data {
		out[k] = v
	}
	out["client_app_state"] = "unfocused"
	out["is_fast_connect"] = false
	return out
}

// UserAgent extracts the browser_user_agent field products built by Default
// or Anonymous carry, for use as the REST client's User-Agent header.
func UserAgent(data map[string]any) string {
	ua, _ := data["browser_user_agent"].(string)
	return ua
}

// Encode base64-encodes data as compact JSON, the form the platform expects
// wherever client properties travel over HTTP headers.
func Encode(data map[string]any) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal properties: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
