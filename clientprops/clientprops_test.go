package clientprops

import (
	"encoding/base64"
	"runtime"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

func TestGenerateLaunchSignatureMasksBits(t *testing.T) {
	sig := generateLaunchSignature()
	id, err := uuid.Parse(sig)
	if err != nil {
		t.Fatalf("launch signature is not a uuid: %v", err)
	}
	for i, b := range id {
		if b&^launchSignatureMask[i] != 0 {
			t.Fatalf("byte %d = %08b has bits outside the mask %08b", i, b, launchSignatureMask[i])
		}
	}
}

func TestGenerateLaunchSignatureVaries(t *testing.T) {
	a := generateLaunchSignature()
	b := generateLaunchSignature()
	if a == b {
		t.Fatalf("two calls produced the same signature: %s", a)
	}
}

func TestAddUserAgentExtractsFirefoxVersion(t *testing.T) {
	data := addUserAgent(map[string]any{}, "Mozilla/5.0 (X11; Linux x86_64; rv:145.0) Gecko/20100101 Firefox/145.0")
	if data["browser_version"] != "145.0" {
		t.Errorf("browser_version = %v, want 145.0", data["browser_version"])
	}
}

func TestAddUserAgentLeavesVersionBlankForElectron(t *testing.T) {
	ua := "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) discord/0.0.115 Chrome/138.0.7204.251 Electron/37.6.0 Safari/537.36"
	data := addUserAgent(map[string]any{}, ua)
	// The desktop UA contains both "Safari" and "Electron"; Electron wins
	// and the Electron-specific regex never matches due to the spelling it
	// was built with, so the version is left blank here exactly as upstream.
	if data["browser_version"] != "" {
		t.Errorf("browser_version = %v, want empty for electron UA", data["browser_version"])
	}
}

func TestAddClientVersionExtractsFromDesktopUA(t *testing.T) {
	ua := "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) discord/0.0.115 Chrome/138.0.7204.251 Electron/37.6.0 Safari/537.36"
	data := addClientVersion(map[string]any{}, ua)
	if data["client_version"] != "0.0.115" {
		t.Errorf("client_version = %v, want 0.0.115", data["client_version"])
	}
}

func TestAdjustUserAgentOSLinux(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("linux-specific UA substitution")
	}
	got := adjustUserAgentOS("before %OS after", "")
	want := "before " + linuxUAString + " after"
	if got != want {
		t.Errorf("adjustUserAgentOS = %q, want %q", got, want)
	}
}

func TestAnonymousCarriesRequiredFields(t *testing.T) {
	data := Anonymous()
	for _, key := range []string{"os", "browser", "system_locale", "launch_signature", "client_launch_id", "client_heartbeat_session_id", "browser_user_agent"} {
		if _, ok := data[key]; !ok {
			t.Errorf("Anonymous() missing field %q", key)
		}
	}
	if data["browser"] != "Mozilla" {
		t.Errorf("browser = %v, want Mozilla", data["browser"])
	}
}

func TestDefaultCarriesRequiredFields(t *testing.T) {
	data := Default()
	for _, key := range []string{"os", "browser", "os_version", "os_arch", "app_arch", "launch_signature", "client_launch_id"} {
		if _, ok := data[key]; !ok {
			t.Errorf("Default() missing field %q", key)
		}
	}
	if data["browser"] != "Discord Client" {
		t.Errorf("browser = %v, want Discord Client", data["browser"])
	}
}

func TestForGatewayAddsFieldsWithoutMutatingInput(t *testing.T) {
	base := map[string]any{"os": "Linux"}
	gw := ForGateway(base)

	if _, ok := base["client_app_state"]; ok {
		t.Fatalf("ForGateway mutated its input")
	}
	if gw["client_app_state"] != "unfocused" || gw["is_fast_connect"] != false {
		t.Errorf("unexpected gateway fields: %v", gw)
	}
	if gw["os"] != "Linux" {
		t.Errorf("ForGateway dropped existing field: %v", gw)
	}
}

func TestUserAgentExtractsField(t *testing.T) {
	data := map[string]any{"browser_user_agent": "some-ua"}
	if got := UserAgent(data); got != "some-ua" {
		t.Errorf("UserAgent = %q, want some-ua", got)
	}
}

func TestEncodeProducesCompactBase64JSON(t *testing.T) {
	data := map[string]any{"a": 1, "b": "two"}
	encoded, err := Encode(data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	if strings.Contains(string(decoded), " ") {
		t.Errorf("expected compact JSON, got %q", decoded)
	}
	var roundTrip map[string]any
	if err := json.Unmarshal(decoded, &roundTrip); err != nil {
		t.Fatalf("unmarshal round trip: %v", err)
	}
	if roundTrip["b"] != "two" {
		t.Errorf("round trip b = %v, want two", roundTrip["b"])
	}
}
