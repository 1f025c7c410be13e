package orchestrator

import (
	"reflect"
	"testing"

	"github.com/sparklost/endcord-rpc/config"
)

func TestMergeActivitiesPrefersPrimary(t *testing.T) {
	primary := []map[string]any{{"application_id": "1", "name": "RPC Game"}}
	secondary := []map[string]any{
		{"application_id": "1", "name": "Detected Same Game"},
		{"application_id": "2", "name": "Detected Other Game"},
	}

	got := mergeActivities(primary, secondary)
	if len(got) != 2 {
		t.Fatalf("expected 2 merged activities, got %v", got)
	}
	if got[0]["application_id"] != "1" || got[0]["name"] != "RPC Game" {
		t.Errorf("primary entry was not preserved: %v", got[0])
	}
	if got[1]["application_id"] != "2" {
		t.Errorf("expected non-duplicate secondary entry appended, got %v", got[1])
	}
}

func TestMergeActivitiesHandlesEmptySides(t *testing.T) {
	if got := mergeActivities(nil, nil); len(got) != 0 {
		t.Errorf("expected empty merge of two nils, got %v", got)
	}

	secondary := []map[string]any{{"application_id": "1"}}
	got := mergeActivities(nil, secondary)
	if !reflect.DeepEqual(got, secondary) {
		t.Errorf("expected secondary alone when primary is empty, got %v", got)
	}
}

func TestParseProxyNilForEmpty(t *testing.T) {
	u, err := parseProxy(nil)
	if err != nil || u != nil {
		t.Fatalf("parseProxy(nil) = %v, %v, want nil, nil", u, err)
	}
	empty := ""
	u, err = parseProxy(&empty)
	if err != nil || u != nil {
		t.Fatalf("parseProxy(\"\") = %v, %v, want nil, nil", u, err)
	}
}

func TestParseProxyParsesHTTPURL(t *testing.T) {
	raw := "http://example.com:8080"
	u, err := parseProxy(&raw)
	if err != nil {
		t.Fatalf("parseProxy: %v", err)
	}
	if u.Scheme != "http" || u.Host != "example.com:8080" {
		t.Errorf("unexpected proxy URL: %+v", u)
	}
}

func TestBuildClientPropertiesHonorsCustomUserAgent(t *testing.T) {
	ua := "MyCustomAgent/1.0"
	cfg := config.Config{ClientProperties: "anonymous", CustomUserAgent: &ua}
	props := buildClientProperties(cfg)
	if props["browser_user_agent"] != ua {
		t.Errorf("browser_user_agent = %v, want %q", props["browser_user_agent"], ua)
	}
}
