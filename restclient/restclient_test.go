package restclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGetGatewayURL(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v9/gateway" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"url":"wss://gateway.discord.gg"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	url, err := c.GetGatewayURL(context.Background())
	if err != nil {
		t.Fatalf("GetGatewayURL: %v", err)
	}
	if url != "wss://gateway.discord.gg" {
		t.Errorf("url: got %q", url)
	}
}

func TestGetSettingsProtoCaches(t *testing.T) {
	calls := 0
	raw := []byte("proto-bytes")
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		resp, _ := json.Marshal(map[string]string{"settings": base64.StdEncoding.EncodeToString(raw)})
		w.Write(resp)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	decodeCalls := 0
	decoder := func(got []byte, num int) (map[string]any, error) {
		decodeCalls++
		if string(got) != string(raw) {
			t.Errorf("decoder got %q, want %q", got, raw)
		}
		return map[string]any{"status": map[string]any{"status": "online"}}, nil
	}

	first, err := c.GetSettingsProto(context.Background(), 1, decoder)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := c.GetSettingsProto(context.Background(), 1, decoder)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 HTTP call, got %d", calls)
	}
	if decodeCalls != 1 {
		t.Errorf("expected 1 decode call, got %d", decodeCalls)
	}
	if first["status"] == nil || second["status"] == nil {
		t.Error("expected cached decoded settings on both calls")
	}
}

func TestGetRPCAppExternalRateLimited(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"retry_after":"0.5"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.GetRPCAppExternal(context.Background(), "123", "https://example.com/a.png")
	var rl *RateLimitError
	if err == nil {
		t.Fatal("expected rate limit error")
	}
	if !asRateLimit(err, &rl) {
		t.Fatalf("expected *RateLimitError, got %T: %v", err, err)
	}
	if rl.RetryAfter.Seconds() != 0.5 {
		t.Errorf("retry after: got %s", rl.RetryAfter)
	}
}

func TestFetchDetectableAppsNotModified(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != `W/"abc"` {
			t.Errorf("missing conditional header: %v", r.Header)
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	body, etag, notModified, err := c.FetchDetectableApps(context.Background(), "abc")
	if err != nil {
		t.Fatalf("FetchDetectableApps: %v", err)
	}
	if !notModified {
		t.Error("expected notModified=true")
	}
	if etag != "abc" {
		t.Errorf("etag: got %q", etag)
	}
	if body != nil {
		t.Error("expected nil body on 304")
	}
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New("token123", WithHost(strings.TrimPrefix(srv.URL, "https://")), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func asRateLimit(err error, target **RateLimitError) bool {
	if rl, ok := err.(*RateLimitError); ok {
		*target = rl
		return true
	}
	return false
}
