package ipcserver

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := map[string]any{"cmd": "SET_ACTIVITY", "nonce": "abc"}
	if err := writeFrame(&buf, opFrame, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	op, raw, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if op != opFrame {
		t.Errorf("op = %d, want %d", op, opFrame)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["cmd"] != "SET_ACTIVITY" || got["nonce"] != "abc" {
		t.Errorf("unexpected payload: %v", got)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0, 0xff, 0xff, 0xff, 0x7f})
	if _, _, err := readFrame(&buf); err == nil {
		t.Fatalf("expected error for oversized frame length")
	}
}

func TestBuildDispatchProjectsUser(t *testing.T) {
	dispatch := buildDispatch(map[string]any{
		"id":          "1",
		"username":    "someone",
		"global_name": "Someone",
		"extra": map[string]any{
			"discriminator": "0001",
			"avatar":        "abc",
			"premium_type":  2,
		},
	})
	if dispatch["evt"] != "READY" {
		t.Fatalf("evt = %v, want READY", dispatch["evt"])
	}
	data, _ := dispatch["data"].(map[string]any)
	user, _ := data["user"].(map[string]any)
	if user["username"] != "someone" || user["discriminator"] != "0001" {
		t.Errorf("unexpected user projection: %v", user)
	}
	if user["bot"] != false {
		t.Errorf("dispatch user bot should always be false, got %v", user["bot"])
	}
}

func newTestServer() *Server {
	return New(nil, false, slog.Default())
}

func TestNormalizeActivityDropsFlagsForType2(t *testing.T) {
	s := newTestServer()
	activity := map[string]any{
		"type":  float64(2),
		"flags": float64(99),
		"state": "listening",
	}
	out := s.normalizeActivity(context.Background(), "app1", "App", nil, activity)
	if out["flags"] != 1 {
		t.Errorf("flags = %v, want 1 (overwritten, not the caller's 99)", out["flags"])
	}
	if out["type"] != 2 {
		t.Errorf("type = %v, want 2", out["type"])
	}
}

func TestNormalizeActivityScalesTimestamps(t *testing.T) {
	s := newTestServer()
	activity := map[string]any{
		"type":       float64(0),
		"timestamps": map[string]any{"start": float64(1000), "end": float64(2000)},
	}
	out := s.normalizeActivity(context.Background(), "app1", "App", nil, activity)
	ts, _ := out["timestamps"].(map[string]any)
	if ts["start"] != float64(1000000) || ts["end"] != float64(2000000) {
		t.Errorf("unexpected scaled timestamps: %v", ts)
	}
}

func TestNormalizeActivitySplitsButtons(t *testing.T) {
	s := newTestServer()
	activity := map[string]any{
		"type": float64(0),
		"buttons": []any{
			map[string]any{"label": "Join", "url": "https://example.com/join"},
			map[string]any{"label": "Site", "url": "https://example.com"},
		},
	}
	out := s.normalizeActivity(context.Background(), "app1", "App", nil, activity)
	labels, _ := out["buttons"].([]any)
	if len(labels) != 2 || labels[0] != "Join" || labels[1] != "Site" {
		t.Errorf("unexpected button labels: %v", labels)
	}
	metadata, _ := out["metadata"].(map[string]any)
	urls, _ := metadata["button_urls"].([]any)
	if len(urls) != 2 || urls[0] != "https://example.com/join" {
		t.Errorf("unexpected button urls: %v", urls)
	}
}

func TestNormalizeActivityWhitelistsTextAssets(t *testing.T) {
	s := newTestServer()
	activity := map[string]any{
		"type": float64(0),
		"assets": map[string]any{
			"large_text": "A label",
			"unknown_field": "dropped",
		},
	}
	out := s.normalizeActivity(context.Background(), "app1", "App", nil, activity)
	assets, _ := out["assets"].(map[string]any)
	if assets["large_text"] != "A label" {
		t.Errorf("large_text = %v, want A label", assets["large_text"])
	}
	if _, ok := assets["unknown_field"]; ok {
		t.Errorf("unknown_field should have been dropped, got %v", assets)
	}
}

func TestServerActivitiesChangeTracking(t *testing.T) {
	s := newTestServer()

	if got := s.GetActivities(false); got != nil {
		t.Fatalf("expected nil before any change, got %v", got)
	}

	s.setActivity("app1", map[string]any{"application_id": "app1", "state": "one"})
	got := s.GetActivities(false)
	if len(got) != 1 {
		t.Fatalf("expected 1 activity, got %v", got)
	}
	if got2 := s.GetActivities(false); got2 != nil {
		t.Fatalf("expected nil on second call without a change, got %v", got2)
	}

	s.removeActivity("app1")
	got3 := s.GetActivities(false)
	if len(got3) != 0 {
		t.Fatalf("expected empty activity list after removal, got %v", got3)
	}
}
