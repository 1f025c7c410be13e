package gateway

import (
	"bytes"
	"compress/zlib"
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
)

// fakeConn is a connection test double that records writes and serves
// queued reads without touching the network.
type fakeConn struct {
	mu     sync.Mutex
	reads  [][]byte
	writes [][]byte
	closed bool
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reads) == 0 {
		return nil, context.Canceled
	}
	frame := f.reads[0]
	f.reads = f.reads[1:]
	return frame, nil
}

func (f *fakeConn) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeConn) CloseNow() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) lastWrite() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return nil
	}
	var payload map[string]any
	json.Unmarshal(f.writes[len(f.writes)-1], &payload)
	return payload
}

func newTestClient() *Client {
	c := New(nil, Config{
		Token:  "usertoken",
		Logger: slog.Default(),
	})
	c.conn = &fakeConn{}
	return c
}

func TestAuthenticateUserUsesDefaultCapabilities(t *testing.T) {
	c := newTestClient()
	fc := c.conn.(*fakeConn)

	if err := c.authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	payload := fc.lastWrite()
	d, _ := payload["d"].(map[string]any)
	if d == nil {
		t.Fatalf("no d field in payload: %v", payload)
	}
	if _, hasIntents := d["intents"]; hasIntents {
		t.Fatalf("user token should not carry intents: %v", d)
	}
	caps, ok := d["capabilities"].(float64)
	if !ok || uint32(caps) != defaultCapabilities {
		t.Fatalf("capabilities = %v, want %d", d["capabilities"], defaultCapabilities)
	}
}

func TestAuthenticateBotUsesIntentsOverride(t *testing.T) {
	c := New(nil, Config{Token: "Bot abc", Logger: slog.Default()})
	c.conn = &fakeConn{}
	fc := c.conn.(*fakeConn)

	var override uint32 = 123
	c.cfg.Intents = &override

	if err := c.authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	payload := fc.lastWrite()
	d, _ := payload["d"].(map[string]any)
	if _, hasCaps := d["capabilities"]; hasCaps {
		t.Fatalf("bot token should not carry capabilities: %v", d)
	}
	intents, ok := d["intents"].(float64)
	if !ok || uint32(intents) != override {
		t.Fatalf("intents = %v, want %d", d["intents"], override)
	}
}

func TestHandleSessionsReplaceFiltersActivityTypes(t *testing.T) {
	c := newTestClient()

	raw := json.RawMessage(`[{"activities":[
		{"type":0,"name":"Game","state":"s","details":"d","assets":{"small_text":"st","large_text":"lt"}},
		{"type":2,"name":"Listening","state":"s2","details":"d2"},
		{"type":4,"name":"Custom Status","state":"ignored"}
	]}]`)

	c.handleSessionsReplace(raw)

	status := c.GetMyStatus()
	if status == nil {
		t.Fatalf("expected status change")
	}
	activities, _ := status["activities"].([]map[string]any)
	if len(activities) != 2 {
		t.Fatalf("expected 2 activities after filtering type 4, got %d: %v", len(activities), activities)
	}
	if activities[0]["name"] != "Game" || activities[1]["name"] != "Listening" {
		t.Fatalf("unexpected activities: %v", activities)
	}
}

func TestSetMyUserDataBotHasNoExtraFields(t *testing.T) {
	c := newTestClient()
	c.setMyUserData(map[string]any{
		"id":       "1",
		"username": "bot1",
		"bot":      true,
		"avatar":   "should not appear",
	})

	user := c.GetMyUserData()
	if user == nil {
		t.Fatalf("expected user change")
	}
	if user["extra"] != nil {
		t.Fatalf("bot user should have nil extra, got %v", user["extra"])
	}
}

func TestSetMyUserDataNonBotCarriesExtraFields(t *testing.T) {
	c := newTestClient()
	c.setMyUserData(map[string]any{
		"id":            "2",
		"username":      "person",
		"bot":           false,
		"avatar":        "abc123",
		"discriminator": "0001",
		"primary_guild": map[string]any{"tag": "CLAN"},
	})

	user := c.GetMyUserData()
	if user == nil {
		t.Fatalf("expected user change")
	}
	if user["tag"] != "CLAN" {
		t.Fatalf("tag = %v, want CLAN", user["tag"])
	}
	extra, _ := user["extra"].(map[string]any)
	if extra == nil || extra["avatar"] != "abc123" {
		t.Fatalf("extra = %v, want avatar abc123", extra)
	}
}

func TestSynthesizeLegacySettingsDefaultsStatusOnline(t *testing.T) {
	c := newTestClient()
	c.synthesizeLegacySettings(nil)

	settings := c.GetSettingsProto()
	if settings == nil {
		t.Fatalf("expected proto change")
	}
	status, _ := settings["status"].(map[string]any)
	if status["status"] != "online" {
		t.Fatalf("status = %v, want online", status["status"])
	}
}

func TestSynthesizeLegacySettingsCarriesCustomStatus(t *testing.T) {
	c := newTestClient()
	c.synthesizeLegacySettings(map[string]any{
		"status":        "idle",
		"custom_status": map[string]any{"text": "afk"},
	})

	settings := c.GetSettingsProto()
	status, _ := settings["status"].(map[string]any)
	if status["status"] != "idle" {
		t.Fatalf("status = %v, want idle", status["status"])
	}
	custom, _ := status["customStatus"].(map[string]any)
	if custom == nil || custom["text"] != "afk" {
		t.Fatalf("customStatus = %v, want text afk", custom)
	}
}

// compressFlush zlib-compresses payload and flushes, returning one
// zlib-stream frame ending in the sync-flush marker.
func compressFlush(t *testing.T, w *zlib.Writer, buf *bytes.Buffer, payload []byte) []byte {
	t.Helper()
	before := buf.Len()
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("zlib flush: %v", err)
	}
	frame := make([]byte, buf.Len()-before)
	copy(frame, buf.Bytes()[before:])
	return frame
}

func TestInflatePipelineRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)

	p := newInflatePipeline()
	defer p.close()

	first := compressFlush(t, w, &buf, []byte(`{"op":10,"d":{"heartbeat_interval":41250}}`))
	raw, ok, err := p.feedFrame(first)
	if err != nil {
		t.Fatalf("feedFrame 1: %v", err)
	}
	if !ok {
		t.Fatalf("expected frame 1 to be a complete flush point")
	}
	var hello struct {
		Op int `json:"op"`
		D  struct {
			HeartbeatInterval int `json:"heartbeat_interval"`
		} `json:"d"`
	}
	if err := json.Unmarshal(raw, &hello); err != nil {
		t.Fatalf("unmarshal frame 1: %v", err)
	}
	if hello.Op != 10 || hello.D.HeartbeatInterval != 41250 {
		t.Fatalf("unexpected hello: %+v", hello)
	}

	second := compressFlush(t, w, &buf, []byte(`{"op":11}`))
	raw2, ok, err := p.feedFrame(second)
	if err != nil {
		t.Fatalf("feedFrame 2: %v", err)
	}
	if !ok {
		t.Fatalf("expected frame 2 to be a complete flush point")
	}
	var ack struct {
		Op int `json:"op"`
	}
	if err := json.Unmarshal(raw2, &ack); err != nil {
		t.Fatalf("unmarshal frame 2: %v", err)
	}
	if ack.Op != 11 {
		t.Fatalf("op = %d, want 11", ack.Op)
	}
}

// closeErrConn reports a single close error from Read, then blocks (via
// context.Canceled) like a connection with nothing left to deliver.
type closeErrConn struct {
	fakeConn
	err error
	hit bool
}

func (c *closeErrConn) Read(ctx context.Context) ([]byte, error) {
	if !c.hit {
		c.hit = true
		return nil, c.err
	}
	return nil, context.Canceled
}

func TestReceiveLoopTerminatesSessionOn4004(t *testing.T) {
	c := newTestClient()
	conn := &closeErrConn{err: websocket.CloseError{Code: 4004, Reason: "authentication failed"}}

	c.receiveLoop(conn)

	if err := c.GetError(); err == nil {
		t.Fatalf("expected a fatal error after a 4004 close")
	}
	if c.reconnectRequested.Load() {
		t.Fatalf("4004 should not request a reconnect")
	}
}

func TestReceiveLoopMarksResumableOn4000(t *testing.T) {
	c := newTestClient()
	conn := &closeErrConn{err: websocket.CloseError{Code: 4000, Reason: "unknown error"}}

	c.receiveLoop(conn)

	if err := c.GetError(); err != nil {
		t.Fatalf("4000 should not be fatal, got %v", err)
	}
	if !c.resumable {
		t.Fatalf("expected resumable after a 4000 close")
	}
	if !c.reconnectRequested.Load() {
		t.Fatalf("expected a reconnect request after a 4000 close")
	}
}

func TestReceiveLoopNotResumableOnNormalClose(t *testing.T) {
	c := newTestClient()
	conn := &closeErrConn{err: websocket.CloseError{Code: 1000, Reason: "bye"}}

	c.receiveLoop(conn)

	if c.resumable {
		t.Fatalf("a normal 1000 close should not be resumable")
	}
	if !c.reconnectRequested.Load() {
		t.Fatalf("expected a reconnect request after any non-fatal close")
	}
}

func TestInflatePipelineRejectsIncompleteFrame(t *testing.T) {
	p := newInflatePipeline()
	defer p.close()

	_, ok, err := p.feedFrame([]byte{0x78, 0x9c, 0x01, 0x02})
	if err != nil {
		t.Fatalf("unexpected error on incomplete frame: %v", err)
	}
	if ok {
		t.Fatalf("expected incomplete frame to report ok=false")
	}
}
