package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/sparklost/endcord-rpc/netdial"
)

// connection abstracts the gateway transport so tests can inject a fake
// one without dialing a real websocket.
type connection interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	CloseNow() error
}

// wsConn wraps the websocket connection to the gateway. Frames are JSON
// text in cleartext, binary when zlib-stream compression is active.
type wsConn struct {
	conn *websocket.Conn
	addr string
}

func (c *Client) dialGateway(ctx context.Context, resume bool) (*wsConn, error) {
	base := c.gatewayBaseURL()
	if resume {
		if resumeURL := c.getResumeGatewayURL(); resumeURL != "" {
			base = resumeURL
		}
	}

	url := fmt.Sprintf("%s/?v=9&encoding=json&compress=zlib-stream", base)

	var httpClient *http.Client
	if c.cfg.Proxy != nil {
		hc, err := netdial.NewHTTPClient(c.cfg.Proxy, 0)
		if err != nil {
			return nil, fmt.Errorf("configure proxy: %w", err)
		}
		httpClient = hc
	}

	header := http.Header{}
	header.Set("Connection", "keep-alive, Upgrade")
	header.Set("Sec-WebSocket-Extensions", "permessage-deflate")
	if c.cfg.UserAgent != "" {
		header.Set("User-Agent", c.cfg.UserAgent)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	conn.SetReadLimit(1 << 24)

	return &wsConn{conn: conn, addr: url}, nil
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(status websocket.StatusCode, reason string) error {
	return w.conn.Close(status, reason)
}

func (w *wsConn) CloseNow() error {
	return w.conn.CloseNow()
}
