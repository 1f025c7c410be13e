package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/goccy/go-json"
)

// guard polls for a pending reconnect request every 500ms and spawns a
// reconnect attempt when one is pending and none is already in flight.
// Keeping this indirection lets the receiver and heartbeat tasks just
// request a reconnect and terminate themselves cleanly, without either
// one driving the reconnect machinery directly.
func (c *Client) guard() {
	for {
		select {
		case <-c.guardDone:
			return
		case <-time.After(500 * time.Millisecond):
		}

		if c.closed.Load() || c.GetError() != nil {
			return
		}
		if !c.reconnectRequested.CompareAndSwap(true, false) {
			continue
		}
		if !c.reconnecting.CompareAndSwap(false, true) {
			c.reconnectRequested.Store(true)
			continue
		}

		go func() {
			defer c.reconnecting.Store(false)
			c.reconnect(context.Background())
		}()
	}
}

func (c *Client) takeResumable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.resumable
	c.resumable = false
	return r
}

func (c *Client) getSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	inflate := c.inflate
	c.mu.Unlock()
	if conn != nil {
		conn.CloseNow()
	}
	if inflate != nil {
		inflate.close()
	}
}

func (c *Client) resetInflator() {
	c.mu.Lock()
	c.inflate = newInflatePipeline()
	c.mu.Unlock()
}

func (c *Client) setConn(conn connection) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) reconnect(ctx context.Context) {
	if c.closed.Load() {
		return
	}
	c.state.Store(int32(StateReconnecting))
	c.logger.Info("trying to reconnect")

	resumed := false
	var err error
	if c.takeResumable() {
		resumed, err = c.tryResume(ctx)
	}
	if !resumed {
		err = c.reconnectFresh(ctx)
	}
	if err != nil {
		if isAddressUnresolvable(err) {
			c.logger.Warn("no internet connection, waiting")
			go c.waitOnline()
			return
		}
		c.logger.Error("reconnect failed", "err", err)
		return
	}

	if !c.receiverRunning.Load() {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		c.startReceiver(conn)
	}
	if !c.heartbeatRunning.Load() {
		c.startHeartbeat()
	}

	c.state.Store(int32(StateConnected))
	c.logger.Info("connection established")
}

// tryResume reopens the websocket at resume_gateway_url and sends an
// opcode-6 resume frame. It returns resumed=false (without error) when the
// platform rejects the resume and the caller must fall back to a fresh
// identify.
func (c *Client) tryResume(ctx context.Context) (bool, error) {
	c.closeConn()
	time.Sleep(time.Second)
	c.resetInflator()

	conn, err := c.dialGateway(ctx, true)
	if err != nil {
		return false, fmt.Errorf("resume dial: %w", err)
	}
	c.setConn(conn)

	if err := c.readHello(ctx, conn); err != nil {
		return false, fmt.Errorf("resume read hello: %w", err)
	}

	payload := map[string]any{
		"op": 6,
		"d": map[string]any{
			"token":      c.cfg.Token,
			"session_id": c.getSessionID(),
			"seq":        c.getSequence(),
		},
	}
	if err := c.send(ctx, payload); err != nil {
		return false, fmt.Errorf("send resume: %w", err)
	}

	frame, err := conn.Read(ctx)
	if err != nil {
		return false, fmt.Errorf("resume read ack: %w", err)
	}
	raw, ok, err := c.getInflate().feedFrame(frame)
	if err != nil || !ok {
		c.logger.Info("failed to resume connection")
		return false, nil
	}

	var env struct {
		Op int `json:"op"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Info("failed to resume connection")
		return false, nil
	}
	if env.Op == 9 {
		return false, nil
	}
	c.logger.Debug("connection resumed", "op", env.Op)
	return true, nil
}

func (c *Client) reconnectFresh(ctx context.Context) error {
	c.closeConn()
	time.Sleep(time.Second)
	c.resetInflator()
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()

	conn, err := c.dialGateway(ctx, false)
	if err != nil {
		return fmt.Errorf("reconnect dial: %w", err)
	}
	c.setConn(conn)

	if err := c.readHello(ctx, conn); err != nil {
		return fmt.Errorf("reconnect read hello: %w", err)
	}
	return c.authenticate(ctx)
}

// waitOnline retries a reconnect every 5s until one succeeds, for the
// address-unresolvable case where there is currently no network route at
// all.
func (c *Client) waitOnline() {
	for !c.closed.Load() {
		c.reconnectRequested.Store(true)
		time.Sleep(5 * time.Second)
		if c.GetState() != StateReconnecting || c.receiverRunning.Load() {
			return
		}
	}
}

func isAddressUnresolvable(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
