package gateway

import (
	"context"
	"math/rand"
	"time"
)

func (c *Client) startHeartbeat() {
	c.heartbeatRunning.Store(true)
	go func() {
		defer c.heartbeatRunning.Store(false)
		c.heartbeatLoop()
	}()
}

// heartbeatLoop waits for the READY dispatch to finish processing, then
// sends a heartbeat after a jittered 20-80% of interval_ms and a time-spent event
// every 30 minutes, abandoning the connection if an ack is ever missed.
func (c *Client) heartbeatLoop() {
	c.mu.Lock()
	c.heartbeatOK = true
	intervalMS := c.heartbeatMS
	c.mu.Unlock()

	if !c.waitForReady(intervalMS) {
		c.logger.Error("ready event could not be processed in time, giving up")
		c.reconnectRequested.Store(true)
		return
	}

	jitter := func() time.Duration {
		factor := 0.8 - 0.6*rand.Float64()
		return time.Duration(float64(intervalMS)*factor) * time.Millisecond
	}

	nextBeat := jitter()
	lastBeat := time.Now()
	timeSpentEventAt := time.Now().Add(-1990 * time.Second)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if c.closed.Load() {
			return
		}

		sendTimeSpent := !c.legacy && time.Since(timeSpentEventAt) >= 1800*time.Second
		if sendTimeSpent {
			c.sendTimeSpentEvent(context.Background())
			timeSpentEventAt = time.Now()
		}

		if time.Since(lastBeat) < nextBeat && !sendTimeSpent {
			continue
		}

		if err := c.sendHeartbeat(context.Background()); err != nil {
			c.logger.Error("heartbeat failed", "err", err)
			return
		}
		lastBeat = time.Now()
		c.logger.Debug("sent heartbeat")

		c.mu.Lock()
		ok := c.heartbeatOK
		c.heartbeatOK = false
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("heartbeat reply not received")
			c.mu.Lock()
			c.resumable = true
			c.mu.Unlock()
			c.reconnectRequested.Store(true)
			return
		}
		nextBeat = jitter()
	}
}

func (c *Client) waitForReady(intervalMS int64) bool {
	deadline := time.Now().Add(time.Duration(intervalMS/10) * time.Second)
	for {
		if c.GetReady() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func (c *Client) sendHeartbeat(ctx context.Context) error {
	seq := c.getSequence()
	if c.legacy {
		return c.send(ctx, map[string]any{"op": 1, "d": seq})
	}
	return c.send(ctx, map[string]any{
		"op": 1,
		"d": map[string]any{
			"seq": seq,
			"qos": map[string]any{"ver": 26, "active": true, "reason": "foregrounded"},
		},
	})
}

func (c *Client) sendTimeSpentEvent(ctx context.Context) {
	launchID, _ := c.cfg.Properties["client_launch_id"].(string)
	sessionID, _ := c.cfg.Properties["client_heartbeat_session_id"].(string)

	c.mu.Lock()
	initTimeMS := c.initTimeMS
	c.mu.Unlock()

	err := c.send(ctx, map[string]any{
		"op": 41,
		"d": map[string]any{
			"initialization_timestamp": initTimeMS,
			"session_id":               sessionID,
			"client_launch_id":         launchID,
		},
	})
	if err != nil {
		c.logger.Error("send time-spent event", "err", err)
		return
	}
	c.logger.Debug("sent time-spent event")
}
