package ipcserver

import (
	"context"
	"net"
	"reflect"
	"time"

	"github.com/goccy/go-json"
)

// handleConn runs the full lifecycle of one RPC client connection: read the
// handshake, send the cached READY dispatch, then relay SET_ACTIVITY
// updates into the shared activity list until the client disconnects.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_, initPayload, err := readFrame(conn)
	if err != nil {
		return
	}
	var init struct {
		ClientID string `json:"client_id"`
	}
	// A bare JSON string (not an object) shows up here for reasons the
	// client never documented; unmarshaling it into the struct just fails
	// ClientID's zero-value check below, which is the behavior we want.
	json.Unmarshal(initPayload, &init)
	if init.ClientID == "" {
		return
	}
	appID := init.ClientID

	app, err := s.rest.GetRPCApp(ctx, appID)
	if err != nil {
		s.logger.Warn("failed retrieving rpc app data", "app_id", appID, "err", err)
		return
	}
	rpcAssets, err := s.rest.GetRPCAppAssets(ctx, appID)
	if err != nil {
		s.logger.Warn("failed retrieving rpc app assets", "app_id", appID, "err", err)
		return
	}

	s.logger.Info("rpc client connected", "app", app.Name)
	defer func() {
		s.removeActivity(appID)
		s.logger.Info("rpc client disconnected", "app", app.Name)
	}()

	s.mu.Lock()
	dispatch := s.dispatch
	s.mu.Unlock()
	if err := writeFrame(conn, opFrame, dispatch); err != nil {
		return
	}

	var prevActivity map[string]any
	sentAt := time.Now().Add(-(gatewayRateLimit + time.Second))

	for {
		op, raw, err := readFrame(conn)
		if err != nil {
			return
		}

		var msg struct {
			Cmd   string         `json:"cmd"`
			Evt   *string        `json:"evt"`
			Nonce any            `json:"nonce"`
			Args  map[string]any `json:"args"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		if msg.Cmd != "SET_ACTIVITY" {
			writeFrame(conn, op, map[string]any{
				"cmd":   msg.Cmd,
				"data":  map[string]any{"evt": msg.Evt},
				"evt":   nil,
				"nonce": msg.Nonce,
			})
			continue
		}

		activity, _ := msg.Args["activity"].(map[string]any)

		delay := gatewayRateLimit
		if reflect.DeepEqual(activity, prevActivity) {
			delay = gatewayRateLimitSame
		}
		allowed := time.Since(sentAt) >= delay
		if allowed {
			prevActivity = activity
			sentAt = time.Now()
		}

		responseData := any(activity)
		if activity != nil && allowed {
			normalized := s.normalizeActivity(ctx, appID, app.Name, rpcAssets, activity)
			s.setActivity(appID, normalized)
			responseData = normalized
		}

		writeFrame(conn, op, map[string]any{
			"cmd":   msg.Cmd,
			"data":  responseData,
			"evt":   nil,
			"nonce": msg.Nonce,
		})
	}
}
