// Package ipcserver emulates the desktop client's local rich-presence
// endpoint: a Unix socket on Linux/macOS or a named pipe on Windows that
// game clients and other RPC-speaking applications connect to and send
// SET_ACTIVITY payloads on, using the same length-prefixed JSON framing and
// activity-normalization rules the real client applies before relaying a
// presence update to the gateway.
package ipcserver

import (
	"context"
	"log/slog"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/sparklost/endcord-rpc/restclient"
)

const (
	opHandshake = 0
	opFrame     = 1

	gatewayRateLimit     = 5 * time.Second
	gatewayRateLimitSame = 60 * time.Second
	externalAssetDelay   = 1500 * time.Millisecond
)

var assetWhitelist = map[string]bool{
	"large_text":  true,
	"small_text":  true,
	"large_image": true,
	"small_image": true,
}

// Server runs the local IPC listener and aggregates the activities every
// currently-connected RPC application wants shown.
type Server struct {
	rest     *restclient.Client
	external bool
	logger   *slog.Logger

	mu         sync.Mutex
	activities []map[string]any
	changed    bool
	dispatch   map[string]any
}

// New returns a Server. It does not listen until Start is called.
func New(rest *restclient.Client, externalAssets bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{rest: rest, external: externalAssets, logger: logger}
}

// SetUserData regenerates the READY dispatch sent to every newly connected
// client, from the identity snapshot the gateway exposes.
func (s *Server) SetUserData(user map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch = buildDispatch(user)
}

// Start runs the accept loop in the background until ctx is canceled. Bot
// accounts have no third-party-facing identity to authenticate RPC clients
// against, so the server never listens for one.
func (s *Server) Start(ctx context.Context, user map[string]any) {
	if bot, _ := user["bot"].(bool); bot {
		s.logger.Warn("rpc server cannot be started for bot accounts")
		return
	}
	s.SetUserData(user)

	ln, err := listen()
	if err != nil {
		s.logger.Warn("rpc server could not start", "err", err)
		return
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("rpc server started")
	go s.acceptLoop(ctx, ln)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("rpc accept", "err", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// GetActivities returns the current activity list. With force false it
// returns nil unless something changed since the last call; orchestrator's
// poll loop uses that to only push a presence update when needed.
func (s *Server) GetActivities(force bool) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.changed && !force {
		return nil
	}
	s.changed = false
	out := make([]map[string]any, len(s.activities))
	copy(out, s.activities)
	return out
}

func (s *Server) setActivity(appID string, activity map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.activities {
		if a["application_id"] == appID {
			if !reflect.DeepEqual(a, activity) {
				s.activities[i] = activity
				s.changed = true
			}
			return
		}
	}
	s.activities = append(s.activities, activity)
	s.changed = true
}

func (s *Server) removeActivity(appID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.activities {
		if a["application_id"] == appID {
			s.activities = append(s.activities[:i], s.activities[i+1:]...)
			s.changed = true
			return
		}
	}
}
