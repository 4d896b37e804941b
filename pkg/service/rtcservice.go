// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/call-sfu/pkg/config"
	"github.com/dTelecom/call-sfu/pkg/routing"
	"github.com/dTelecom/call-sfu/pkg/rtc/types"
	"github.com/dTelecom/call-sfu/pkg/telemetry/prometheus"
)

// RTCService upgrades /signal requests to a signal socket. The user is identified by the
// userKey query parameter, authentication happens in front of this service.
type RTCService struct {
	conf     *config.Config
	bus      routing.Bus
	node     *routing.LocalNode
	presence Presence
	calls    *CallService
	matcher  *MatchMaker
	media    MediaSession
	handler  *SignalHandler
	upgrader websocket.Upgrader
}

func NewRTCService(
	conf *config.Config,
	bus routing.Bus,
	node *routing.LocalNode,
	presence Presence,
	calls *CallService,
	matcher *MatchMaker,
	media MediaSession,
	handler *SignalHandler,
) *RTCService {
	s := &RTCService{
		conf:     conf,
		bus:      bus,
		node:     node,
		presence: presence,
		calls:    calls,
		matcher:  matcher,
		media:    media,
		handler:  handler,
	}

	// allow connections from any origin, since script may be hosted anywhere
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}
	return s
}

func (s *RTCService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := userFromRequest(r)
	if err != nil {
		handleError(w, r, http.StatusBadRequest, err)
		return
	}
	if s.node.State() != routing.NodeStateServing {
		handleError(w, r, http.StatusServiceUnavailable, ErrServerShuttingDown)
		return
	}

	// upgrade only once the basics are good to go
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnw("could not upgrade to WS", err, "userKey", user.UserKey)
		return
	}
	sigConn := NewWSSignalConnection(conn, s.conf.Signal)
	defer sigConn.Close()

	pLogger := logger.GetLogger().WithValues("userKey", user.UserKey, "remote", GetClientIP(r))
	msgChan := routing.NewMessageChannel(s.conf.Signal.MessageBufferSize)
	sess := NewSignalSession(user, msgChan)

	ctx := context.Background()
	if err := s.connect(ctx, user, msgChan); err != nil {
		pLogger.Warnw("could not register connection", err)
		return
	}
	defer s.disconnect(ctx, user, msgChan, pLogger)
	pLogger.Infow("new client WS connected", "name", user.Name)

	// handle outgoing messages
	go func() {
		defer func() {
			// the channel only closes once the socket is done, a write failure ends it early
			_ = sigConn.Close()
		}()
		for msg := range msgChan.ReadChan() {
			if _, err := sigConn.WriteMessage(msg); err != nil {
				if !IsWebSocketCloseError(err) {
					pLogger.Warnw("error writing to websocket", err)
				}
				return
			}
		}
	}()

	if _, err := s.calls.CheckPending(ctx, user.UserKey); err != nil {
		pLogger.Warnw("could not check pending calls", err)
	}

	// handle incoming requests from websocket
	for {
		msg, _, err := sigConn.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrMalformedPayload) {
				pLogger.Debugw("dropping malformed frame", "error", err)
				continue
			}
			if !IsWebSocketCloseError(err) {
				pLogger.Infow("error reading from websocket", "error", err)
			}
			return
		}
		s.handler.HandleMessage(sess, msg)
	}
}

// connect makes the user reachable on this node. A fresh connection never inherits queue entries.
func (s *RTCService) connect(ctx context.Context, user types.UserInfo, sink routing.MessageSink) error {
	// reachable before anyone can see the user online
	s.bus.Register(user.UserKey, sink)
	if err := s.presence.SetOnline(ctx, user.UserKey, user.Name, s.node.NodeID()); err != nil {
		s.bus.Unregister(user.UserKey, sink)
		return err
	}
	if err := s.matcher.CancelAll(ctx, user.UserKey); err != nil {
		logger.Warnw("could not clear match queues", err, "userKey", user.UserKey)
	}
	prometheus.AddConnection()
	return nil
}

func (s *RTCService) disconnect(ctx context.Context, user types.UserInfo, msgChan *routing.MessageChannel, pLogger logger.Logger) {
	s.bus.Unregister(user.UserKey, msgChan)
	msgChan.Close()
	prometheus.SubConnection()

	if err := s.presence.SetOffline(ctx, user.UserKey); err != nil {
		pLogger.Warnw("could not mark user offline", err)
	}
	if err := s.matcher.CancelAll(ctx, user.UserKey); err != nil {
		pLogger.Warnw("could not clear match queues", err)
	}
	for _, roomID := range s.media.UserRooms(user.UserKey) {
		s.media.HandleUserLeave(ctx, user.UserKey, user.Name, roomID)
	}
	pLogger.Infow("WS connection closed")
}
