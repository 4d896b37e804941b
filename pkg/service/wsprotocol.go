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
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/call-sfu/pkg/config"
	"github.com/dTelecom/call-sfu/pkg/rtc/types"
)

// WSSignalConnection reads and writes JSON signal frames over a websocket. The peer is
// considered gone when no pong arrives within the pong timeout.
type WSSignalConnection struct {
	conn types.WebsocketClient
	conf config.SignalConfig
	mu   sync.Mutex

	closed core.Fuse
}

func NewWSSignalConnection(conn types.WebsocketClient, conf config.SignalConfig) *WSSignalConnection {
	wsc := &WSSignalConnection{
		conn: conn,
		conf: conf,
	}
	_ = conn.SetReadDeadline(time.Now().Add(conf.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(conf.PongTimeout))
	})
	go wsc.pingWorker()
	return wsc
}

func (c *WSSignalConnection) Close() error {
	c.closed.Break()
	return c.conn.Close()
}

// ReadMessage returns the next signal frame. Non-text frames are skipped.
func (c *WSSignalConnection) ReadMessage() (*types.SignalMessage, int, error) {
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return nil, 0, err
		}
		// any traffic proves the peer alive
		_ = c.conn.SetReadDeadline(time.Now().Add(c.conf.PongTimeout))

		if messageType != websocket.TextMessage {
			logger.Debugw("unsupported message", "message", messageType)
			continue
		}
		msg := &types.SignalMessage{}
		if err := json.Unmarshal(payload, msg); err != nil {
			return nil, len(payload), errors.Wrap(ErrMalformedPayload, err.Error())
		}
		return msg, len(payload), nil
	}
}

func (c *WSSignalConnection) WriteMessage(msg *types.SignalMessage) (int, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conf.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.conf.WriteTimeout))
	}
	return len(payload), c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *WSSignalConnection) pingWorker() {
	ticker := time.NewTicker(c.conf.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed.Watch():
			return
		case <-ticker.C:
			err := c.conn.WriteControl(websocket.PingMessage, []byte(""), time.Now().Add(c.conf.WriteTimeout))
			if err != nil {
				return
			}
		}
	}
}

// IsWebSocketCloseError checks that error is normal/expected closure
func IsWebSocketCloseError(err error) bool {
	return errors.Is(err, io.EOF) ||
		strings.HasSuffix(err.Error(), "use of closed network connection") ||
		strings.HasSuffix(err.Error(), "connection reset by peer") ||
		websocket.IsCloseError(
			err,
			websocket.CloseAbnormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNormalClosure,
			websocket.CloseNoStatusReceived,
		)
}
