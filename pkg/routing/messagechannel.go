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

package routing

import (
	"sync"

	"github.com/dTelecom/call-sfu/pkg/rtc/types"
)

const DefaultMessageChannelSize = 200

// MessageChannel buffers signal messages for one socket. Writes never block, a reader that
// falls behind makes writes fail with ErrChannelFull.
type MessageChannel struct {
	lock     sync.RWMutex
	msgChan  chan *types.SignalMessage
	isClosed bool
	onClose  func()
}

func NewMessageChannel(size int) *MessageChannel {
	return &MessageChannel{
		msgChan: make(chan *types.SignalMessage, size),
	}
}

func (m *MessageChannel) OnClose(f func()) {
	m.lock.Lock()
	m.onClose = f
	m.lock.Unlock()
}

func (m *MessageChannel) WriteMessage(msg *types.SignalMessage) error {
	m.lock.RLock()
	defer m.lock.RUnlock()

	if m.isClosed {
		return ErrChannelClosed
	}
	select {
	case m.msgChan <- msg:
		return nil
	default:
		return ErrChannelFull
	}
}

func (m *MessageChannel) ReadChan() <-chan *types.SignalMessage {
	return m.msgChan
}

func (m *MessageChannel) IsClosed() bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.isClosed
}

func (m *MessageChannel) Close() {
	m.lock.Lock()
	if m.isClosed {
		m.lock.Unlock()
		return
	}
	m.isClosed = true
	close(m.msgChan)
	onClose := m.onClose
	m.lock.Unlock()

	if onClose != nil {
		onClose()
	}
}
