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
	"github.com/dTelecom/call-sfu/pkg/rtc/types"
)

// MessageSink is the outbound end of one user's socket.
type MessageSink interface {
	WriteMessage(msg *types.SignalMessage) error
	IsClosed() bool
	Close()
}

// MessageSource is the inbound end of one user's socket.
type MessageSource interface {
	// ReadChan exposes a one way channel to make it easier to use with select
	ReadChan() <-chan *types.SignalMessage
	IsClosed() bool
	Close()
}

// Bus delivers signal messages to users by user key. A user may be connected more than once,
// every registered sink receives the message.
type Bus interface {
	types.MessageSender

	Register(userKey string, sink MessageSink)
	Unregister(userKey string, sink MessageSink)
	// IsConnected reports whether the user has a sink on this node.
	IsConnected(userKey string) bool

	Start() error
	Stop()
}
