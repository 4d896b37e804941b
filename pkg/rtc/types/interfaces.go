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

package types

import (
	"context"
	"time"
)

type WebsocketClient interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// MessageSender delivers signal messages to users wherever they are connected.
type MessageSender interface {
	SendToUsers(ctx context.Context, userKeys []string, msg *SignalMessage) error
}

type WorkerSettings struct {
	Index      int
	RTCMinPort uint16
	RTCMaxPort uint16
}

// WorkerFactory spawns media engine workers. A replacement for a dead worker is requested with
// the settings of the worker it replaces.
type WorkerFactory interface {
	NewWorker(ctx context.Context, settings WorkerSettings) (Worker, error)
}

// Worker is a handle to one media engine process.
type Worker interface {
	PID() int
	Settings() WorkerSettings
	CreateRouter(ctx context.Context) (Router, error)
	// OnDied is invoked once when the worker terminates without Close being called.
	OnDied(f func(err error))
	Close() error
	Closed() bool
}

// Router is the media routing context of one room on one worker.
type Router interface {
	ID() string
	RtpCapabilities() RtpCapabilities
	CanConsume(producerID string, caps RtpCapabilities) bool
	CreateWebRTCTransport(ctx context.Context) (WebRTCTransport, error)
	Close() error
	Closed() bool
}

type WebRTCTransport interface {
	ID() string
	Options() TransportOptions
	// Connect hands the remote endpoint's parameters to the transport. The ice and dtls
	// handshakes complete asynchronously.
	Connect(ctx context.Context, dtls DtlsParameters, ice *IceParameters) error
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	Close() error
	Closed() bool
}

type Producer interface {
	ID() string
	Kind() MediaKind
	RtpParameters() RtpParameters
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close() error
	Closed() bool
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	RtpParameters() RtpParameters
	Type() string
	ProducerPaused() bool
	Close() error
	Closed() bool
}
