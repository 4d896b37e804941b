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
	"encoding/json"
	"fmt"

	"github.com/livekit/protocol/logger"
)

type Namespace string

const (
	NamespaceCall   Namespace = "call"
	NamespaceMatch  Namespace = "match"
	NamespaceMedia  Namespace = "client"
	NamespaceServer Namespace = "server"
)

// Event is one of CallEvent, MatchEvent, MediaEvent or ServerEvent.
type Event interface {
	fmt.Stringer
	Namespace() Namespace
}

type CallEvent string

const (
	CallRequest       CallEvent = "call:request"
	CallResponse      CallEvent = "call:response"
	CallEnd           CallEvent = "call:end"
	CallCheckPending  CallEvent = "call:check:pending"
	CallCheckExisting CallEvent = "call:check:existing"

	CallIncoming   CallEvent = "call:incoming"
	CallAccepted   CallEvent = "call:accepted"
	CallRejected   CallEvent = "call:rejected"
	CallEnded      CallEvent = "call:ended"
	CallCancelled  CallEvent = "call:cancelled"
	CallUserJoined CallEvent = "call:user_joined"
	CallUserLeft   CallEvent = "call:user_left"
	CallSuccess    CallEvent = "call:success"
)

func (e CallEvent) String() string { return string(e) }
func (e CallEvent) Namespace() Namespace { return NamespaceCall }

type MatchEvent string

const (
	MatchCreateRequest MatchEvent = "match:create_match_request"
	MatchCancelRequest MatchEvent = "match:cancel_match_request"

	MatchQueued  MatchEvent = "match:queued"
	MatchSuccess MatchEvent = "match:match_success"
)

func (e MatchEvent) String() string { return string(e) }
func (e MatchEvent) Namespace() Namespace { return NamespaceMatch }

type MediaEvent string

const (
	MediaGetRtpCapabilities  MediaEvent = "client:get_router_rtp_capabilities"
	MediaCreateSendTransport MediaEvent = "client:create_send_transport"
	MediaCreateRecvTransport MediaEvent = "client:create_recv_transport"
	MediaConnectTransport    MediaEvent = "client:connect_web_rtc_transport"
	MediaProduce             MediaEvent = "client:produce"
	MediaGetProducers        MediaEvent = "client:get_producers"
	MediaConsume             MediaEvent = "client:consume"
	MediaProducerPause       MediaEvent = "client:producer_pause"
	MediaProducerResume      MediaEvent = "client:producer_resume"
	MediaEnd                 MediaEvent = "client:mediasoup_end"
)

func (e MediaEvent) String() string { return string(e) }
func (e MediaEvent) Namespace() Namespace { return NamespaceMedia }

type ServerEvent string

const (
	ServerNewProducer     ServerEvent = "server:new_producer"
	ServerProducerPaused  ServerEvent = "server:producer_paused"
	ServerProducerResumed ServerEvent = "server:producer_resumed"
	ServerUserLeft        ServerEvent = "server:user_left"
	ServerWorkerRestart   ServerEvent = "server:worker_restart"
	ServerMediaEnd        ServerEvent = "server:mediasoup_end"
)

func (e ServerEvent) String() string { return string(e) }
func (e ServerEvent) Namespace() Namespace { return NamespaceServer }

var inboundEvents = map[string]Event{}

func init() {
	for _, e := range []Event{
		CallRequest, CallResponse, CallEnd, CallCheckPending, CallCheckExisting,
		MatchCreateRequest, MatchCancelRequest,
		MediaGetRtpCapabilities, MediaCreateSendTransport, MediaCreateRecvTransport, MediaConnectTransport,
		MediaProduce, MediaGetProducers, MediaConsume, MediaProducerPause, MediaProducerResume, MediaEnd,
	} {
		inboundEvents[e.String()] = e
	}
}

// ParseInboundEvent maps an event name sent by a client onto the closed set of events a client may send.
func ParseInboundEvent(name string) (Event, error) {
	if e, ok := inboundEvents[name]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("unknown event %q", name)
}

type SignalError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SignalMessage struct {
	Event string          `json:"event"`
	Ack   string          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *SignalError    `json:"error,omitempty"`
}

func NewSignalMessage(event Event, payload interface{}) *SignalMessage {
	msg := &SignalMessage{Event: event.String()}
	if payload == nil {
		return msg
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Errorw("could not encode signal payload", err, "event", event)
		return msg
	}
	msg.Data = data
	return msg
}

func (m *SignalMessage) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// inbound payloads

type RoomRequest struct {
	RoomID string `json:"roomId"`
}

type CallResponseRequest struct {
	CallerID string `json:"callerId"`
	Accepted bool   `json:"accepted"`
	RoomID   string `json:"roomId"`
}

type MatchRequest struct {
	GameType string `json:"gameType"`
}

type ConnectTransportRequest struct {
	ID             string         `json:"id"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
	// IceParameters are the client's own ice credentials. Engines that validate the full
	// STUN username of inbound connectivity checks need them.
	IceParameters *IceParameters `json:"iceParameters,omitempty"`
}

type ProduceRequest struct {
	RoomID        string        `json:"roomId"`
	TransportID   string        `json:"transportId"`
	Kind          MediaKind     `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
	TrackType     TrackType     `json:"trackType"`
}

type ConsumeRequest struct {
	RoomID          string          `json:"roomId"`
	ProducerID      string          `json:"producerId"`
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
	TransportID     string          `json:"transportId"`
	TrackType       TrackType       `json:"trackType"`
}

type TrackRequest struct {
	RoomID    string    `json:"roomId"`
	TrackType TrackType `json:"trackType"`
}

// outbound payloads

type CallNotification struct {
	RoomID          string           `json:"roomId"`
	CallerID        string           `json:"callerId,omitempty"`
	CallerName      string           `json:"callerName,omitempty"`
	UserID          string           `json:"userId,omitempty"`
	UserName        string           `json:"userName,omitempty"`
	Participants    []string         `json:"participants,omitempty"`
	RtpCapabilities *RtpCapabilities `json:"rtpCapabilities,omitempty"`
}

type UserInfo struct {
	UserKey string `json:"userKey"`
	Name    string `json:"name,omitempty"`
}

type MatchQueuedNotification struct {
	GameType string `json:"gameType"`
	Position int64  `json:"position"`
}

type MatchSuccessNotification struct {
	RoomID          string          `json:"roomId"`
	UserKeys        []string        `json:"userKeys"`
	OpponentsUser   UserInfo        `json:"opponentsUser"`
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
}

type ProducerInfo struct {
	ProducerID string    `json:"producerId"`
	UserKey    string    `json:"userKey"`
	Kind       MediaKind `json:"kind"`
	TrackType  TrackType `json:"trackType"`
	Paused     bool      `json:"paused"`
}

type ProduceResponse struct {
	ProducerID string `json:"producerId"`
}

type ConsumeResponse struct {
	ID             string        `json:"id"`
	ProducerID     string        `json:"producerId"`
	Kind           MediaKind     `json:"kind"`
	RtpParameters  RtpParameters `json:"rtpParameters"`
	Type           string        `json:"type"`
	ProducerPaused bool          `json:"producerPaused"`
	TrackType      TrackType     `json:"trackType"`
}

type ProducerStateNotification struct {
	RoomID     string    `json:"roomId"`
	UserKey    string    `json:"userKey"`
	ProducerID string    `json:"producerId"`
	TrackType  TrackType `json:"trackType"`
}

type UserLeftNotification struct {
	RoomID      string   `json:"roomId"`
	UserKey     string   `json:"userKey"`
	UserName    string   `json:"userName,omitempty"`
	ProducerIDs []string `json:"producerIds"`
}

type RoomNotification struct {
	RoomID string `json:"roomId"`
}

// reply payloads

type RoomsResponse struct {
	RoomIDs []string `json:"roomIds"`
}

type ParticipantsResponse struct {
	RoomID       string   `json:"roomId"`
	Participants []string `json:"participants"`
}

type TrackStateResponse struct {
	TrackType TrackType `json:"trackType"`
	Changed   bool      `json:"changed"`
}
