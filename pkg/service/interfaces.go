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
	"time"

	"github.com/dTelecom/call-sfu/pkg/rtc"
	"github.com/dTelecom/call-sfu/pkg/rtc/types"
)

type CallState string

const (
	CallStateRequesting CallState = "requesting"
	CallStateActive     CallState = "active"
)

type CallRecord struct {
	RoomID       string    `json:"roomId"`
	CallerID     string    `json:"callerId"`
	CallerName   string    `json:"callerName,omitempty"`
	Recipients   []string  `json:"recipients,omitempty"`
	Participants []string  `json:"participants,omitempty"`
	State        CallState `json:"state"`
	CreatedAt    int64     `json:"createdAt"`
}

type MatchRecord struct {
	RoomID    string
	GameType  string
	UserKeys  []string
	CreatedAt time.Time
}

// CallStore keeps call records and the per-user markers that mirror them.
// Lookups of absent records fail with ErrCallNotFound.
type CallStore interface {
	// StoreRequest writes the requesting record, its backup, the caller's request marker
	// and an awaiting-response marker for every recipient.
	StoreRequest(ctx context.Context, rec *CallRecord) error
	LoadRequest(ctx context.Context, roomID string) (*CallRecord, error)
	LoadRequestBackup(ctx context.Context, roomID string) (*CallRecord, error)
	// DeleteRequest removes the requesting record, its backup and the caller's marker.
	DeleteRequest(ctx context.Context, roomID, callerID string) error

	// StoreActive writes the active record and an active marker for every participant.
	StoreActive(ctx context.Context, rec *CallRecord) error
	// LoadActive refreshes the TTL of the record and of the participants' active markers.
	LoadActive(ctx context.Context, roomID string) (*CallRecord, error)
	DeleteActive(ctx context.Context, roomID string, participants []string) error
	DeleteUserActive(ctx context.Context, userID string) error

	ClearAwaitingResponse(ctx context.Context, userIDs ...string) error
	UserRequest(ctx context.Context, userID string) (string, error)
	UserActive(ctx context.Context, userID string) (string, error)
	UserAwaiting(ctx context.Context, userID string) (string, error)
}

// RoomDirectory exposes room membership owned by the chat service.
type RoomDirectory interface {
	RoomMembers(ctx context.Context, roomID string) ([]string, error)
	UserRooms(ctx context.Context, userID string) ([]string, error)
	AddRoom(ctx context.Context, roomID string, members []string) error
	RemoveRoom(ctx context.Context, roomID string, members []string) error
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

type Presence interface {
	SetOnline(ctx context.Context, userKey, name, nodeID string) error
	SetOffline(ctx context.Context, userKey string) error
	IsOnline(ctx context.Context, userKey string) (bool, error)
	Name(ctx context.Context, userKey string) (string, error)
}

type MatchStore interface {
	CreateMatch(ctx context.Context, rec *MatchRecord) error
	LoadMatch(ctx context.Context, roomID string) (*MatchRecord, error)
	DeleteMatch(ctx context.Context, roomID string) error
}

// MediaRooms is the part of the media lifecycle that call and match flows drive.
type MediaRooms interface {
	GetRouterRtpCapabilities(ctx context.Context, roomID string) (types.RtpCapabilities, error)
	AdmitParticipants(roomID string, userKeys []string)
	DiscardRoom(roomID string)
	HandleUserLeave(ctx context.Context, userKey, userName, roomID string)
	UserRooms(userKey string) []string
	OnRoomTeardown(f rtc.RoomTeardownFunc)
}

// MediaSession is the media lifecycle as driven by a client's socket.
type MediaSession interface {
	GetRouterRtpCapabilities(ctx context.Context, roomID string) (types.RtpCapabilities, error)
	CreateTransport(ctx context.Context, roomID, userKey string, direction types.TransportDirection) (*rtc.TransportInfo, error)
	ConnectTransport(ctx context.Context, userKey, transportID string, dtls types.DtlsParameters, ice *types.IceParameters) error
	CreateProducer(ctx context.Context, userKey, transportID string, kind types.MediaKind, params types.RtpParameters, trackType types.TrackType) (*rtc.ProducerInfo, error)
	CreateConsumer(ctx context.Context, roomID, userKey, producerID string, caps types.RtpCapabilities, transportID string, trackType types.TrackType) (*rtc.ConsumerInfo, error)
	Pause(ctx context.Context, roomID, userKey string, trackType types.TrackType) (bool, error)
	Resume(ctx context.Context, roomID, userKey string, trackType types.TrackType) (bool, error)
	GetProducers(roomID, exceptUser string) []types.ProducerInfo
	HandleUserLeave(ctx context.Context, userKey, userName, roomID string)
	UserRooms(userKey string) []string
}
