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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/psrpc"

	"github.com/dTelecom/call-sfu/pkg/routing"
	"github.com/dTelecom/call-sfu/pkg/rtc/rtctest"
	"github.com/dTelecom/call-sfu/pkg/rtc/types"
	"github.com/dTelecom/call-sfu/pkg/testutils"
)

func newTestHandler(t *testing.T) (*testEnv, *SignalHandler) {
	t.Helper()

	env := newTestEnv(t)
	env.matcher.Stop()
	h := NewSignalHandler(env.conf, env.calls, env.matcher, env.media, env.directory)
	t.Cleanup(h.Stop)
	return env, h
}

func request(t *testing.T, event types.Event, ack string, payload interface{}) *types.SignalMessage {
	t.Helper()

	msg := types.NewSignalMessage(event, payload)
	msg.Ack = ack
	return msg
}

func TestSignalHandlerCall(t *testing.T) {
	env, h := newTestHandler(t)
	ctx := context.Background()
	env.room(t, "room-1", "alice", "bob")
	env.online(t, "alice", "bob")
	alice := NewSignalSession(user("alice"), routing.NewMessageChannel(10))
	bob := NewSignalSession(user("bob"), routing.NewMessageChannel(10))

	reply := h.Handle(ctx, alice, request(t, types.CallRequest, "1", &types.RoomRequest{RoomID: "room-1"}))
	require.NotNil(t, reply)
	require.Nil(t, reply.Error)
	require.Equal(t, "1", reply.Ack)
	require.Equal(t, types.CallRequest.String(), reply.Event)
	var n types.CallNotification
	require.NoError(t, reply.Decode(&n))
	require.Equal(t, "alice", n.CallerID)

	t.Run("errors carry their code", func(t *testing.T) {
		reply := h.Handle(ctx, alice, request(t, types.CallRequest, "2", &types.RoomRequest{RoomID: "room-1"}))
		require.NotNil(t, reply.Error)
		require.Equal(t, string(psrpc.AlreadyExists), reply.Error.Code)
	})

	t.Run("no reply without ack", func(t *testing.T) {
		require.Nil(t, h.Handle(ctx, alice, request(t, types.CallRequest, "", &types.RoomRequest{RoomID: "room-1"})))
	})

	t.Run("pending", func(t *testing.T) {
		reply := h.Handle(ctx, bob, request(t, types.CallCheckPending, "3", nil))
		var res types.RoomsResponse
		require.NoError(t, reply.Decode(&res))
		require.Equal(t, []string{"room-1"}, res.RoomIDs)
	})

	t.Run("accept", func(t *testing.T) {
		reply := h.Handle(ctx, bob, request(t, types.CallResponse, "4", &types.CallResponseRequest{
			CallerID: "alice",
			RoomID:   "room-1",
			Accepted: true,
		}))
		require.Nil(t, reply.Error)
		require.Equal(t, []string{"alice"}, deliveredTo(env.sink.Sent(types.CallAccepted)))

		reply = h.Handle(ctx, bob, request(t, types.CallCheckExisting, "5", &types.RoomRequest{RoomID: "room-1"}))
		var res types.ParticipantsResponse
		require.NoError(t, reply.Decode(&res))
		require.Equal(t, []string{"alice"}, res.Participants)
	})

	t.Run("end", func(t *testing.T) {
		reply := h.Handle(ctx, bob, request(t, types.CallEnd, "6", &types.RoomRequest{RoomID: "room-1"}))
		require.Nil(t, reply.Error)
		require.ElementsMatch(t, []string{"alice", "bob"}, deliveredTo(env.sink.Sent(types.CallEnded)))
	})
}

func TestSignalHandlerRejectsBadInput(t *testing.T) {
	_, h := newTestHandler(t)
	ctx := context.Background()
	sess := NewSignalSession(user("alice"), routing.NewMessageChannel(10))

	for name, msg := range map[string]*types.SignalMessage{
		"unknown event":       {Event: "call:dance", Ack: "1"},
		"server notification": {Event: types.CallIncoming.String(), Ack: "1"},
		"server event":        {Event: types.ServerNewProducer.String(), Ack: "1"},
	} {
		reply := h.Handle(ctx, sess, msg)
		require.NotNil(t, reply.Error, name)
		require.Equal(t, string(psrpc.InvalidArgument), reply.Error.Code, name)
	}

	reply := h.Handle(ctx, sess, &types.SignalMessage{
		Event: types.CallRequest.String(),
		Ack:   "2",
		Data:  json.RawMessage(`{"roomId": 7}`),
	})
	require.Equal(t, string(psrpc.MalformedRequest), reply.Error.Code)

	reply = h.Handle(ctx, sess, request(t, types.MediaCreateSendTransport, "3", &types.RoomRequest{}))
	require.Equal(t, string(psrpc.InvalidArgument), reply.Error.Code)
}

func TestSignalHandlerMatch(t *testing.T) {
	_, h := newTestHandler(t)
	ctx := context.Background()
	sink := routing.NewMessageChannel(10)
	sess := NewSignalSession(user("alice"), sink)

	reply := h.Handle(ctx, sess, request(t, types.MatchCreateRequest, "1", &types.MatchRequest{GameType: "chess"}))
	require.Nil(t, reply.Error)
	var queued types.MatchQueuedNotification
	require.NoError(t, reply.Decode(&queued))
	require.EqualValues(t, 1, queued.Position)

	// also announced on the socket
	msg := <-sink.ReadChan()
	require.Equal(t, types.MatchQueued.String(), msg.Event)

	reply = h.Handle(ctx, sess, request(t, types.MatchCancelRequest, "2", &types.MatchRequest{GameType: "chess"}))
	require.Nil(t, reply.Error)

	reply = h.Handle(ctx, sess, request(t, types.MatchCreateRequest, "3", &types.MatchRequest{GameType: "poker"}))
	require.Equal(t, string(psrpc.InvalidArgument), reply.Error.Code)
}

func TestSignalHandlerMedia(t *testing.T) {
	env, h := newTestHandler(t)
	env.room(t, "room-1", "alice", "bob")
	ctx := context.Background()
	alice := NewSignalSession(user("alice"), routing.NewMessageChannel(10))
	bob := NewSignalSession(user("bob"), routing.NewMessageChannel(10))
	mallory := NewSignalSession(user("mallory"), routing.NewMessageChannel(10))

	reply := h.Handle(ctx, alice, request(t, types.MediaGetRtpCapabilities, "1", &types.RoomRequest{RoomID: "room-1"}))
	var caps types.RtpCapabilities
	require.NoError(t, reply.Decode(&caps))
	require.Len(t, caps.Codecs, len(rtctest.DefaultCapabilities.Codecs))

	createTransport := func(sess *SignalSession, event types.Event) types.TransportOptions {
		reply := h.Handle(ctx, sess, request(t, event, "t", &types.RoomRequest{RoomID: "room-1"}))
		require.Nil(t, reply.Error)
		var opts types.TransportOptions
		require.NoError(t, reply.Decode(&opts))
		require.NotEmpty(t, opts.ID)
		return opts
	}

	send := createTransport(alice, types.MediaCreateSendTransport)
	reply = h.Handle(ctx, alice, request(t, types.MediaConnectTransport, "2", &types.ConnectTransportRequest{ID: send.ID}))
	require.Nil(t, reply.Error)

	reply = h.Handle(ctx, alice, request(t, types.MediaProduce, "3", &types.ProduceRequest{
		RoomID:      "room-1",
		TransportID: send.ID,
		Kind:        types.MediaKindAudio,
		RtpParameters: types.RtpParameters{
			Codecs: []types.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		},
		TrackType: types.TrackTypeAudio,
	}))
	require.Nil(t, reply.Error)
	var produced types.ProduceResponse
	require.NoError(t, reply.Decode(&produced))

	recv := createTransport(bob, types.MediaCreateRecvTransport)
	reply = h.Handle(ctx, bob, request(t, types.MediaGetProducers, "4", &types.RoomRequest{RoomID: "room-1"}))
	var producers []types.ProducerInfo
	require.NoError(t, reply.Decode(&producers))
	require.Len(t, producers, 1)
	require.Equal(t, produced.ProducerID, producers[0].ProducerID)

	reply = h.Handle(ctx, bob, request(t, types.MediaConsume, "5", &types.ConsumeRequest{
		RoomID:          "room-1",
		ProducerID:      produced.ProducerID,
		RtpCapabilities: rtctest.DefaultCapabilities,
		TransportID:     recv.ID,
		TrackType:       types.TrackTypeAudio,
	}))
	require.Nil(t, reply.Error)
	var consumed types.ConsumeResponse
	require.NoError(t, reply.Decode(&consumed))
	require.Equal(t, produced.ProducerID, consumed.ProducerID)

	t.Run("outsiders are rejected", func(t *testing.T) {
		for _, event := range []types.Event{
			types.MediaGetRtpCapabilities,
			types.MediaCreateSendTransport,
			types.MediaCreateRecvTransport,
			types.MediaGetProducers,
		} {
			reply := h.Handle(ctx, mallory, request(t, event, "m", &types.RoomRequest{RoomID: "room-1"}))
			require.NotNil(t, reply.Error, event)
			require.Equal(t, string(psrpc.PermissionDenied), reply.Error.Code, event)
		}
	})

	t.Run("transports belong to their owner", func(t *testing.T) {
		reply := h.Handle(ctx, bob, request(t, types.MediaConnectTransport, "b1", &types.ConnectTransportRequest{ID: send.ID}))
		require.NotNil(t, reply.Error)
		require.Equal(t, string(psrpc.PermissionDenied), reply.Error.Code)

		reply = h.Handle(ctx, bob, request(t, types.MediaProduce, "b2", &types.ProduceRequest{
			RoomID:      "room-1",
			TransportID: send.ID,
			Kind:        types.MediaKindVideo,
			RtpParameters: types.RtpParameters{
				Codecs: []types.RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
			},
			TrackType: types.TrackTypeVideo,
		}))
		require.NotNil(t, reply.Error)
		require.Equal(t, string(psrpc.PermissionDenied), reply.Error.Code)

		reply = h.Handle(ctx, alice, request(t, types.MediaConsume, "b3", &types.ConsumeRequest{
			RoomID:          "room-1",
			ProducerID:      produced.ProducerID,
			RtpCapabilities: rtctest.DefaultCapabilities,
			TransportID:     recv.ID,
			TrackType:       types.TrackTypeAudio,
		}))
		require.NotNil(t, reply.Error)
		require.Equal(t, string(psrpc.PermissionDenied), reply.Error.Code)
	})

	t.Run("pause is idempotent", func(t *testing.T) {
		for i, changed := range []bool{true, false} {
			reply := h.Handle(ctx, alice, request(t, types.MediaProducerPause, "p", &types.TrackRequest{RoomID: "room-1", TrackType: types.TrackTypeAudio}))
			require.Nil(t, reply.Error)
			var res types.TrackStateResponse
			require.NoError(t, reply.Decode(&res))
			require.Equal(t, changed, res.Changed, i)
		}
	})

	t.Run("end", func(t *testing.T) {
		reply := h.Handle(ctx, alice, request(t, types.MediaEnd, "6", &types.RoomRequest{RoomID: "room-1"}))
		require.Nil(t, reply.Error)
		require.Empty(t, reply.Data)
	})
}

func TestSignalHandlerAsync(t *testing.T) {
	env, h := newTestHandler(t)
	env.room(t, "room-1", "alice", "bob")
	env.online(t, "alice", "bob")
	sink := routing.NewMessageChannel(10)
	sess := NewSignalSession(user("alice"), sink)

	h.HandleMessage(sess, request(t, types.CallRequest, "1", &types.RoomRequest{RoomID: "room-1"}))
	select {
	case reply := <-sink.ReadChan():
		require.Equal(t, "1", reply.Ack)
		require.Nil(t, reply.Error)
	case <-time.After(testutils.WaitTimeout):
		t.Fatal("no reply")
	}

	h.Stop()
	h.HandleMessage(sess, request(t, types.CallEnd, "2", &types.RoomRequest{RoomID: "room-1"}))
	reply := <-sink.ReadChan()
	require.Equal(t, string(psrpc.Unavailable), reply.Error.Code)
}
