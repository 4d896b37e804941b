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

package rtc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dTelecom/call-sfu/pkg/rtc/rtctest"
	"github.com/dTelecom/call-sfu/pkg/rtc/types"
	"github.com/dTelecom/call-sfu/pkg/testutils"
)

func TestCreateTransport(t *testing.T) {
	m, pool, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.CreateTransport(ctx, "room-1", "alice", types.TransportDirectionSend)
	require.NoError(t, err)
	require.Equal(t, pool.Router("room-1").Router.ID(), first.RouterID)
	require.Equal(t, []string{"alice"}, m.RoomMembers("room-1"))

	t.Run("a new transport replaces the previous one of that direction", func(t *testing.T) {
		second, err := m.CreateTransport(ctx, "room-1", "alice", types.TransportDirectionSend)
		require.NoError(t, err)
		require.NotEqual(t, first.ID, second.ID)
		require.True(t, first.Transport.Closed())

		_, err = m.CreateProducer(ctx, "alice", first.ID, types.MediaKindAudio, opusParameters, types.TrackTypeAudio)
		require.ErrorIs(t, err, ErrTransportNotFound)
	})

	t.Run("connect", func(t *testing.T) {
		recv, err := m.CreateTransport(ctx, "room-1", "alice", types.TransportDirectionRecv)
		require.NoError(t, err)
		require.NoError(t, m.ConnectTransport(ctx, "alice", recv.ID, types.DtlsParameters{}, nil))
		require.True(t, recv.Transport.(*rtctest.FakeTransport).Connected.Load())

		require.ErrorIs(t, m.ConnectTransport(ctx, "alice", "TR_unknown", types.DtlsParameters{}, nil), ErrTransportNotFound)
	})

	t.Run("only the owner connects", func(t *testing.T) {
		recv, err := m.CreateTransport(ctx, "room-1", "alice", types.TransportDirectionRecv)
		require.NoError(t, err)
		require.ErrorIs(t, m.ConnectTransport(ctx, "mallory", recv.ID, types.DtlsParameters{}, nil), ErrNotTransportOwner)
		require.False(t, recv.Transport.(*rtctest.FakeTransport).Connected.Load())
	})
}

func TestCreateProducer(t *testing.T) {
	m, _, sink := newTestManager(t)
	ctx := context.Background()

	_, _, _ = joinWithAudio(t, m, "room-1", "bob")
	send, recv, producer := joinWithAudio(t, m, "room-1", "alice")

	t.Run("announced to the rest of the room", func(t *testing.T) {
		announced := sink.Sent(types.ServerNewProducer)
		require.Len(t, announced, 1)
		require.Equal(t, "bob", announced[0].UserKey)

		var info types.ProducerInfo
		require.NoError(t, announced[0].Message.Decode(&info))
		require.Equal(t, producer.ID, info.ProducerID)
		require.Equal(t, "alice", info.UserKey)
	})

	t.Run("invalid track", func(t *testing.T) {
		_, err := m.CreateProducer(ctx, "alice", send.ID, "data", opusParameters, types.TrackTypeAudio)
		require.ErrorIs(t, err, ErrInvalidTrack)
	})

	t.Run("another user's transport cannot produce", func(t *testing.T) {
		announced := len(sink.Sent(types.ServerNewProducer))
		_, err := m.CreateProducer(ctx, "bob", send.ID, types.MediaKindVideo, opusParameters, types.TrackTypeVideo)
		require.ErrorIs(t, err, ErrNotTransportOwner)
		require.Len(t, sink.Sent(types.ServerNewProducer), announced)
		require.Len(t, m.GetProducers("room-1", "bob"), 1)
	})

	t.Run("receive transport cannot produce", func(t *testing.T) {
		_, err := m.CreateProducer(ctx, "alice", recv.ID, types.MediaKindAudio, opusParameters, types.TrackTypeAudio)
		require.ErrorIs(t, err, ErrWrongDirection)
	})

	t.Run("one producer per track type", func(t *testing.T) {
		replacement, err := m.CreateProducer(ctx, "alice", send.ID, types.MediaKindAudio, opusParameters, types.TrackTypeAudio)
		require.NoError(t, err)
		require.True(t, producer.Producer.Closed())

		producers := m.GetProducers("room-1", "bob")
		require.Len(t, producers, 1)
		require.Equal(t, replacement.ID, producers[0].ProducerID)
	})

	t.Run("get producers excludes self", func(t *testing.T) {
		producers := m.GetProducers("room-1", "alice")
		require.Len(t, producers, 1)
		require.Equal(t, "bob", producers[0].UserKey)
		require.Len(t, m.GetProducers("room-1", ""), 2)
	})
}

func TestCreateConsumer(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, _, aliceProducer := joinWithAudio(t, m, "room-1", "alice")
	_, bobRecv, _ := joinWithAudio(t, m, "room-1", "bob")

	t.Run("consume", func(t *testing.T) {
		c, err := m.CreateConsumer(ctx, "room-1", "bob", aliceProducer.ID, rtctest.DefaultCapabilities, bobRecv.ID, types.TrackTypeAudio)
		require.NoError(t, err)
		require.Equal(t, aliceProducer.ID, c.ProducerID)
		require.Equal(t, bobRecv.RouterID, c.RouterID)
	})

	t.Run("same key replaces the previous consumer", func(t *testing.T) {
		first, err := m.CreateConsumer(ctx, "room-1", "bob", aliceProducer.ID, rtctest.DefaultCapabilities, bobRecv.ID, types.TrackTypeAudio)
		require.NoError(t, err)
		second, err := m.CreateConsumer(ctx, "room-1", "bob", aliceProducer.ID, rtctest.DefaultCapabilities, bobRecv.ID, types.TrackTypeAudio)
		require.NoError(t, err)
		require.True(t, first.Consumer.Closed())
		require.False(t, second.Consumer.Closed())
	})

	t.Run("missing references", func(t *testing.T) {
		_, err := m.CreateConsumer(ctx, "room-1", "bob", aliceProducer.ID, rtctest.DefaultCapabilities, "TR_unknown", types.TrackTypeAudio)
		require.ErrorIs(t, err, ErrTransportNotFound)
		_, err = m.CreateConsumer(ctx, "room-1", "bob", "PR_unknown", rtctest.DefaultCapabilities, bobRecv.ID, types.TrackTypeAudio)
		require.ErrorIs(t, err, ErrProducerNotFound)
	})

	t.Run("transport must belong to the consumer", func(t *testing.T) {
		_, aliceRecv, _ := joinWithAudio(t, m, "room-3", "alice")
		_, err := m.CreateConsumer(ctx, "room-1", "bob", aliceProducer.ID, rtctest.DefaultCapabilities, aliceRecv.ID, types.TrackTypeAudio)
		require.ErrorIs(t, err, ErrNotTransportOwner)
	})

	t.Run("transport must be in the requested room", func(t *testing.T) {
		_, err := m.CreateConsumer(ctx, "room-2", "bob", aliceProducer.ID, rtctest.DefaultCapabilities, bobRecv.ID, types.TrackTypeAudio)
		require.ErrorIs(t, err, ErrWrongRoom)
	})

	t.Run("incompatible capabilities", func(t *testing.T) {
		require.False(t, m.CanConsume(aliceProducer.ID, types.RtpCapabilities{}))
		require.False(t, m.CanConsume("PR_unknown", rtctest.DefaultCapabilities))

		_, err := m.CreateConsumer(ctx, "room-1", "bob", aliceProducer.ID, types.RtpCapabilities{}, bobRecv.ID, types.TrackTypeAudio)
		require.ErrorIs(t, err, ErrCannotConsume)
	})

	t.Run("no consumption across routers", func(t *testing.T) {
		carolRecv, err := m.CreateTransport(ctx, "room-2", "carol", types.TransportDirectionRecv)
		require.NoError(t, err)
		require.NotEqual(t, aliceProducer.RouterID, carolRecv.RouterID)

		_, err = m.CreateConsumer(ctx, "room-2", "carol", aliceProducer.ID, rtctest.DefaultCapabilities, carolRecv.ID, types.TrackTypeAudio)
		require.ErrorIs(t, err, ErrRouterMismatch)

		m.lock.RLock()
		defer m.lock.RUnlock()
		require.Empty(t, m.index.consumersOf("carol", ""))
	})
}

func TestPauseResume(t *testing.T) {
	m, _, sink := newTestManager(t)
	ctx := context.Background()

	joinWithAudio(t, m, "room-1", "bob")
	_, _, producer := joinWithAudio(t, m, "room-1", "alice")

	changed, err := m.Pause(ctx, "room-1", "alice", types.TrackTypeAudio)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = m.Pause(ctx, "room-1", "alice", types.TrackTypeAudio)
	require.NoError(t, err)
	require.False(t, changed)

	require.Len(t, sink.Sent(types.ServerProducerPaused), 1)
	require.EqualValues(t, 1, producer.Producer.(*rtctest.FakeProducer).PauseCalls.Load())
	require.True(t, m.GetProducers("room-1", "bob")[0].Paused)

	changed, err = m.Resume(ctx, "room-1", "alice", types.TrackTypeAudio)
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = m.Resume(ctx, "room-1", "alice", types.TrackTypeAudio)
	require.NoError(t, err)
	require.False(t, changed)
	require.Len(t, sink.Sent(types.ServerProducerResumed), 1)

	_, err = m.Pause(ctx, "room-1", "alice", types.TrackTypeVideo)
	require.ErrorIs(t, err, ErrProducerNotFound)
}

func TestCleanupUser(t *testing.T) {
	m, pool, _ := newTestManager(t)
	ctx := context.Background()

	aliceSend, aliceRecv, aliceProducer := joinWithAudio(t, m, "room-1", "alice")
	_, bobRecv, bobProducer := joinWithAudio(t, m, "room-1", "bob")

	bobConsumer, err := m.CreateConsumer(ctx, "room-1", "bob", aliceProducer.ID, rtctest.DefaultCapabilities, bobRecv.ID, types.TrackTypeAudio)
	require.NoError(t, err)
	aliceConsumer, err := m.CreateConsumer(ctx, "room-1", "alice", bobProducer.ID, rtctest.DefaultCapabilities, aliceRecv.ID, types.TrackTypeAudio)
	require.NoError(t, err)

	m.CleanupUser("alice")

	require.True(t, aliceSend.Transport.Closed())
	require.True(t, aliceRecv.Transport.Closed())
	require.True(t, aliceProducer.Producer.Closed())
	require.True(t, bobConsumer.Consumer.Closed())
	require.True(t, aliceConsumer.Consumer.Closed())
	require.False(t, bobProducer.Producer.Closed())
	require.Equal(t, []string{"bob"}, m.RoomMembers("room-1"))

	m.lock.RLock()
	require.Empty(t, m.index.consumersOfProducer(aliceProducer.ID))
	require.Empty(t, m.index.transportsOf("alice", ""))
	m.lock.RUnlock()

	// bob still holds resources on the router
	require.NotNil(t, pool.Router("room-1"))

	m.CleanupUser("bob")
	require.Nil(t, pool.Router("room-1"))

	// cleaning up twice is harmless
	m.CleanupUser("bob")
}

func TestCleanupUserCloseOrder(t *testing.T) {
	pool, engine := newTestPool(t, 1)
	m := NewMediaManager(pool, &rtctest.MessageSink{})
	ctx := context.Background()

	aliceSend, aliceRecv, aliceProducer := joinWithAudio(t, m, "room-1", "alice")
	_, bobRecv, bobProducer := joinWithAudio(t, m, "room-1", "bob")
	bobConsumer, err := m.CreateConsumer(ctx, "room-1", "bob", aliceProducer.ID, rtctest.DefaultCapabilities, bobRecv.ID, types.TrackTypeAudio)
	require.NoError(t, err)
	aliceConsumer, err := m.CreateConsumer(ctx, "room-1", "alice", bobProducer.ID, rtctest.DefaultCapabilities, aliceRecv.ID, types.TrackTypeAudio)
	require.NoError(t, err)

	before := len(engine.CloseOrder())
	m.CleanupUser("alice")
	order := engine.CloseOrder()[before:]

	// transports, consumers of alice's producers, her producers, her own consumers
	require.Len(t, order, 5)
	require.ElementsMatch(t, []string{aliceSend.ID, aliceRecv.ID}, order[:2])
	require.Equal(t, []string{bobConsumer.ID, aliceProducer.ID, aliceConsumer.ID}, order[2:])
}

func TestHandleUserLeave(t *testing.T) {
	t.Run("partial leave keeps the room", func(t *testing.T) {
		m, pool, sink := newTestManager(t)
		var torndown []string
		m.OnRoomTeardown(func(_ context.Context, roomID string) {
			torndown = append(torndown, roomID)
		})

		_, _, aliceProducer := joinWithAudio(t, m, "room-1", "alice")
		joinWithAudio(t, m, "room-1", "bob")
		joinWithAudio(t, m, "room-1", "carol")

		m.HandleUserLeave(context.Background(), "alice", "Alice", "room-1")

		left := sink.Sent(types.ServerUserLeft)
		require.Len(t, left, 2)
		var n types.UserLeftNotification
		require.NoError(t, left[0].Message.Decode(&n))
		require.Equal(t, "alice", n.UserKey)
		require.Equal(t, "Alice", n.UserName)
		require.Equal(t, []string{aliceProducer.ID}, n.ProducerIDs)

		require.Empty(t, torndown)
		require.Equal(t, []string{"bob", "carol"}, m.RoomMembers("room-1"))
		require.NotNil(t, pool.Router("room-1"))
	})

	t.Run("last pair tears the room down", func(t *testing.T) {
		m, pool, sink := newTestManager(t)
		var torndown []string
		m.OnRoomTeardown(func(_ context.Context, roomID string) {
			torndown = append(torndown, roomID)
		})

		joinWithAudio(t, m, "room-1", "alice")
		_, _, bobProducer := joinWithAudio(t, m, "room-1", "bob")

		m.HandleUserLeave(context.Background(), "alice", "Alice", "room-1")

		require.Equal(t, []string{"room-1"}, torndown)
		ended := sink.Sent(types.ServerMediaEnd)
		require.Len(t, ended, 1)
		require.Equal(t, "bob", ended[0].UserKey)
		require.Empty(t, sink.Sent(types.ServerUserLeft))

		require.True(t, bobProducer.Producer.Closed())
		require.Empty(t, m.RoomMembers("room-1"))
		require.Nil(t, pool.Router("room-1"))
	})
}

func TestHandleUserLeaveScopedToRoom(t *testing.T) {
	m, pool, sink := newTestManager(t)
	ctx := context.Background()

	producers := make(map[string]*ProducerInfo)
	transports := make(map[string]*TransportInfo)
	for _, roomID := range []string{"room-1", "room-2"} {
		send, _, producer := joinWithAudio(t, m, roomID, "alice")
		producers[roomID] = producer
		transports[roomID] = send
		joinWithAudio(t, m, roomID, "bob")
		joinWithAudio(t, m, roomID, "carol")
	}

	leftIn := func(roomID string) []types.UserLeftNotification {
		var res []types.UserLeftNotification
		for _, d := range sink.Sent(types.ServerUserLeft) {
			var n types.UserLeftNotification
			require.NoError(t, d.Message.Decode(&n))
			if n.RoomID == roomID {
				res = append(res, n)
			}
		}
		return res
	}

	m.HandleUserLeave(ctx, "alice", "Alice", "room-1")

	left := leftIn("room-1")
	require.Len(t, left, 2)
	for _, n := range left {
		require.Equal(t, []string{producers["room-1"].ID}, n.ProducerIDs)
	}
	require.True(t, producers["room-1"].Producer.Closed())

	// media in the other room is untouched
	require.False(t, transports["room-2"].Transport.Closed())
	require.False(t, producers["room-2"].Producer.Closed())
	require.Len(t, m.GetProducers("room-2", "bob"), 2)
	require.Equal(t, []string{"alice", "bob", "carol"}, m.RoomMembers("room-2"))
	require.Equal(t, []string{"room-2"}, m.UserRooms("alice"))
	require.Empty(t, leftIn("room-2"))

	// leaving the second room the way a dropped socket does
	for _, roomID := range m.UserRooms("alice") {
		m.HandleUserLeave(ctx, "alice", "Alice", roomID)
	}
	left = leftIn("room-2")
	require.Len(t, left, 2)
	for _, n := range left {
		require.Equal(t, []string{producers["room-2"].ID}, n.ProducerIDs)
	}
	require.True(t, transports["room-2"].Transport.Closed())
	require.Empty(t, m.UserRooms("alice"))
	require.NotNil(t, pool.Router("room-1"))
	require.NotNil(t, pool.Router("room-2"))
}

func TestMediaWorkerDeath(t *testing.T) {
	m, pool, sink := newTestManager(t)

	_, _, producer := joinWithAudio(t, m, "room-1", "alice")
	joinWithAudio(t, m, "room-1", "bob")

	var dead *rtctest.FakeWorker
	for _, w := range pool.Workers() {
		if w.PID() == producer.WorkerPID {
			dead = w.(*rtctest.FakeWorker)
		}
	}
	require.NotNil(t, dead)
	dead.Kill(errors.New("oom"))

	testutils.WithTimeout(t, func() string {
		if len(sink.Sent(types.ServerWorkerRestart)) != 2 {
			return "worker restart not broadcast to both members"
		}
		return ""
	})

	require.Empty(t, m.GetProducers("room-1", ""))
	require.Equal(t, []string{"alice", "bob"}, m.RoomMembers("room-1"))

	// members renegotiate on a fresh router
	send, err := m.CreateTransport(context.Background(), "room-1", "alice", types.TransportDirectionSend)
	require.NoError(t, err)
	require.NotEqual(t, producer.RouterID, send.RouterID)
}

func TestDiscardRoom(t *testing.T) {
	m, pool, sink := newTestManager(t)
	var torndown []string
	m.OnRoomTeardown(func(_ context.Context, roomID string) {
		torndown = append(torndown, roomID)
	})

	m.AdmitParticipants("room-1", []string{"alice", "bob"})
	joinWithAudio(t, m, "room-1", "alice")
	joinWithAudio(t, m, "room-2", "alice")

	m.DiscardRoom("room-1")
	require.Empty(t, m.RoomMembers("room-1"))
	require.Nil(t, pool.Router("room-1"))
	require.Equal(t, []string{"room-2"}, m.UserRooms("alice"))
	require.NotNil(t, pool.Router("room-2"))
	require.Empty(t, torndown)
	require.Empty(t, sink.Sent(types.ServerMediaEnd))
}
