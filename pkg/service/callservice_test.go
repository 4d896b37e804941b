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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dTelecom/call-sfu/pkg/rtc/types"
)

func TestCallRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.room(t, "room-1", "alice", "bob", "carol")

	t.Run("caller must be a member", func(t *testing.T) {
		_, err := env.calls.Request(ctx, user("mallory"), "room-1")
		require.ErrorIs(t, err, ErrNotRoomMember)
	})

	t.Run("nobody to ring", func(t *testing.T) {
		env.online(t, "alice")
		_, err := env.calls.Request(ctx, user("alice"), "room-1")
		require.ErrorIs(t, err, ErrNoRecipients)
	})

	t.Run("rings connected members only", func(t *testing.T) {
		env.online(t, "bob")
		rec, err := env.calls.Request(ctx, user("alice"), "room-1")
		require.NoError(t, err)
		require.Equal(t, []string{"bob"}, rec.Recipients)
		require.Equal(t, CallStateRequesting, rec.State)
		require.Equal(t, env.clock.Now().UnixMilli(), rec.CreatedAt)

		incoming := env.sink.Sent(types.CallIncoming)
		require.Len(t, incoming, 1)
		require.Equal(t, "bob", incoming[0].UserKey)
		var n types.CallNotification
		require.NoError(t, incoming[0].Message.Decode(&n))
		require.Equal(t, "room-1", n.RoomID)
		require.Equal(t, "alice", n.CallerID)

		awaiting, err := env.store.UserAwaiting(ctx, "bob")
		require.NoError(t, err)
		require.Equal(t, "room-1", awaiting)
		pending, err := env.store.UserRequest(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, "room-1", pending)
	})

	t.Run("one request per room", func(t *testing.T) {
		_, err := env.calls.Request(ctx, user("alice"), "room-1")
		require.ErrorIs(t, err, ErrDuplicateRequest)
		_, err = env.calls.Request(ctx, user("bob"), "room-1")
		require.ErrorIs(t, err, ErrDuplicateRequest)
	})

	t.Run("empty room", func(t *testing.T) {
		_, err := env.calls.Request(ctx, user("alice"), "")
		require.ErrorIs(t, err, ErrRoomIDEmpty)
	})
}

func TestCallRespond(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.room(t, "room-1", "alice", "bob", "carol")
	env.online(t, "alice", "bob", "carol")

	_, err := env.calls.Request(ctx, user("alice"), "room-1")
	require.NoError(t, err)

	t.Run("rejection only reaches the caller", func(t *testing.T) {
		require.NoError(t, env.calls.Respond(ctx, user("carol"), "alice", "room-1", false))
		rejected := env.sink.Sent(types.CallRejected)
		require.Equal(t, []string{"alice"}, deliveredTo(rejected))

		req, err := env.store.LoadRequest(ctx, "room-1")
		require.NoError(t, err)
		require.Equal(t, "alice", req.CallerID)
	})

	t.Run("first acceptance activates the call", func(t *testing.T) {
		require.NoError(t, env.calls.Respond(ctx, user("bob"), "alice", "room-1", true))

		_, err := env.store.LoadRequest(ctx, "room-1")
		require.ErrorIs(t, err, ErrCallNotFound)
		active, err := env.store.LoadActive(ctx, "room-1")
		require.NoError(t, err)
		require.Equal(t, CallStateActive, active.State)
		require.Equal(t, []string{"alice", "bob"}, active.Participants)

		require.Equal(t, []string{"alice"}, deliveredTo(env.sink.Sent(types.CallAccepted)))
		success := env.sink.Sent(types.CallSuccess)
		require.Equal(t, []string{"bob"}, deliveredTo(success))
		var n types.CallNotification
		require.NoError(t, success[0].Message.Decode(&n))
		require.NotNil(t, n.RtpCapabilities)
		require.NotEmpty(t, n.RtpCapabilities.Codecs)

		require.ElementsMatch(t, []string{"alice", "bob"}, env.media.RoomMembers("room-1"))
		for _, userKey := range []string{"alice", "bob"} {
			inCall, err := env.store.UserActive(ctx, userKey)
			require.NoError(t, err)
			require.Equal(t, "room-1", inCall)
		}
	})

	t.Run("later acceptance joins", func(t *testing.T) {
		env.sink.Reset()
		require.NoError(t, env.calls.Respond(ctx, user("carol"), "alice", "room-1", true))

		active, err := env.store.LoadActive(ctx, "room-1")
		require.NoError(t, err)
		require.Equal(t, []string{"alice", "bob", "carol"}, active.Participants)
		require.ElementsMatch(t, []string{"alice", "bob"}, deliveredTo(env.sink.Sent(types.CallUserJoined)))
		require.Equal(t, []string{"carol"}, deliveredTo(env.sink.Sent(types.CallSuccess)))
		require.Empty(t, env.sink.Sent(types.CallAccepted))
	})

	t.Run("caller must be connected", func(t *testing.T) {
		require.NoError(t, env.presence.SetOffline(ctx, "alice"))
		err := env.calls.Respond(ctx, user("bob"), "alice", "room-1", true)
		require.ErrorIs(t, err, ErrCallerSocketNotFound)
	})
}

func TestCallRespondWithoutCall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.room(t, "room-1", "alice", "bob")
	env.online(t, "alice", "bob")

	err := env.calls.Respond(ctx, user("bob"), "alice", "room-1", true)
	require.ErrorIs(t, err, ErrNoActiveCall)
}

func TestCallRequestExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.room(t, "room-1", "alice", "bob", "carol")
	env.online(t, "alice", "bob", "carol")

	_, err := env.calls.Request(ctx, user("alice"), "room-1")
	require.NoError(t, err)

	env.mr.FastForward(env.conf.Call.RequestTTL + time.Second)
	require.False(t, env.mr.Exists(callRequestKey("room-1")))
	require.True(t, env.mr.Exists(callRequestBackupKey("room-1")))

	require.NoError(t, env.calls.HandleRequestExpired(ctx, "room-1"))

	cancelled := env.sink.Sent(types.CallCancelled)
	require.ElementsMatch(t, []string{"alice", "bob", "carol"}, deliveredTo(cancelled))
	for _, key := range []string{
		callRequestBackupKey("room-1"),
		userCallRequestKey("alice"),
		userCallResponseKey("bob"),
		userCallResponseKey("carol"),
	} {
		require.False(t, env.mr.Exists(key), key)
	}

	t.Run("a second event changes nothing", func(t *testing.T) {
		require.NoError(t, env.calls.HandleRequestExpired(ctx, "room-1"))
		require.Len(t, env.sink.Sent(types.CallCancelled), 3)
	})

	t.Run("the caller can ring again", func(t *testing.T) {
		_, err := env.calls.Request(ctx, user("alice"), "room-1")
		require.NoError(t, err)
	})
}

func TestCallEnd(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels a ringing call", func(t *testing.T) {
		env := newTestEnv(t)
		env.room(t, "room-1", "alice", "bob")
		env.online(t, "alice", "bob")

		_, err := env.calls.Request(ctx, user("alice"), "room-1")
		require.NoError(t, err)
		require.NoError(t, env.calls.End(ctx, user("alice"), "room-1"))

		require.ElementsMatch(t, []string{"alice", "bob"}, deliveredTo(env.sink.Sent(types.CallCancelled)))
		_, err = env.store.LoadRequestBackup(ctx, "room-1")
		require.ErrorIs(t, err, ErrCallNotFound)
		awaiting, err := env.store.UserAwaiting(ctx, "bob")
		require.NoError(t, err)
		require.Empty(t, awaiting)
	})

	t.Run("nothing to end", func(t *testing.T) {
		env := newTestEnv(t)
		require.ErrorIs(t, env.calls.End(ctx, user("alice"), "room-1"), ErrNoActiveCall)
	})

	t.Run("teardown threshold", func(t *testing.T) {
		env := newTestEnv(t)
		env.room(t, "room-1", "alice", "bob", "carol")
		env.online(t, "alice", "bob", "carol")

		_, err := env.calls.Request(ctx, user("alice"), "room-1")
		require.NoError(t, err)
		require.NoError(t, env.calls.Respond(ctx, user("bob"), "alice", "room-1", true))
		require.NoError(t, env.calls.Respond(ctx, user("carol"), "alice", "room-1", true))

		// three participants: only the leaver drops out
		require.NoError(t, env.calls.End(ctx, user("carol"), "room-1"))
		active, err := env.store.LoadActive(ctx, "room-1")
		require.NoError(t, err)
		require.Equal(t, []string{"alice", "bob"}, active.Participants)
		require.ElementsMatch(t, []string{"alice", "bob"}, deliveredTo(env.sink.Sent(types.CallUserLeft)))
		require.Empty(t, env.sink.Sent(types.CallEnded))
		inCall, err := env.store.UserActive(ctx, "carol")
		require.NoError(t, err)
		require.Empty(t, inCall)
		require.ElementsMatch(t, []string{"alice", "bob"}, env.media.RoomMembers("room-1"))

		// two participants: the call is over for everyone
		require.NoError(t, env.calls.End(ctx, user("bob"), "room-1"))
		_, err = env.store.LoadActive(ctx, "room-1")
		require.ErrorIs(t, err, ErrCallNotFound)
		require.ElementsMatch(t, []string{"alice", "bob"}, deliveredTo(env.sink.Sent(types.CallEnded)))
		for _, userKey := range []string{"alice", "bob"} {
			inCall, err := env.store.UserActive(ctx, userKey)
			require.NoError(t, err)
			require.Empty(t, inCall)
		}
		require.Empty(t, env.media.RoomMembers("room-1"))
	})
}

func TestCallChecks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.room(t, "room-1", "alice", "bob")
	env.room(t, "room-2", "carol", "bob")
	env.online(t, "alice", "bob", "carol")

	_, err := env.calls.Request(ctx, user("alice"), "room-1")
	require.NoError(t, err)

	t.Run("pending", func(t *testing.T) {
		env.sink.Reset()
		ringing, err := env.calls.CheckPending(ctx, "bob")
		require.NoError(t, err)
		require.Equal(t, []string{"room-1"}, ringing)
		require.Equal(t, []string{types.CallIncoming.String()}, env.sink.SentTo("bob"))

		ringing, err = env.calls.CheckPending(ctx, "alice")
		require.NoError(t, err)
		require.Empty(t, ringing)
	})

	t.Run("existing", func(t *testing.T) {
		others, err := env.calls.CheckExisting(ctx, "bob", "room-1")
		require.NoError(t, err)
		require.Empty(t, others)

		require.NoError(t, env.calls.Respond(ctx, user("bob"), "alice", "room-1", true))
		others, err = env.calls.CheckExisting(ctx, "bob", "room-1")
		require.NoError(t, err)
		require.Equal(t, []string{"alice"}, others)
	})

	t.Run("busy users cannot ring", func(t *testing.T) {
		_, err := env.calls.Request(ctx, user("bob"), "room-2")
		require.ErrorIs(t, err, ErrAlreadyInCall)
	})
}

func TestTeardownRoom(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.room(t, "room-1", "alice", "bob")
	env.online(t, "alice", "bob")

	_, err := env.calls.Request(ctx, user("alice"), "room-1")
	require.NoError(t, err)
	require.NoError(t, env.calls.Respond(ctx, user("bob"), "alice", "room-1", true))

	// media emptied out without anybody ending the call
	env.media.HandleUserLeave(ctx, "bob", "bob", "room-1")

	_, err = env.store.LoadActive(ctx, "room-1")
	require.ErrorIs(t, err, ErrCallNotFound)
	require.ElementsMatch(t, []string{"alice", "bob"}, deliveredTo(env.sink.Sent(types.CallEnded)))
}
