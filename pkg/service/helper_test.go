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

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dTelecom/call-sfu/pkg/config"
	"github.com/dTelecom/call-sfu/pkg/lock"
	"github.com/dTelecom/call-sfu/pkg/rtc"
	"github.com/dTelecom/call-sfu/pkg/rtc/rtctest"
	"github.com/dTelecom/call-sfu/pkg/rtc/types"
	"github.com/dTelecom/call-sfu/pkg/testutils"
)

type testEnv struct {
	mr    *miniredis.Miniredis
	rc    *redis.Client
	conf  *config.Config
	clock *clock.Mock

	engine    *rtctest.FakeEngine
	store     *RedisCallStore
	directory *RedisRoomDirectory
	presence  *RedisPresence
	matches   *RedisMatchStore
	media     *rtc.MediaManager
	sink      *rtctest.MessageSink

	calls   *CallService
	matcher *MatchMaker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr, rc := testutils.NewRedis(t)
	conf := config.DefaultConfig
	conf.Match.GameTypes = []string{"chess", "go"}

	locker := lock.NewRedisLocker(rc, "test-node")
	engine := rtctest.NewFakeEngine()
	pool := rtc.NewWorkerPool(rtc.WorkerPoolParams{
		NumWorkers: 1,
		RTCMinPort: 40000,
		RTCMaxPort: 40999,
		SelectLock: conf.Lock.WorkerSelect,
		RouterLock: conf.Lock.Router,
	}, engine, locker)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Close)

	env := &testEnv{
		mr:        mr,
		rc:        rc,
		conf:      &conf,
		clock:     clock.NewMock(),
		engine:    engine,
		store:     NewRedisCallStore(rc, &conf.Call),
		directory: NewRedisRoomDirectory(rc),
		presence:  NewRedisPresence(rc),
		matches:   NewRedisMatchStore(rc, conf.Match.RecordTTL),
		sink:      &rtctest.MessageSink{},
	}
	env.clock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	env.media = rtc.NewMediaManager(pool, env.sink)
	env.calls = NewCallService(&conf, env.store, env.directory, env.presence, env.media, env.sink, locker, env.clock)
	env.matcher = NewMatchMaker(&conf, rc, env.matches, env.directory, env.presence, env.calls, env.media, env.sink, locker, env.clock)
	t.Cleanup(env.matcher.Stop)
	return env
}

// online marks users as connected, the user key doubles as the display name.
func (e *testEnv) online(t *testing.T, userKeys ...string) {
	t.Helper()
	for _, userKey := range userKeys {
		require.NoError(t, e.presence.SetOnline(context.Background(), userKey, userKey, "test-node"))
	}
}

func (e *testEnv) room(t *testing.T, roomID string, members ...string) {
	t.Helper()
	require.NoError(t, e.directory.AddRoom(context.Background(), roomID, members))
}

func user(userKey string) types.UserInfo {
	return types.UserInfo{UserKey: userKey, Name: userKey}
}

func deliveredTo(deliveries []rtctest.Delivery) []string {
	var userKeys []string
	for _, d := range deliveries {
		userKeys = append(userKeys, d.UserKey)
	}
	return userKeys
}
