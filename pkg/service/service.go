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
	"github.com/benbjohnson/clock"
	"github.com/google/wire"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/call-sfu/pkg/config"
	serverlogger "github.com/dTelecom/call-sfu/pkg/logger"
	"github.com/dTelecom/call-sfu/pkg/lock"
	"github.com/dTelecom/call-sfu/pkg/routing"
	"github.com/dTelecom/call-sfu/pkg/rtc"
	"github.com/dTelecom/call-sfu/pkg/rtc/types"
	"github.com/dTelecom/call-sfu/pkg/sfu"
)

var ErrRedisRequired = errors.New("redis.address is required, call and match state live in redis")

var ServiceSet = wire.NewSet(
	createRedisClient,
	createLocker,
	wire.Bind(new(lock.Locker), new(*lock.RedisLocker)),
	routing.CreateBus,
	wire.Bind(new(types.MessageSender), new(routing.Bus)),
	createEngine,
	wire.Bind(new(types.WorkerFactory), new(*sfu.Engine)),
	createWorkerPool,
	createMediaManager,
	wire.Bind(new(MediaRooms), new(*rtc.MediaManager)),
	wire.Bind(new(MediaSession), new(*rtc.MediaManager)),
	createCallStore,
	wire.Bind(new(CallStore), new(*RedisCallStore)),
	NewRedisRoomDirectory,
	wire.Bind(new(RoomDirectory), new(*RedisRoomDirectory)),
	NewRedisPresence,
	wire.Bind(new(Presence), new(*RedisPresence)),
	createMatchStore,
	wire.Bind(new(MatchStore), new(*RedisMatchStore)),
	clock.New,
	NewCallService,
	wire.Bind(new(ExpiredRequestHandler), new(*CallService)),
	NewExpiryListener,
	NewMatchMaker,
	NewSignalHandler,
	NewRTCService,
	NewCallServer,
)

func createRedisClient(conf *config.Config) (redis.UniversalClient, error) {
	rc, err := config.GetRedisClient(&conf.Redis)
	if err != nil {
		return nil, err
	}
	if rc == nil {
		return nil, ErrRedisRequired
	}
	return rc, nil
}

func createLocker(rc redis.UniversalClient, node *routing.LocalNode) *lock.RedisLocker {
	return lock.NewRedisLocker(rc, node.NodeID())
}

func createEngine(conf *config.Config) (*sfu.Engine, error) {
	codecs := make([]sfu.CodecSpec, 0, len(conf.SFU.Codecs))
	for _, c := range conf.SFU.Codecs {
		codecs = append(codecs, sfu.CodecSpec{Mime: c.Mime, FmtpLine: c.FmtpLine})
	}
	return sfu.NewEngine(sfu.EngineSettings{
		ListenIPs:       conf.SFU.ListenIPs,
		AnnouncedIP:     conf.SFU.NodeIP,
		IncludeLoopback: conf.SFU.IncludeLoopback,
		Codecs:          codecs,
		GatherTimeout:   conf.SFU.GatherTimeout,
		LoggerFactory: serverlogger.NewLoggerFactory(
			logger.GetLogger(),
			conf.Logging.PionLevel,
			conf.Logging.ComponentLevels,
		),
	})
}

func createWorkerPool(conf *config.Config, factory types.WorkerFactory, locker lock.Locker) *rtc.WorkerPool {
	return rtc.NewWorkerPool(rtc.WorkerPoolParams{
		NumWorkers: conf.SFU.NumWorkers,
		RTCMinPort: uint16(conf.SFU.RTCMinPort),
		RTCMaxPort: uint16(conf.SFU.RTCMaxPort),
		SelectLock: conf.Lock.WorkerSelect,
		RouterLock: conf.Lock.Router,
	}, factory, locker)
}

func createMediaManager(pool *rtc.WorkerPool, sender types.MessageSender) *rtc.MediaManager {
	return rtc.NewMediaManager(pool, sender)
}

func createCallStore(rc redis.UniversalClient, conf *config.Config) *RedisCallStore {
	return NewRedisCallStore(rc, &conf.Call)
}

func createMatchStore(rc redis.UniversalClient, conf *config.Config) *RedisMatchStore {
	return NewRedisMatchStore(rc, conf.Match.RecordTTL)
}
