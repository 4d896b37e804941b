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
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"
	"github.com/gammazero/workerpool"
	"github.com/redis/go-redis/v9"
	"github.com/thoas/go-funk"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/call-sfu/pkg/config"
	"github.com/dTelecom/call-sfu/pkg/lock"
	"github.com/dTelecom/call-sfu/pkg/rtc/types"
	"github.com/dTelecom/call-sfu/pkg/telemetry/prometheus"
	"github.com/dTelecom/call-sfu/pkg/utils"
)

const matchLockPrefix = "match:"

type queueEntry struct {
	userKey string
	score   float64
}

// QueueStatus describes one matchmaking queue.
type QueueStatus struct {
	GameType string
	Size     int64
	// OldestEnqueuedAt is zero for an empty queue.
	OldestEnqueuedAt time.Time
}

// MatchMaker pairs queued users whose enqueue times are within the configured window and
// starts a call between them.
type MatchMaker struct {
	conf      *config.MatchConfig
	rc        redis.UniversalClient
	store     MatchStore
	directory RoomDirectory
	presence  Presence
	calls     *CallService
	media     MediaRooms
	sender    types.MessageSender
	locker    lock.Locker
	clock     clock.Clock
	logger    logger.Logger

	lock    sync.RWMutex
	workers *workerpool.WorkerPool
	stopped core.Fuse
}

func NewMatchMaker(
	conf *config.Config,
	rc redis.UniversalClient,
	store MatchStore,
	directory RoomDirectory,
	presence Presence,
	calls *CallService,
	media MediaRooms,
	sender types.MessageSender,
	locker lock.Locker,
	clk clock.Clock,
) *MatchMaker {
	return &MatchMaker{
		conf:      &conf.Match,
		rc:        rc,
		store:     store,
		directory: directory,
		presence:  presence,
		calls:     calls,
		media:     media,
		sender:    sender,
		locker:    locker,
		clock:     clk,
		logger:    logger.GetLogger().WithValues("component", "match"),
		workers:   workerpool.New(len(conf.Match.GameTypes)),
	}
}

// Start runs a matching round for every game type on each tick until Stop.
func (m *MatchMaker) Start() {
	go m.matchWorker()
}

func (m *MatchMaker) Stop() {
	m.lock.Lock()
	if m.stopped.IsBroken() {
		m.lock.Unlock()
		return
	}
	m.stopped.Break()
	m.lock.Unlock()

	m.workers.StopWait()
}

func (m *MatchMaker) matchWorker() {
	ticker := m.clock.Ticker(m.conf.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopped.Watch():
			return
		case <-ticker.C:
			for _, gameType := range m.conf.GameTypes {
				m.submitTryMatch(gameType)
			}
		}
	}
}

func (m *MatchMaker) submitTryMatch(gameType string) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.stopped.IsBroken() {
		return
	}
	m.workers.Submit(func() {
		if err := m.TryMatch(context.Background(), gameType); err != nil {
			m.logger.Warnw("matching round failed", err, "gameType", gameType)
		}
	})
}

// Enqueue adds the user to the queue of gameType and returns its 1-based position.
// Enqueueing twice keeps the original enqueue time.
func (m *MatchMaker) Enqueue(ctx context.Context, userKey, gameType string) (int64, error) {
	if err := m.validate(userKey, gameType); err != nil {
		return 0, err
	}

	key := matchQueueKey(gameType)
	err := m.rc.ZAddNX(ctx, key, redis.Z{
		Score:  float64(m.clock.Now().UnixMilli()),
		Member: userKey,
	}).Err()
	if err != nil {
		return 0, err
	}

	pos, err := m.QueuePosition(ctx, userKey, gameType)
	if err != nil {
		return 0, err
	}
	m.updateQueueSize(ctx, gameType)
	m.submitTryMatch(gameType)

	m.logger.Debugw("user queued", "userKey", userKey, "gameType", gameType, "position", pos+1)
	return pos + 1, nil
}

func (m *MatchMaker) Cancel(ctx context.Context, userKey, gameType string) error {
	if err := m.validate(userKey, gameType); err != nil {
		return err
	}
	if err := m.rc.ZRem(ctx, matchQueueKey(gameType), userKey).Err(); err != nil {
		return err
	}
	m.updateQueueSize(ctx, gameType)
	return nil
}

// CancelAll removes the user from the queue of every configured game type.
func (m *MatchMaker) CancelAll(ctx context.Context, userKey string) error {
	_, err := m.rc.Pipelined(ctx, func(pp redis.Pipeliner) error {
		for _, gameType := range m.conf.GameTypes {
			pp.ZRem(ctx, matchQueueKey(gameType), userKey)
		}
		return nil
	})
	return err
}

// QueuePosition returns the number of users queued strictly before userKey, or -1 when
// the user is not queued.
func (m *MatchMaker) QueuePosition(ctx context.Context, userKey, gameType string) (int64, error) {
	key := matchQueueKey(gameType)
	score, err := m.rc.ZScore(ctx, key, userKey).Result()
	if err == redis.Nil {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	return m.rc.ZCount(ctx, key, "-inf", "("+strconv.FormatFloat(score, 'f', -1, 64)).Result()
}

func (m *MatchMaker) QueueStatus(ctx context.Context) ([]QueueStatus, error) {
	return ReadQueueStatus(ctx, m.rc, m.conf.GameTypes)
}

// ReadQueueStatus reports size and oldest entry of each game type queue.
func ReadQueueStatus(ctx context.Context, rc redis.UniversalClient, gameTypes []string) ([]QueueStatus, error) {
	res := make([]QueueStatus, 0, len(gameTypes))
	for _, gameType := range gameTypes {
		key := matchQueueKey(gameType)
		size, err := rc.ZCard(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		status := QueueStatus{GameType: gameType, Size: size}
		if size > 0 {
			oldest, err := rc.ZRangeWithScores(ctx, key, 0, 0).Result()
			if err != nil {
				return nil, err
			}
			if len(oldest) > 0 {
				status.OldestEnqueuedAt = time.UnixMilli(int64(oldest[0].Score))
			}
		}
		res = append(res, status)
	}
	return res, nil
}

// TryMatch runs one matching round: pop the oldest batch, pair adjacent entries enqueued
// within the window of each other and put everything unpaired back with its original score.
func (m *MatchMaker) TryMatch(ctx context.Context, gameType string) error {
	return m.locker.RunWithLock(ctx, matchLockPrefix+gameType, m.conf.Lock, func(ctx context.Context) error {
		key := matchQueueKey(gameType)
		size, err := m.rc.ZCard(ctx, key).Result()
		if err != nil || size < 2 {
			return err
		}

		popped, err := m.rc.ZPopMin(ctx, key, int64(m.conf.BatchSize)).Result()
		if err != nil {
			return err
		}

		var candidates deque.Deque[queueEntry]
		for _, z := range popped {
			candidates.PushBack(queueEntry{userKey: z.Member.(string), score: z.Score})
		}

		window := float64(m.conf.Window.Milliseconds())
		var unmatched []queueEntry
		for candidates.Len() > 0 {
			first := candidates.PopFront()
			if candidates.Len() == 0 {
				unmatched = append(unmatched, first)
				break
			}
			if candidates.Front().score-first.score > window {
				unmatched = append(unmatched, first)
				continue
			}
			second := candidates.PopFront()
			if err := m.startMatch(ctx, gameType, first.userKey, second.userKey); err != nil {
				m.logger.Warnw("could not start match", err, "gameType", gameType, "users", []string{first.userKey, second.userKey})
				unmatched = append(unmatched, first, second)
			}
		}

		if len(unmatched) > 0 {
			members := make([]redis.Z, 0, len(unmatched))
			for _, e := range unmatched {
				members = append(members, redis.Z{Score: e.score, Member: e.userKey})
			}
			if err := m.rc.ZAdd(ctx, key, members...).Err(); err != nil {
				return err
			}
		}
		m.updateQueueSize(ctx, gameType)
		return nil
	})
}

func (m *MatchMaker) startMatch(ctx context.Context, gameType, userA, userB string) error {
	roomID := utils.NewGuid(utils.MatchRoomPrefix)
	userKeys := []string{userA, userB}

	users := make([]types.UserInfo, 0, len(userKeys))
	for _, userKey := range userKeys {
		name, err := m.presence.Name(ctx, userKey)
		if err != nil {
			return err
		}
		users = append(users, types.UserInfo{UserKey: userKey, Name: name})
	}

	// members keep the fresh router from being reaped as idle
	m.media.AdmitParticipants(roomID, userKeys)
	caps, err := m.media.GetRouterRtpCapabilities(ctx, roomID)
	if err != nil {
		m.media.DiscardRoom(roomID)
		return err
	}

	err = m.store.CreateMatch(ctx, &MatchRecord{
		RoomID:    roomID,
		GameType:  gameType,
		UserKeys:  userKeys,
		CreatedAt: m.clock.Now(),
	})
	if err == nil {
		err = m.calls.StartMatchedCall(ctx, roomID, users)
	}
	if err == nil {
		err = m.directory.AddRoom(ctx, roomID, userKeys)
	}
	if err != nil {
		m.abandonMatch(ctx, roomID, userKeys)
		return err
	}

	for _, u := range users {
		opponent := users[0]
		if opponent.UserKey == u.UserKey {
			opponent = users[1]
		}
		msg := types.NewSignalMessage(types.MatchSuccess, &types.MatchSuccessNotification{
			RoomID:          roomID,
			UserKeys:        userKeys,
			OpponentsUser:   opponent,
			RtpCapabilities: caps,
		})
		if err := m.sender.SendToUsers(ctx, []string{u.UserKey}, msg); err != nil {
			m.logger.Warnw("could not notify match", err, "userKey", u.UserKey, "roomID", roomID)
		}
	}

	prometheus.RecordMatch(gameType)
	m.logger.Infow("match created", "roomID", roomID, "gameType", gameType, "userKeys", userKeys)
	return nil
}

func (m *MatchMaker) validate(userKey, gameType string) error {
	if userKey == "" {
		return ErrUserKeyEmpty
	}
	if !funk.ContainsString(m.conf.GameTypes, gameType) {
		return ErrUnknownGameType
	}
	return nil
}

func (m *MatchMaker) updateQueueSize(ctx context.Context, gameType string) {
	if size, err := m.rc.ZCard(ctx, matchQueueKey(gameType)).Result(); err == nil {
		prometheus.SetMatchQueueSize(gameType, size)
	}
}

// abandonMatch undoes whatever part of startMatch got written.
func (m *MatchMaker) abandonMatch(ctx context.Context, roomID string, userKeys []string) {
	ctx = context.WithoutCancel(ctx)
	if err := m.store.DeleteMatch(ctx, roomID); err != nil {
		m.logger.Warnw("could not delete match", err, "roomID", roomID)
	}
	if err := m.directory.RemoveRoom(ctx, roomID, userKeys); err != nil {
		m.logger.Warnw("could not remove match room", err, "roomID", roomID)
	}
	if err := m.calls.AbortMatchedCall(ctx, roomID, userKeys); err != nil {
		m.logger.Warnw("could not abort matched call", err, "roomID", roomID)
	}
	m.media.DiscardRoom(roomID)
}
