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
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/dTelecom/call-sfu/pkg/config"
)

type RedisCallStore struct {
	rc         redis.UniversalClient
	requestTTL time.Duration
	backupTTL  time.Duration
	activeTTL  time.Duration
}

func NewRedisCallStore(rc redis.UniversalClient, conf *config.CallConfig) *RedisCallStore {
	return &RedisCallStore{
		rc:         rc,
		requestTTL: conf.RequestTTL,
		backupTTL:  conf.BackupTTL,
		activeTTL:  conf.ActiveTTL,
	}
}

func (s *RedisCallStore) StoreRequest(ctx context.Context, rec *CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	_, err = s.rc.TxPipelined(ctx, func(pp redis.Pipeliner) error {
		pp.Set(ctx, callRequestKey(rec.RoomID), data, s.requestTTL)
		pp.Set(ctx, callRequestBackupKey(rec.RoomID), data, s.backupTTL)
		pp.Set(ctx, userCallRequestKey(rec.CallerID), rec.RoomID, s.backupTTL)
		for _, userID := range rec.Recipients {
			pp.Set(ctx, userCallResponseKey(userID), rec.RoomID, s.backupTTL)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "could not store call request")
	}
	return nil
}

func (s *RedisCallStore) LoadRequest(ctx context.Context, roomID string) (*CallRecord, error) {
	return s.load(ctx, callRequestKey(roomID))
}

func (s *RedisCallStore) LoadRequestBackup(ctx context.Context, roomID string) (*CallRecord, error) {
	return s.load(ctx, callRequestBackupKey(roomID))
}

func (s *RedisCallStore) DeleteRequest(ctx context.Context, roomID, callerID string) error {
	keys := []string{callRequestKey(roomID), callRequestBackupKey(roomID)}
	if callerID != "" {
		keys = append(keys, userCallRequestKey(callerID))
	}
	return s.rc.Del(ctx, keys...).Err()
}

func (s *RedisCallStore) StoreActive(ctx context.Context, rec *CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	_, err = s.rc.TxPipelined(ctx, func(pp redis.Pipeliner) error {
		pp.Set(ctx, callActiveKey(rec.RoomID), data, s.activeTTL)
		for _, userID := range rec.Participants {
			pp.Set(ctx, userCallActiveKey(userID), rec.RoomID, s.activeTTL)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "could not store active call")
	}
	return nil
}

func (s *RedisCallStore) LoadActive(ctx context.Context, roomID string) (*CallRecord, error) {
	rec, err := s.load(ctx, callActiveKey(roomID))
	if err != nil {
		return nil, err
	}
	_, err = s.rc.Pipelined(ctx, func(pp redis.Pipeliner) error {
		pp.Expire(ctx, callActiveKey(roomID), s.activeTTL)
		for _, userID := range rec.Participants {
			pp.Expire(ctx, userCallActiveKey(userID), s.activeTTL)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not refresh active call")
	}
	return rec, nil
}

func (s *RedisCallStore) DeleteActive(ctx context.Context, roomID string, participants []string) error {
	keys := []string{callActiveKey(roomID)}
	for _, userID := range participants {
		keys = append(keys, userCallActiveKey(userID))
	}
	return s.rc.Del(ctx, keys...).Err()
}

func (s *RedisCallStore) DeleteUserActive(ctx context.Context, userID string) error {
	return s.rc.Del(ctx, userCallActiveKey(userID)).Err()
}

func (s *RedisCallStore) ClearAwaitingResponse(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		keys = append(keys, userCallResponseKey(userID))
	}
	return s.rc.Del(ctx, keys...).Err()
}

func (s *RedisCallStore) UserRequest(ctx context.Context, userID string) (string, error) {
	return s.marker(ctx, userCallRequestKey(userID))
}

func (s *RedisCallStore) UserActive(ctx context.Context, userID string) (string, error) {
	return s.marker(ctx, userCallActiveKey(userID))
}

func (s *RedisCallStore) UserAwaiting(ctx context.Context, userID string) (string, error) {
	return s.marker(ctx, userCallResponseKey(userID))
}

func (s *RedisCallStore) load(ctx context.Context, key string) (*CallRecord, error) {
	data, err := s.rc.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			err = ErrCallNotFound
		}
		return nil, err
	}

	rec := &CallRecord{}
	if err = json.Unmarshal([]byte(data), rec); err != nil {
		return nil, errors.Wrap(err, "could not decode call record")
	}
	return rec, nil
}

// marker returns "" when the marker is not set.
func (s *RedisCallStore) marker(ctx context.Context, key string) (string, error) {
	roomID, err := s.rc.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return roomID, err
}
