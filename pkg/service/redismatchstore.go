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
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RedisMatchStore struct {
	rc        redis.UniversalClient
	recordTTL time.Duration
}

func NewRedisMatchStore(rc redis.UniversalClient, recordTTL time.Duration) *RedisMatchStore {
	return &RedisMatchStore{
		rc:        rc,
		recordTTL: recordTTL,
	}
}

func (s *RedisMatchStore) CreateMatch(ctx context.Context, rec *MatchRecord) error {
	key := matchRecordKey(rec.RoomID)
	_, err := s.rc.TxPipelined(ctx, func(pp redis.Pipeliner) error {
		pp.HSet(ctx, key,
			"roomId", rec.RoomID,
			"gameType", rec.GameType,
			"userKeys", strings.Join(rec.UserKeys, ","),
			"createdAt", rec.CreatedAt.UnixMilli(),
		)
		pp.Expire(ctx, key, s.recordTTL)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "could not create match")
	}
	return nil
}

func (s *RedisMatchStore) LoadMatch(ctx context.Context, roomID string) (*MatchRecord, error) {
	fields, err := s.rc.HGetAll(ctx, matchRecordKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrMatchNotFound
	}

	createdAt, err := strconv.ParseInt(fields["createdAt"], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "could not decode match record")
	}
	rec := &MatchRecord{
		RoomID:    fields["roomId"],
		GameType:  fields["gameType"],
		CreatedAt: time.UnixMilli(createdAt),
	}
	if userKeys := fields["userKeys"]; userKeys != "" {
		rec.UserKeys = strings.Split(userKeys, ",")
	}
	return rec, nil
}

func (s *RedisMatchStore) DeleteMatch(ctx context.Context, roomID string) error {
	return s.rc.Del(ctx, matchRecordKey(roomID)).Err()
}
