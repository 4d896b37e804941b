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

	"github.com/redis/go-redis/v9"
)

const presenceTTL = 24 * time.Hour

// drops the presence hash once the last connection of a user is gone
var setOfflineScript = redis.NewScript(`
local n = redis.call("HINCRBY", KEYS[1], "connections", -1)
if n <= 0 then
	redis.call("DEL", KEYS[1])
end
return n
`)

type RedisRoomDirectory struct {
	rc redis.UniversalClient
}

func NewRedisRoomDirectory(rc redis.UniversalClient) *RedisRoomDirectory {
	return &RedisRoomDirectory{rc: rc}
}

func (d *RedisRoomDirectory) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	return d.rc.SMembers(ctx, roomMembersKey(roomID)).Result()
}

func (d *RedisRoomDirectory) UserRooms(ctx context.Context, userID string) ([]string, error) {
	return d.rc.SMembers(ctx, userRoomsKey(userID)).Result()
}

func (d *RedisRoomDirectory) AddRoom(ctx context.Context, roomID string, members []string) error {
	if len(members) == 0 {
		return nil
	}
	_, err := d.rc.TxPipelined(ctx, func(pp redis.Pipeliner) error {
		values := make([]interface{}, 0, len(members))
		for _, userID := range members {
			values = append(values, userID)
			pp.SAdd(ctx, userRoomsKey(userID), roomID)
		}
		pp.SAdd(ctx, roomMembersKey(roomID), values...)
		return nil
	})
	return err
}

// RemoveRoom undoes AddRoom.
func (d *RedisRoomDirectory) RemoveRoom(ctx context.Context, roomID string, members []string) error {
	_, err := d.rc.TxPipelined(ctx, func(pp redis.Pipeliner) error {
		for _, userID := range members {
			pp.SRem(ctx, userRoomsKey(userID), roomID)
		}
		pp.Del(ctx, roomMembersKey(roomID))
		return nil
	})
	return err
}

func (d *RedisRoomDirectory) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	return d.rc.SIsMember(ctx, roomMembersKey(roomID), userID).Result()
}

type RedisPresence struct {
	rc redis.UniversalClient
}

func NewRedisPresence(rc redis.UniversalClient) *RedisPresence {
	return &RedisPresence{rc: rc}
}

// SetOnline counts connections, a user stays online until every socket is gone.
func (p *RedisPresence) SetOnline(ctx context.Context, userKey, name, nodeID string) error {
	key := userPresenceKey(userKey)
	_, err := p.rc.TxPipelined(ctx, func(pp redis.Pipeliner) error {
		pp.HSet(ctx, key, "name", name, "nodeId", nodeID)
		pp.HIncrBy(ctx, key, "connections", 1)
		pp.Expire(ctx, key, presenceTTL)
		return nil
	})
	return err
}

func (p *RedisPresence) SetOffline(ctx context.Context, userKey string) error {
	return setOfflineScript.Run(ctx, p.rc, []string{userPresenceKey(userKey)}).Err()
}

func (p *RedisPresence) IsOnline(ctx context.Context, userKey string) (bool, error) {
	n, err := p.rc.Exists(ctx, userPresenceKey(userKey)).Result()
	return n > 0, err
}

func (p *RedisPresence) Name(ctx context.Context, userKey string) (string, error) {
	name, err := p.rc.HGet(ctx, userPresenceKey(userKey), "name").Result()
	if err == redis.Nil {
		return "", nil
	}
	return name, err
}
