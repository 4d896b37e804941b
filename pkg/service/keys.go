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

import "strings"

const (
	// call records, JSON encoded CallRecord
	CallRequestPrefix       = "room:call:request:"
	CallRequestBackupPrefix = "room:call:request:backup:"
	CallActivePrefix        = "room:call:active:"

	// per-user markers, value is the room id
	UserCallRequestPrefix  = "user:call:request:"
	UserCallActivePrefix   = "user:call:active:"
	UserCallResponsePrefix = "user:call:response:"

	// sets written by the chat service
	RoomMembersPrefix = "room:members:"
	UserRoomsPrefix   = "user:rooms:"

	// hash of name, nodeId, connections
	UserPresencePrefix = "user:presence:"

	// sorted set of userKey scored by enqueue time in ms
	MatchQueuePrefix = "match_queue:"
	// hash of a created match
	MatchRecordPrefix = "match:"
)

func callRequestKey(roomID string) string       { return CallRequestPrefix + roomID }
func callRequestBackupKey(roomID string) string { return CallRequestBackupPrefix + roomID }
func callActiveKey(roomID string) string        { return CallActivePrefix + roomID }
func userCallRequestKey(userID string) string   { return UserCallRequestPrefix + userID }
func userCallActiveKey(userID string) string    { return UserCallActivePrefix + userID }
func userCallResponseKey(userID string) string  { return UserCallResponsePrefix + userID }
func roomMembersKey(roomID string) string       { return RoomMembersPrefix + roomID }
func userRoomsKey(userID string) string         { return UserRoomsPrefix + userID }
func userPresenceKey(userKey string) string     { return UserPresencePrefix + userKey }
func matchQueueKey(gameType string) string      { return MatchQueuePrefix + gameType }
func matchRecordKey(roomID string) string       { return MatchRecordPrefix + roomID }

// roomIDFromExpiredKey returns the room of an expired primary call request key. Backup keys
// share the prefix and are ignored.
func roomIDFromExpiredKey(key string) (string, bool) {
	if strings.HasPrefix(key, CallRequestBackupPrefix) {
		return "", false
	}
	roomID, ok := strings.CutPrefix(key, CallRequestPrefix)
	return roomID, ok && roomID != ""
}
