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

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/thoas/go-funk"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/call-sfu/pkg/config"
	"github.com/dTelecom/call-sfu/pkg/lock"
	"github.com/dTelecom/call-sfu/pkg/rtc/types"
	"github.com/dTelecom/call-sfu/pkg/telemetry/prometheus"
)

const callLockPrefix = "call:"

// CallService drives the call state of rooms: requesting, active and back to none.
// Every transition of a room runs under that room's call lock.
type CallService struct {
	conf      *config.CallConfig
	store     CallStore
	directory RoomDirectory
	presence  Presence
	media     MediaRooms
	sender    types.MessageSender
	locker    lock.Locker
	clock     clock.Clock
	logger    logger.Logger
}

func NewCallService(
	conf *config.Config,
	store CallStore,
	directory RoomDirectory,
	presence Presence,
	media MediaRooms,
	sender types.MessageSender,
	locker lock.Locker,
	clk clock.Clock,
) *CallService {
	s := &CallService{
		conf:      &conf.Call,
		store:     store,
		directory: directory,
		presence:  presence,
		media:     media,
		sender:    sender,
		locker:    locker,
		clock:     clk,
		logger:    logger.GetLogger().WithValues("component", "call"),
	}
	media.OnRoomTeardown(s.TeardownRoom)
	return s
}

// Request starts ringing the connected members of the room.
func (s *CallService) Request(ctx context.Context, caller types.UserInfo, roomID string) (*CallRecord, error) {
	if roomID == "" {
		return nil, ErrRoomIDEmpty
	}

	var rec *CallRecord
	err := s.withRoomLock(ctx, roomID, func(ctx context.Context) error {
		members, err := s.directory.RoomMembers(ctx, roomID)
		if err != nil {
			return err
		}
		if !funk.ContainsString(members, caller.UserKey) {
			return ErrNotRoomMember
		}

		if pending, err := s.store.UserRequest(ctx, caller.UserKey); err != nil {
			return err
		} else if pending != "" {
			return ErrDuplicateRequest
		}
		if req, err := s.loadRequest(ctx, roomID); err != nil {
			return err
		} else if req != nil {
			return ErrDuplicateRequest
		}
		if inCall, err := s.store.UserActive(ctx, caller.UserKey); err != nil {
			return err
		} else if inCall != "" {
			return ErrAlreadyInCall
		}
		if active, err := s.loadActive(ctx, roomID); err != nil {
			return err
		} else if active != nil {
			return ErrAlreadyInCall
		}

		recipients, err := s.onlineUsers(ctx, funk.Without(members, caller.UserKey).([]string))
		if err != nil {
			return err
		}
		if len(recipients) == 0 {
			return ErrNoRecipients
		}

		rec = &CallRecord{
			RoomID:       roomID,
			CallerID:     caller.UserKey,
			CallerName:   caller.Name,
			Recipients:   recipients,
			Participants: []string{caller.UserKey},
			State:        CallStateRequesting,
			CreatedAt:    s.clock.Now().UnixMilli(),
		}
		s.send(ctx, recipients, types.NewSignalMessage(types.CallIncoming, rec.notification()))
		return s.store.StoreRequest(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	prometheus.RecordCallTransition("request")
	s.logger.Infow("call requested", "roomID", roomID, "callerID", caller.UserKey, "recipients", rec.Recipients)
	return rec, nil
}

// HandleRequestExpired cancels a request nobody answered. The backup record carries the
// details once the primary key is gone; without it the request was already resolved.
func (s *CallService) HandleRequestExpired(ctx context.Context, roomID string) error {
	return s.withRoomLock(ctx, roomID, func(ctx context.Context) error {
		backup, err := s.store.LoadRequestBackup(ctx, roomID)
		if errors.Is(err, ErrCallNotFound) {
			s.logger.Debugw("expired call request already resolved", "roomID", roomID)
			return nil
		}
		if err != nil {
			return err
		}

		if err = s.store.ClearAwaitingResponse(ctx, backup.Recipients...); err != nil {
			return err
		}
		if err = s.store.DeleteRequest(ctx, roomID, backup.CallerID); err != nil {
			return err
		}
		s.send(ctx, backup.audience(), types.NewSignalMessage(types.CallCancelled, backup.notification()))

		prometheus.RecordCallTransition("expire")
		s.logger.Infow("call request expired", "roomID", roomID, "callerID", backup.CallerID)
		return nil
	})
}

// Respond answers a ringing call. A rejection only reaches the caller and leaves the call open
// for the other recipients. The first acceptance activates the call, later ones join it.
func (s *CallService) Respond(ctx context.Context, responder types.UserInfo, callerID, roomID string, accepted bool) error {
	if roomID == "" {
		return ErrRoomIDEmpty
	}
	online, err := s.presence.IsOnline(ctx, callerID)
	if err != nil {
		return err
	}
	if !online {
		return ErrCallerSocketNotFound
	}

	if !accepted {
		if err = s.store.ClearAwaitingResponse(ctx, responder.UserKey); err != nil {
			return err
		}
		s.send(ctx, []string{callerID}, types.NewSignalMessage(types.CallRejected, &types.CallNotification{
			RoomID:   roomID,
			CallerID: callerID,
			UserID:   responder.UserKey,
			UserName: responder.Name,
		}))
		prometheus.RecordCallTransition("reject")
		return nil
	}

	var (
		active   *CallRecord
		promoted bool
	)
	err = s.withRoomLock(ctx, roomID, func(ctx context.Context) error {
		if err := s.store.ClearAwaitingResponse(ctx, responder.UserKey); err != nil {
			return err
		}

		req, err := s.loadRequest(ctx, roomID)
		if err != nil {
			return err
		}
		if req != nil {
			active = &CallRecord{
				RoomID:       roomID,
				CallerID:     req.CallerID,
				CallerName:   req.CallerName,
				Recipients:   req.Recipients,
				Participants: funk.UniqString(append(append([]string{req.CallerID}, req.Participants...), responder.UserKey)),
				State:        CallStateActive,
				CreatedAt:    s.clock.Now().UnixMilli(),
			}
			if err = s.store.StoreActive(ctx, active); err != nil {
				return err
			}
			promoted = true
			return s.store.DeleteRequest(ctx, roomID, req.CallerID)
		}

		// somebody accepted first
		if active, err = s.loadActive(ctx, roomID); err != nil {
			return err
		}
		if active == nil {
			return ErrNoActiveCall
		}
		if funk.ContainsString(active.Participants, responder.UserKey) {
			return nil
		}
		active.Participants = append(active.Participants, responder.UserKey)
		return s.store.StoreActive(ctx, active)
	})
	if err != nil {
		return err
	}

	s.media.AdmitParticipants(roomID, active.Participants)
	caps, err := s.media.GetRouterRtpCapabilities(ctx, roomID)
	if err != nil {
		return err
	}

	n := active.notification()
	n.UserID = responder.UserKey
	n.UserName = responder.Name
	n.RtpCapabilities = &caps
	if promoted {
		s.send(ctx, []string{active.CallerID}, types.NewSignalMessage(types.CallAccepted, n))
		prometheus.RecordCallTransition("accept")
	} else {
		s.send(ctx, funk.Without(active.Participants, responder.UserKey).([]string), types.NewSignalMessage(types.CallUserJoined, n))
		prometheus.RecordCallTransition("join")
	}
	s.send(ctx, []string{responder.UserKey}, types.NewSignalMessage(types.CallSuccess, n))

	s.logger.Infow("call accepted", "roomID", roomID, "userKey", responder.UserKey, "participants", active.Participants)
	return nil
}

// End leaves or cancels the call of a room. An active call with two or fewer participants is
// torn down, a larger one only loses this user. A pending request is always cancelled.
// The user's media in the room is released afterwards.
func (s *CallService) End(ctx context.Context, user types.UserInfo, roomID string) error {
	if roomID == "" {
		return ErrRoomIDEmpty
	}

	err := s.withRoomLock(ctx, roomID, func(ctx context.Context) error {
		req, err := s.loadRequest(ctx, roomID)
		if err != nil {
			return err
		}
		active, err := s.loadActive(ctx, roomID)
		if err != nil {
			return err
		}
		if req == nil && active == nil {
			return ErrNoActiveCall
		}

		if active != nil {
			if len(active.Participants) <= 2 {
				if err = s.endActive(ctx, active, user); err != nil {
					return err
				}
			} else {
				active.Participants = funk.Without(active.Participants, user.UserKey).([]string)
				if err = s.store.StoreActive(ctx, active); err != nil {
					return err
				}
				if err = s.store.DeleteUserActive(ctx, user.UserKey); err != nil {
					return err
				}
				n := active.notification()
				n.UserID = user.UserKey
				n.UserName = user.Name
				s.send(ctx, active.Participants, types.NewSignalMessage(types.CallUserLeft, n))
				prometheus.RecordCallTransition("leave")
			}
		}

		if req == nil {
			// a request written for an active call could still be waiting in the backup
			req, err = s.loadBackup(ctx, roomID)
			if err != nil || req == nil {
				return err
			}
		}
		if err = s.store.DeleteRequest(ctx, roomID, req.CallerID); err != nil {
			return err
		}
		if err = s.store.ClearAwaitingResponse(ctx, req.Recipients...); err != nil {
			return err
		}
		s.send(ctx, req.audience(), types.NewSignalMessage(types.CallCancelled, req.notification()))
		prometheus.RecordCallTransition("cancel")
		return nil
	})
	if err != nil {
		return err
	}

	s.media.HandleUserLeave(ctx, user.UserKey, user.Name, roomID)
	s.logger.Infow("call ended", "roomID", roomID, "userKey", user.UserKey)
	return nil
}

// CheckPending re-delivers incoming calls the user may have missed while connecting.
// It returns the rooms that are ringing.
func (s *CallService) CheckPending(ctx context.Context, userKey string) ([]string, error) {
	rooms, err := s.directory.UserRooms(ctx, userKey)
	if err != nil {
		return nil, err
	}

	var ringing []string
	for _, roomID := range rooms {
		req, err := s.loadRequest(ctx, roomID)
		if err != nil {
			return ringing, err
		}
		if req == nil || req.CallerID == userKey {
			continue
		}
		s.send(ctx, []string{userKey}, types.NewSignalMessage(types.CallIncoming, req.notification()))
		ringing = append(ringing, roomID)
	}
	return ringing, nil
}

// CheckExisting lists the other participants of the room's active call.
func (s *CallService) CheckExisting(ctx context.Context, userKey, roomID string) ([]string, error) {
	if roomID == "" {
		return nil, ErrRoomIDEmpty
	}
	active, err := s.loadActive(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return []string{}, nil
	}
	return funk.Without(active.Participants, userKey).([]string), nil
}

// StartMatchedCall writes an active call for a freshly paired room. Pairing stands in for
// the request and response exchange.
func (s *CallService) StartMatchedCall(ctx context.Context, roomID string, users []types.UserInfo) error {
	if len(users) == 0 {
		return ErrNoRecipients
	}
	participants := make([]string, 0, len(users))
	for _, u := range users {
		participants = append(participants, u.UserKey)
	}

	return s.withRoomLock(ctx, roomID, func(ctx context.Context) error {
		err := s.store.StoreActive(ctx, &CallRecord{
			RoomID:       roomID,
			CallerID:     users[0].UserKey,
			CallerName:   users[0].Name,
			Participants: participants,
			State:        CallStateActive,
			CreatedAt:    s.clock.Now().UnixMilli(),
		})
		if err == nil {
			prometheus.RecordCallTransition("match")
		}
		return err
	})
}

// AbortMatchedCall removes the active record of a match that failed to start. Participant
// markers are only removed while they still point at this room.
func (s *CallService) AbortMatchedCall(ctx context.Context, roomID string, userKeys []string) error {
	return s.withRoomLock(ctx, roomID, func(ctx context.Context) error {
		var owned []string
		for _, userKey := range userKeys {
			active, err := s.store.UserActive(ctx, userKey)
			if err != nil {
				return err
			}
			if active == roomID {
				owned = append(owned, userKey)
			}
		}
		return s.store.DeleteActive(ctx, roomID, owned)
	})
}

// TeardownRoom ends whatever call is left once the media room has emptied out.
func (s *CallService) TeardownRoom(ctx context.Context, roomID string) {
	err := s.withRoomLock(ctx, roomID, func(ctx context.Context) error {
		active, err := s.loadActive(ctx, roomID)
		if err != nil || active == nil {
			return err
		}
		return s.endActive(ctx, active, types.UserInfo{})
	})
	if err != nil {
		s.logger.Warnw("could not tear down call", err, "roomID", roomID)
	}
}

// endActive deletes the active record with every participant marker and tells the participants.
func (s *CallService) endActive(ctx context.Context, active *CallRecord, by types.UserInfo) error {
	if err := s.store.DeleteActive(ctx, active.RoomID, active.Participants); err != nil {
		return err
	}
	if err := s.store.ClearAwaitingResponse(ctx, active.Participants...); err != nil {
		return err
	}
	n := active.notification()
	n.UserID = by.UserKey
	n.UserName = by.Name
	s.send(ctx, active.Participants, types.NewSignalMessage(types.CallEnded, n))
	prometheus.RecordCallTransition("end")
	return nil
}

func (s *CallService) withRoomLock(ctx context.Context, roomID string, op func(ctx context.Context) error) error {
	return s.locker.RunWithLock(ctx, callLockPrefix+roomID, s.conf.Lock, op)
}

func (s *CallService) loadRequest(ctx context.Context, roomID string) (*CallRecord, error) {
	return optionalRecord(s.store.LoadRequest(ctx, roomID))
}

func (s *CallService) loadBackup(ctx context.Context, roomID string) (*CallRecord, error) {
	return optionalRecord(s.store.LoadRequestBackup(ctx, roomID))
}

func (s *CallService) loadActive(ctx context.Context, roomID string) (*CallRecord, error) {
	return optionalRecord(s.store.LoadActive(ctx, roomID))
}

func (s *CallService) onlineUsers(ctx context.Context, userKeys []string) ([]string, error) {
	var online []string
	for _, userKey := range userKeys {
		ok, err := s.presence.IsOnline(ctx, userKey)
		if err != nil {
			return nil, err
		}
		if ok {
			online = append(online, userKey)
		}
	}
	return online, nil
}

func (s *CallService) send(ctx context.Context, userKeys []string, msg *types.SignalMessage) {
	if len(userKeys) == 0 {
		return
	}
	if err := s.sender.SendToUsers(ctx, userKeys, msg); err != nil {
		s.logger.Warnw("could not send call message", err, "event", msg.Event, "userKeys", userKeys)
	}
}

// optionalRecord turns ErrCallNotFound into a nil record.
func optionalRecord(rec *CallRecord, err error) (*CallRecord, error) {
	if errors.Is(err, ErrCallNotFound) {
		return nil, nil
	}
	return rec, err
}

func (r *CallRecord) notification() *types.CallNotification {
	return &types.CallNotification{
		RoomID:       r.RoomID,
		CallerID:     r.CallerID,
		CallerName:   r.CallerName,
		Participants: r.Participants,
	}
}

// audience is everyone who knows about the call.
func (r *CallRecord) audience() []string {
	users := append([]string{r.CallerID}, r.Recipients...)
	return funk.UniqString(append(users, r.Participants...))
}
