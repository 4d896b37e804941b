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
	"sync"

	"github.com/frostbyte73/core"
	"github.com/gammazero/workerpool"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/psrpc"

	"github.com/dTelecom/call-sfu/pkg/config"
	"github.com/dTelecom/call-sfu/pkg/routing"
	"github.com/dTelecom/call-sfu/pkg/rtc/types"
	"github.com/dTelecom/call-sfu/pkg/telemetry/prometheus"
)

// SignalSession is one authenticated socket as seen by the signal handler.
type SignalSession struct {
	User   types.UserInfo
	sink   routing.MessageSink
	logger logger.Logger
}

func NewSignalSession(user types.UserInfo, sink routing.MessageSink) *SignalSession {
	return &SignalSession{
		User:   user,
		sink:   sink,
		logger: logger.GetLogger().WithValues("userKey", user.UserKey),
	}
}

func (s *SignalSession) write(msg *types.SignalMessage) {
	if err := s.sink.WriteMessage(msg); err != nil && !errors.Is(err, routing.ErrChannelClosed) {
		s.logger.Warnw("could not write signal reply", err, "event", msg.Event)
	}
}

// SignalHandler dispatches client messages to the call, match and media flows. Messages are
// decoded in arrival order and handled concurrently on a bounded pool.
type SignalHandler struct {
	calls     *CallService
	matcher   *MatchMaker
	media     MediaSession
	directory RoomDirectory
	logger    logger.Logger

	lock    sync.RWMutex
	workers *workerpool.WorkerPool
	stopped core.Fuse
}

func NewSignalHandler(
	conf *config.Config,
	calls *CallService,
	matcher *MatchMaker,
	media MediaSession,
	directory RoomDirectory,
) *SignalHandler {
	return &SignalHandler{
		calls:     calls,
		matcher:   matcher,
		media:     media,
		directory: directory,
		logger:    logger.GetLogger().WithValues("component", "signal"),
		workers:   workerpool.New(conf.Signal.MaxConcurrentHandlers),
	}
}

// HandleMessage handles msg in the background. The reply, if any, goes to the session.
func (h *SignalHandler) HandleMessage(sess *SignalSession, msg *types.SignalMessage) {
	h.lock.RLock()
	defer h.lock.RUnlock()

	if h.stopped.IsBroken() {
		if reply := replyTo(msg, nil, ErrServerShuttingDown); reply != nil {
			sess.write(reply)
		}
		return
	}
	h.workers.Submit(func() {
		if reply := h.Handle(context.Background(), sess, msg); reply != nil {
			sess.write(reply)
		}
	})
}

// Handle runs msg to completion and returns the reply owed to the client, nil when the
// message carried no ack id.
func (h *SignalHandler) Handle(ctx context.Context, sess *SignalSession, msg *types.SignalMessage) *types.SignalMessage {
	res, err := h.dispatch(ctx, sess, msg)
	if err != nil {
		prometheus.RecordMessage(msg.Event, "failure")
		sess.logger.Infow("signal request failed", "event", msg.Event, "error", err)
	} else {
		prometheus.RecordMessage(msg.Event, "success")
	}
	return replyTo(msg, res, err)
}

func (h *SignalHandler) Stop() {
	h.lock.Lock()
	if h.stopped.IsBroken() {
		h.lock.Unlock()
		return
	}
	h.stopped.Break()
	h.lock.Unlock()

	h.workers.StopWait()
}

func (h *SignalHandler) dispatch(ctx context.Context, sess *SignalSession, msg *types.SignalMessage) (interface{}, error) {
	event, err := types.ParseInboundEvent(msg.Event)
	if err != nil {
		return nil, ErrInvalidEvent
	}

	switch e := event.(type) {
	case types.CallEvent:
		return h.handleCall(ctx, sess, e, msg)
	case types.MatchEvent:
		return h.handleMatch(ctx, sess, e, msg)
	case types.MediaEvent:
		return h.handleMedia(ctx, sess, e, msg)
	default:
		return nil, ErrInvalidEvent
	}
}

func (h *SignalHandler) handleCall(ctx context.Context, sess *SignalSession, e types.CallEvent, msg *types.SignalMessage) (interface{}, error) {
	switch e {
	case types.CallRequest:
		var req types.RoomRequest
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		rec, err := h.calls.Request(ctx, sess.User, req.RoomID)
		if err != nil {
			return nil, err
		}
		return rec.notification(), nil

	case types.CallResponse:
		var req types.CallResponseRequest
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		return nil, h.calls.Respond(ctx, sess.User, req.CallerID, req.RoomID, req.Accepted)

	case types.CallEnd:
		var req types.RoomRequest
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		return nil, h.calls.End(ctx, sess.User, req.RoomID)

	case types.CallCheckPending:
		rooms, err := h.calls.CheckPending(ctx, sess.User.UserKey)
		if err != nil {
			return nil, err
		}
		if rooms == nil {
			rooms = []string{}
		}
		return &types.RoomsResponse{RoomIDs: rooms}, nil

	case types.CallCheckExisting:
		var req types.RoomRequest
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		participants, err := h.calls.CheckExisting(ctx, sess.User.UserKey, req.RoomID)
		if err != nil {
			return nil, err
		}
		return &types.ParticipantsResponse{RoomID: req.RoomID, Participants: participants}, nil

	default:
		// notifications only flow from server to client
		return nil, ErrInvalidEvent
	}
}

func (h *SignalHandler) handleMatch(ctx context.Context, sess *SignalSession, e types.MatchEvent, msg *types.SignalMessage) (interface{}, error) {
	var req types.MatchRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}

	switch e {
	case types.MatchCreateRequest:
		pos, err := h.matcher.Enqueue(ctx, sess.User.UserKey, req.GameType)
		if err != nil {
			return nil, err
		}
		queued := &types.MatchQueuedNotification{GameType: req.GameType, Position: pos}
		sess.write(types.NewSignalMessage(types.MatchQueued, queued))
		return queued, nil

	case types.MatchCancelRequest:
		return nil, h.matcher.Cancel(ctx, sess.User.UserKey, req.GameType)

	default:
		return nil, ErrInvalidEvent
	}
}

func (h *SignalHandler) handleMedia(ctx context.Context, sess *SignalSession, e types.MediaEvent, msg *types.SignalMessage) (interface{}, error) {
	userKey := sess.User.UserKey

	switch e {
	case types.MediaGetRtpCapabilities:
		var req types.RoomRequest
		if err := h.decodeMemberRoom(ctx, msg, userKey, &req); err != nil {
			return nil, err
		}
		return h.media.GetRouterRtpCapabilities(ctx, req.RoomID)

	case types.MediaCreateSendTransport, types.MediaCreateRecvTransport:
		var req types.RoomRequest
		if err := h.decodeMemberRoom(ctx, msg, userKey, &req); err != nil {
			return nil, err
		}
		direction := types.TransportDirectionSend
		if e == types.MediaCreateRecvTransport {
			direction = types.TransportDirectionRecv
		}
		ti, err := h.media.CreateTransport(ctx, req.RoomID, userKey, direction)
		if err != nil {
			return nil, err
		}
		opts := ti.Transport.Options()
		opts.ID = ti.ID
		return &opts, nil

	case types.MediaConnectTransport:
		var req types.ConnectTransportRequest
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		return nil, h.media.ConnectTransport(ctx, userKey, req.ID, req.DtlsParameters, req.IceParameters)

	case types.MediaProduce:
		var req types.ProduceRequest
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		pi, err := h.media.CreateProducer(ctx, userKey, req.TransportID, req.Kind, req.RtpParameters, req.TrackType)
		if err != nil {
			return nil, err
		}
		return &types.ProduceResponse{ProducerID: pi.ID}, nil

	case types.MediaGetProducers:
		var req types.RoomRequest
		if err := h.decodeMemberRoom(ctx, msg, userKey, &req); err != nil {
			return nil, err
		}
		return h.media.GetProducers(req.RoomID, userKey), nil

	case types.MediaConsume:
		var req types.ConsumeRequest
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		ci, err := h.media.CreateConsumer(ctx, req.RoomID, userKey, req.ProducerID, req.RtpCapabilities, req.TransportID, req.TrackType)
		if err != nil {
			return nil, err
		}
		return &types.ConsumeResponse{
			ID:             ci.ID,
			ProducerID:     ci.ProducerID,
			Kind:           ci.Consumer.Kind(),
			RtpParameters:  ci.Consumer.RtpParameters(),
			Type:           ci.Consumer.Type(),
			ProducerPaused: ci.Consumer.ProducerPaused(),
			TrackType:      ci.TrackType,
		}, nil

	case types.MediaProducerPause, types.MediaProducerResume:
		var req types.TrackRequest
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		toggle := h.media.Pause
		if e == types.MediaProducerResume {
			toggle = h.media.Resume
		}
		changed, err := toggle(ctx, req.RoomID, userKey, req.TrackType)
		if err != nil {
			return nil, err
		}
		return &types.TrackStateResponse{TrackType: req.TrackType, Changed: changed}, nil

	case types.MediaEnd:
		var req types.RoomRequest
		if err := decodeRoom(msg, &req); err != nil {
			return nil, err
		}
		h.media.HandleUserLeave(ctx, userKey, sess.User.Name, req.RoomID)
		return nil, nil

	default:
		return nil, ErrInvalidEvent
	}
}

// decodeMemberRoom decodes a room request and checks the user belongs to the room.
func (h *SignalHandler) decodeMemberRoom(ctx context.Context, msg *types.SignalMessage, userKey string, req *types.RoomRequest) error {
	if err := decodeRoom(msg, req); err != nil {
		return err
	}
	member, err := h.directory.IsMember(ctx, req.RoomID, userKey)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotRoomMember
	}
	return nil
}

func decode(msg *types.SignalMessage, v interface{}) error {
	if err := msg.Decode(v); err != nil {
		return ErrMalformedPayload
	}
	return nil
}

func decodeRoom(msg *types.SignalMessage, req *types.RoomRequest) error {
	if err := decode(msg, req); err != nil {
		return err
	}
	if req.RoomID == "" {
		return ErrRoomIDEmpty
	}
	return nil
}

// replyTo builds the ack reply for msg. Errors carry their psrpc code.
func replyTo(msg *types.SignalMessage, res interface{}, err error) *types.SignalMessage {
	if msg.Ack == "" {
		return nil
	}

	reply := &types.SignalMessage{Event: msg.Event, Ack: msg.Ack}
	if err != nil {
		reply.Error = toSignalError(err)
		return reply
	}
	if res != nil {
		data, err := json.Marshal(res)
		if err != nil {
			reply.Error = toSignalError(err)
			return reply
		}
		reply.Data = data
	}
	return reply
}

func toSignalError(err error) *types.SignalError {
	var perr psrpc.Error
	if errors.As(err, &perr) {
		return &types.SignalError{Code: string(perr.Code()), Message: perr.Error()}
	}
	return &types.SignalError{Code: string(psrpc.Internal), Message: err.Error()}
}
