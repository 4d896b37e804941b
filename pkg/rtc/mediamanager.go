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

package rtc

import (
	"context"
	"sort"
	"sync"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/call-sfu/pkg/rtc/types"
	"github.com/dTelecom/call-sfu/pkg/telemetry/prometheus"
)

// RoomTeardownFunc ends the call state of a room once its media room has emptied out.
type RoomTeardownFunc func(ctx context.Context, roomID string)

// MediaManager tracks the transports, producers and consumers of every user on this node and
// the media membership of each room.
type MediaManager struct {
	pool   *WorkerPool
	sender types.MessageSender
	logger logger.Logger

	lock       sync.RWMutex
	index      *mediaIndex
	members    map[string]map[string]struct{}
	onTeardown RoomTeardownFunc
}

func NewMediaManager(pool *WorkerPool, sender types.MessageSender) *MediaManager {
	m := &MediaManager{
		pool:    pool,
		sender:  sender,
		logger:  logger.GetLogger().WithValues("component", "media"),
		index:   newMediaIndex(),
		members: make(map[string]map[string]struct{}),
	}
	pool.OnWorkerDied(m.handleWorkerDied)
	return m
}

func (m *MediaManager) OnRoomTeardown(f RoomTeardownFunc) {
	m.lock.Lock()
	m.onTeardown = f
	m.lock.Unlock()
}

func (m *MediaManager) GetRouterRtpCapabilities(ctx context.Context, roomID string) (types.RtpCapabilities, error) {
	return m.pool.GetRouterRtpCapabilities(ctx, roomID)
}

// CreateTransport allocates a transport on the room's router, replacing any transport the user
// already had in that direction.
func (m *MediaManager) CreateTransport(ctx context.Context, roomID, userKey string, direction types.TransportDirection) (*TransportInfo, error) {
	ri, err := m.pool.GetOrCreateRouter(ctx, roomID)
	if err != nil {
		return nil, err
	}
	t, err := ri.Router.CreateWebRTCTransport(ctx)
	if err != nil {
		return nil, err
	}

	ti := &TransportInfo{
		ID:        t.ID(),
		RouterID:  ri.Router.ID(),
		WorkerPID: ri.WorkerPID,
		RoomID:    roomID,
		UserKey:   userKey,
		Direction: direction,
		Transport: t,
	}

	var replaced removed
	m.lock.Lock()
	if prev := m.index.userTransport(roomID, userKey, direction); prev != nil {
		m.index.removeTransportTree(prev.ID, &replaced)
	}
	m.index.transports[ti.ID] = ti
	m.addMemberLocked(roomID, userKey)
	m.lock.Unlock()

	m.close(&replaced)
	prometheus.AddTransport(string(direction))
	m.logger.Debugw("transport created", "roomID", roomID, "userKey", userKey, "transportID", ti.ID, "direction", direction)
	return ti, nil
}

// ConnectTransport hands the client's connection parameters to one of its own transports.
func (m *MediaManager) ConnectTransport(
	ctx context.Context,
	userKey string,
	transportID string,
	dtls types.DtlsParameters,
	ice *types.IceParameters,
) error {
	ti, err := m.ownTransport(userKey, transportID)
	if err != nil {
		return err
	}
	return ti.Transport.Connect(ctx, dtls, ice)
}

// ownTransport looks up a transport on behalf of userKey. Transports of other users are rejected.
func (m *MediaManager) ownTransport(userKey, transportID string) (*TransportInfo, error) {
	m.lock.RLock()
	ti := m.index.transports[transportID]
	m.lock.RUnlock()
	if ti == nil {
		return nil, ErrTransportNotFound
	}
	if ti.UserKey != userKey {
		m.logger.Infow("rejecting use of foreign transport", "userKey", userKey, "transportID", transportID, "owner", ti.UserKey)
		return nil, ErrNotTransportOwner
	}
	return ti, nil
}

// CreateProducer starts a track on a send transport and announces it to the rest of the room.
// A user has at most one producer per track type in a room, an older one is closed.
func (m *MediaManager) CreateProducer(
	ctx context.Context,
	userKey string,
	transportID string,
	kind types.MediaKind,
	params types.RtpParameters,
	trackType types.TrackType,
) (*ProducerInfo, error) {
	if !kind.Valid() || !trackType.Valid() {
		return nil, ErrInvalidTrack
	}

	ti, err := m.ownTransport(userKey, transportID)
	if err != nil {
		return nil, err
	}
	if ti.Direction != types.TransportDirectionSend {
		return nil, ErrWrongDirection
	}

	p, err := ti.Transport.Produce(ctx, types.ProduceOptions{
		Kind:          kind,
		RtpParameters: params,
		AppData:       map[string]interface{}{"trackType": trackType},
	})
	if err != nil {
		return nil, err
	}

	pi := &ProducerInfo{
		ID:          p.ID(),
		Kind:        kind,
		TrackType:   trackType,
		RouterID:    ti.RouterID,
		WorkerPID:   ti.WorkerPID,
		RoomID:      ti.RoomID,
		UserKey:     ti.UserKey,
		TransportID: ti.ID,
		Producer:    p,
	}

	var replaced removed
	m.lock.Lock()
	if prev := m.index.userProducer(pi.RoomID, pi.UserKey, trackType); prev != nil {
		m.index.removeProducerTree(prev.ID, &replaced)
	}
	m.index.producers[pi.ID] = pi
	m.lock.Unlock()

	m.close(&replaced)
	prometheus.AddProducer(string(trackType))
	m.logger.Debugw("producer created", "roomID", pi.RoomID, "userKey", pi.UserKey, "producerID", pi.ID, "trackType", trackType)

	m.broadcast(ctx, pi.RoomID, pi.UserKey, types.NewSignalMessage(types.ServerNewProducer, pi.ToProto()))
	return pi, nil
}

// CanConsume reports whether remote capabilities can receive the producer. Unknown producers
// and routers are reported as false.
func (m *MediaManager) CanConsume(producerID string, caps types.RtpCapabilities) bool {
	m.lock.RLock()
	pi := m.index.producers[producerID]
	m.lock.RUnlock()
	if pi == nil {
		return false
	}

	ri := m.pool.Router(pi.RoomID)
	if ri == nil || ri.Router.ID() != pi.RouterID {
		return false
	}
	return ri.Router.CanConsume(producerID, caps)
}

// CreateConsumer mirrors a producer onto the user's receive transport. Both must live on the
// same router, media is never piped between routers.
func (m *MediaManager) CreateConsumer(
	ctx context.Context,
	roomID string,
	userKey string,
	producerID string,
	caps types.RtpCapabilities,
	transportID string,
	trackType types.TrackType,
) (*ConsumerInfo, error) {
	ti, err := m.ownTransport(userKey, transportID)
	if err != nil {
		return nil, err
	}
	m.lock.RLock()
	pi := m.index.producers[producerID]
	m.lock.RUnlock()
	if pi == nil {
		return nil, ErrProducerNotFound
	}
	if ti.RoomID != roomID {
		return nil, ErrWrongRoom
	}
	if ti.RouterID != pi.RouterID {
		m.logger.Infow("rejecting consume across routers",
			"roomID", roomID,
			"userKey", userKey,
			"transportRouter", ti.RouterID,
			"producerRouter", pi.RouterID,
		)
		return nil, ErrRouterMismatch
	}
	if ti.Direction != types.TransportDirectionRecv {
		return nil, ErrWrongDirection
	}
	if !m.CanConsume(producerID, caps) {
		return nil, ErrCannotConsume
	}
	if trackType == "" {
		trackType = pi.TrackType
	}

	c, err := ti.Transport.Consume(ctx, types.ConsumeOptions{
		ProducerID:      producerID,
		RtpCapabilities: caps,
	})
	if err != nil {
		return nil, err
	}

	ci := &ConsumerInfo{
		ID:          c.ID(),
		ProducerID:  producerID,
		TrackType:   trackType,
		RouterID:    ti.RouterID,
		WorkerPID:   ti.WorkerPID,
		RoomID:      roomID,
		UserKey:     userKey,
		TransportID: ti.ID,
		Consumer:    c,
	}

	var replaced removed
	m.lock.Lock()
	if prev := m.index.consumerFor(roomID, userKey, producerID, trackType); prev != nil {
		m.index.removeConsumer(prev.ID, &replaced)
	}
	m.index.consumers[ci.ID] = ci
	m.lock.Unlock()

	m.close(&replaced)
	prometheus.AddConsumer(string(trackType))
	return ci, nil
}

// Pause pauses the user's producer of trackType. It reports whether the state changed,
// pausing a paused producer is a no-op and is not broadcast again.
func (m *MediaManager) Pause(ctx context.Context, roomID, userKey string, trackType types.TrackType) (bool, error) {
	return m.setPaused(ctx, roomID, userKey, trackType, true)
}

func (m *MediaManager) Resume(ctx context.Context, roomID, userKey string, trackType types.TrackType) (bool, error) {
	return m.setPaused(ctx, roomID, userKey, trackType, false)
}

func (m *MediaManager) setPaused(ctx context.Context, roomID, userKey string, trackType types.TrackType, paused bool) (bool, error) {
	m.lock.Lock()
	pi := m.index.userProducer(roomID, userKey, trackType)
	if pi == nil {
		m.lock.Unlock()
		return false, ErrProducerNotFound
	}
	if pi.Paused() == paused {
		m.lock.Unlock()
		return false, nil
	}

	var err error
	if paused {
		err = pi.Producer.Pause(ctx)
	} else {
		err = pi.Producer.Resume(ctx)
	}
	m.lock.Unlock()
	if err != nil {
		return false, err
	}

	event := types.ServerProducerResumed
	if paused {
		event = types.ServerProducerPaused
	}
	m.broadcast(ctx, roomID, userKey, types.NewSignalMessage(event, types.ProducerStateNotification{
		RoomID:     roomID,
		UserKey:    userKey,
		ProducerID: pi.ID,
		TrackType:  trackType,
	}))
	return true, nil
}

// GetProducers lists the producers of a room, leaving out those of exceptUser.
func (m *MediaManager) GetProducers(roomID, exceptUser string) []types.ProducerInfo {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var res []types.ProducerInfo
	for _, p := range m.index.roomProducers(roomID) {
		if p.UserKey != exceptUser {
			res = append(res, p.ToProto())
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].ProducerID < res[j].ProducerID
	})
	return res
}

// AdmitParticipants registers users as members of a media room before they create transports.
func (m *MediaManager) AdmitParticipants(roomID string, userKeys []string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, userKey := range userKeys {
		m.addMemberLocked(roomID, userKey)
	}
}

func (m *MediaManager) RoomMembers(roomID string) []string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.roomMembersLocked(roomID, "")
}

// UserRooms lists the media rooms the user is a member of, sorted.
func (m *MediaManager) UserRooms(userKey string) []string {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var rooms []string
	for roomID, members := range m.members {
		if _, ok := members[userKey]; ok {
			rooms = append(rooms, roomID)
		}
	}
	sort.Strings(rooms)
	return rooms
}

// CleanupUser releases everything the user holds on this node, in every room. Transports go
// first, then consumers of the user's producers, then the producers, then the user's own
// consumers, so no consumer is left pointing at a closed producer. Routers left without
// resources or members are closed afterwards.
func (m *MediaManager) CleanupUser(userKey string) {
	m.cleanup(userKey, "")
}

func (m *MediaManager) cleanup(userKey, roomID string) {
	var r removed

	m.lock.Lock()
	for _, t := range m.index.transportsOf(userKey, roomID) {
		m.index.removeTransport(t.ID, &r)
	}
	producers := m.index.producersOf(userKey, roomID)
	for _, p := range producers {
		for _, c := range m.index.consumersOfProducer(p.ID) {
			m.index.removeFedConsumer(c.ID, &r)
		}
	}
	for _, p := range producers {
		m.index.removeProducer(p.ID, &r)
	}
	for _, c := range m.index.consumersOf(userKey, roomID) {
		m.index.removeConsumer(c.ID, &r)
	}
	for room, users := range m.members {
		if !inRoom(room, roomID) {
			continue
		}
		delete(users, userKey)
		if len(users) == 0 {
			delete(m.members, room)
		}
	}
	m.lock.Unlock()

	m.close(&r)
	m.closeIdleRouters()
}

// HandleUserLeave removes the user from the room's media, leaving its media in other rooms
// alone. When at most one member is left the room is torn down, otherwise the others are told
// which producers went away.
func (m *MediaManager) HandleUserLeave(ctx context.Context, userKey, userName, roomID string) {
	m.lock.RLock()
	var producerIDs []string
	for _, p := range m.index.producersOf(userKey, roomID) {
		producerIDs = append(producerIDs, p.ID)
	}
	m.lock.RUnlock()
	sort.Strings(producerIDs)

	m.cleanup(userKey, roomID)

	remaining := m.RoomMembers(roomID)
	if len(remaining) <= 1 {
		m.teardownRoom(ctx, roomID, remaining)
		return
	}

	if producerIDs == nil {
		producerIDs = []string{}
	}
	m.sendTo(ctx, remaining, types.NewSignalMessage(types.ServerUserLeft, types.UserLeftNotification{
		RoomID:      roomID,
		UserKey:     userKey,
		UserName:    userName,
		ProducerIDs: producerIDs,
	}))
}

func (m *MediaManager) teardownRoom(ctx context.Context, roomID string, remaining []string) {
	m.lock.RLock()
	onTeardown := m.onTeardown
	m.lock.RUnlock()

	m.logger.Infow("tearing down room", "roomID", roomID, "remaining", remaining)
	if onTeardown != nil {
		onTeardown(ctx, roomID)
	}
	m.sendTo(ctx, remaining, types.NewSignalMessage(types.ServerMediaEnd, types.RoomNotification{RoomID: roomID}))

	for _, userKey := range remaining {
		m.cleanup(userKey, roomID)
	}
	m.lock.Lock()
	delete(m.members, roomID)
	m.lock.Unlock()
	m.pool.CloseRouter(roomID)
}

// DiscardRoom drops a room that never got going, without notifying anyone.
func (m *MediaManager) DiscardRoom(roomID string) {
	for _, userKey := range m.RoomMembers(roomID) {
		m.cleanup(userKey, roomID)
	}
	m.lock.Lock()
	delete(m.members, roomID)
	m.lock.Unlock()
	m.pool.CloseRouter(roomID)
}

func (m *MediaManager) handleWorkerDied(pid int, lostRooms []string) {
	var r removed
	m.lock.Lock()
	m.index.removeWorker(pid, &r)
	m.lock.Unlock()

	m.close(&r)
	m.logger.Infow("dropped media of dead worker",
		"pid", pid,
		"transports", len(r.transports),
		"producers", len(r.producers),
		"consumers", len(r.consumers),
	)

	ctx := context.Background()
	for _, roomID := range lostRooms {
		m.broadcast(ctx, roomID, "", types.NewSignalMessage(types.ServerWorkerRestart, types.RoomNotification{RoomID: roomID}))
	}
}

func (m *MediaManager) closeIdleRouters() {
	for _, ri := range m.pool.Routers() {
		m.lock.RLock()
		idle := !m.index.routerInUse(ri.Router.ID()) && len(m.members[ri.RoomID]) == 0
		m.lock.RUnlock()
		if idle {
			m.pool.CloseRouter(ri.RoomID)
		}
	}
}

// close shuts removed resources down: transports, consumers fed by removed producers, the
// producers, then every other removed consumer. Resources already closed by their parent or by
// a dead worker are skipped.
func (m *MediaManager) close(r *removed) {
	for _, t := range r.transports {
		if err := t.Transport.Close(); err != nil {
			m.logger.Debugw("could not close transport", "error", err, "transportID", t.ID)
		}
		prometheus.SubTransport(string(t.Direction))
	}
	m.closeConsumers(r.fed)
	for _, p := range r.producers {
		if err := p.Producer.Close(); err != nil {
			m.logger.Debugw("could not close producer", "error", err, "producerID", p.ID)
		}
		prometheus.SubProducer(string(p.TrackType))
	}
	m.closeConsumers(r.consumers)
}

func (m *MediaManager) closeConsumers(consumers []*ConsumerInfo) {
	for _, c := range consumers {
		if err := c.Consumer.Close(); err != nil {
			m.logger.Debugw("could not close consumer", "error", err, "consumerID", c.ID)
		}
		prometheus.SubConsumer(string(c.TrackType))
	}
}

func (m *MediaManager) addMemberLocked(roomID, userKey string) {
	users := m.members[roomID]
	if users == nil {
		users = make(map[string]struct{})
		m.members[roomID] = users
	}
	users[userKey] = struct{}{}
}

func (m *MediaManager) roomMembersLocked(roomID, except string) []string {
	res := make([]string, 0, len(m.members[roomID]))
	for userKey := range m.members[roomID] {
		if userKey != except {
			res = append(res, userKey)
		}
	}
	sort.Strings(res)
	return res
}

func (m *MediaManager) broadcast(ctx context.Context, roomID, except string, msg *types.SignalMessage) {
	m.lock.RLock()
	userKeys := m.roomMembersLocked(roomID, except)
	m.lock.RUnlock()
	m.sendTo(ctx, userKeys, msg)
}

func (m *MediaManager) sendTo(ctx context.Context, userKeys []string, msg *types.SignalMessage) {
	if len(userKeys) == 0 {
		return
	}
	if err := m.sender.SendToUsers(ctx, userKeys, msg); err != nil {
		m.logger.Warnw("could not deliver media notification", err, "event", msg.Event, "users", userKeys)
	}
}
