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
	"github.com/dTelecom/call-sfu/pkg/rtc/types"
)

type TransportInfo struct {
	ID        string
	RouterID  string
	WorkerPID int
	RoomID    string
	UserKey   string
	Direction types.TransportDirection
	Transport types.WebRTCTransport
}

type ProducerInfo struct {
	ID          string
	Kind        types.MediaKind
	TrackType   types.TrackType
	RouterID    string
	WorkerPID   int
	RoomID      string
	UserKey     string
	TransportID string
	Producer    types.Producer
}

func (p *ProducerInfo) Paused() bool {
	return p.Producer.Paused()
}

func (p *ProducerInfo) ToProto() types.ProducerInfo {
	return types.ProducerInfo{
		ProducerID: p.ID,
		UserKey:    p.UserKey,
		Kind:       p.Kind,
		TrackType:  p.TrackType,
		Paused:     p.Paused(),
	}
}

type ConsumerInfo struct {
	ID          string
	ProducerID  string
	TrackType   types.TrackType
	RouterID    string
	WorkerPID   int
	RoomID      string
	UserKey     string
	TransportID string
	Consumer    types.Consumer
}

// mediaIndex holds transports, producers and consumers keyed by id. Lookups by user, room,
// router or producer scan these maps instead of keeping secondary maps in sync.
// Not safe for concurrent use, MediaManager guards it.
type mediaIndex struct {
	transports map[string]*TransportInfo
	producers  map[string]*ProducerInfo
	consumers  map[string]*ConsumerInfo
}

// removed collects index entries taken out together, so they can be closed after the lock is released.
// Consumers fed by a removed producer are kept apart from the others, they close before the producers.
type removed struct {
	transports []*TransportInfo
	fed        []*ConsumerInfo
	producers  []*ProducerInfo
	consumers  []*ConsumerInfo
}

func newMediaIndex() *mediaIndex {
	return &mediaIndex{
		transports: make(map[string]*TransportInfo),
		producers:  make(map[string]*ProducerInfo),
		consumers:  make(map[string]*ConsumerInfo),
	}
}

func inRoom(roomID, want string) bool {
	return want == "" || roomID == want
}

func (ix *mediaIndex) userTransport(roomID, userKey string, direction types.TransportDirection) *TransportInfo {
	for _, t := range ix.transports {
		if t.RoomID == roomID && t.UserKey == userKey && t.Direction == direction {
			return t
		}
	}
	return nil
}

// transportsOf returns the user's transports, in one room or in all rooms when roomID is empty.
func (ix *mediaIndex) transportsOf(userKey, roomID string) []*TransportInfo {
	var res []*TransportInfo
	for _, t := range ix.transports {
		if t.UserKey == userKey && inRoom(t.RoomID, roomID) {
			res = append(res, t)
		}
	}
	return res
}

func (ix *mediaIndex) producersOf(userKey, roomID string) []*ProducerInfo {
	var res []*ProducerInfo
	for _, p := range ix.producers {
		if p.UserKey == userKey && inRoom(p.RoomID, roomID) {
			res = append(res, p)
		}
	}
	return res
}

func (ix *mediaIndex) userProducer(roomID, userKey string, trackType types.TrackType) *ProducerInfo {
	for _, p := range ix.producers {
		if p.RoomID == roomID && p.UserKey == userKey && p.TrackType == trackType {
			return p
		}
	}
	return nil
}

func (ix *mediaIndex) roomProducers(roomID string) []*ProducerInfo {
	var res []*ProducerInfo
	for _, p := range ix.producers {
		if p.RoomID == roomID {
			res = append(res, p)
		}
	}
	return res
}

func (ix *mediaIndex) consumersOfProducer(producerID string) []*ConsumerInfo {
	var res []*ConsumerInfo
	for _, c := range ix.consumers {
		if c.ProducerID == producerID {
			res = append(res, c)
		}
	}
	return res
}

func (ix *mediaIndex) consumersOf(userKey, roomID string) []*ConsumerInfo {
	var res []*ConsumerInfo
	for _, c := range ix.consumers {
		if c.UserKey == userKey && inRoom(c.RoomID, roomID) {
			res = append(res, c)
		}
	}
	return res
}

// consumerFor finds the consumer a user already has for (roomId, producerId, trackType).
func (ix *mediaIndex) consumerFor(roomID, userKey, producerID string, trackType types.TrackType) *ConsumerInfo {
	for _, c := range ix.consumers {
		if c.RoomID == roomID && c.UserKey == userKey && c.ProducerID == producerID && c.TrackType == trackType {
			return c
		}
	}
	return nil
}

func (ix *mediaIndex) routerInUse(routerID string) bool {
	for _, t := range ix.transports {
		if t.RouterID == routerID {
			return true
		}
	}
	for _, p := range ix.producers {
		if p.RouterID == routerID {
			return true
		}
	}
	for _, c := range ix.consumers {
		if c.RouterID == routerID {
			return true
		}
	}
	return false
}

func (ix *mediaIndex) removeTransport(id string, r *removed) {
	if t, ok := ix.transports[id]; ok {
		delete(ix.transports, id)
		r.transports = append(r.transports, t)
	}
}

func (ix *mediaIndex) removeProducer(id string, r *removed) {
	if p, ok := ix.producers[id]; ok {
		delete(ix.producers, id)
		r.producers = append(r.producers, p)
	}
}

func (ix *mediaIndex) removeConsumer(id string, r *removed) {
	if c, ok := ix.consumers[id]; ok {
		delete(ix.consumers, id)
		r.consumers = append(r.consumers, c)
	}
}

func (ix *mediaIndex) removeFedConsumer(id string, r *removed) {
	if c, ok := ix.consumers[id]; ok {
		delete(ix.consumers, id)
		r.fed = append(r.fed, c)
	}
}

// removeProducerTree takes out a producer together with every consumer fed by it.
func (ix *mediaIndex) removeProducerTree(id string, r *removed) {
	for _, c := range ix.consumersOfProducer(id) {
		ix.removeFedConsumer(c.ID, r)
	}
	ix.removeProducer(id, r)
}

// removeTransportTree takes out a transport and everything created on it.
func (ix *mediaIndex) removeTransportTree(id string, r *removed) {
	ix.removeTransport(id, r)
	for _, p := range ix.producers {
		if p.TransportID == id {
			ix.removeProducerTree(p.ID, r)
		}
	}
	for _, c := range ix.consumers {
		if c.TransportID == id {
			ix.removeConsumer(c.ID, r)
		}
	}
}

func (ix *mediaIndex) removeWorker(pid int, r *removed) {
	for _, t := range ix.transports {
		if t.WorkerPID == pid {
			ix.removeTransport(t.ID, r)
		}
	}
	for _, p := range ix.producers {
		if p.WorkerPID == pid {
			ix.removeProducer(p.ID, r)
		}
	}
	for _, c := range ix.consumers {
		if c.WorkerPID == pid {
			ix.removeConsumer(c.ID, r)
		}
	}
}
