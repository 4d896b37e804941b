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

package sfu

import (
	"context"
	"strings"
	"sync"

	"github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"

	"github.com/dTelecom/call-sfu/pkg/rtc/types"
	"github.com/dTelecom/call-sfu/pkg/utils"
)

type Router struct {
	id     string
	worker *Worker
	api    *webrtc.API
	caps   types.RtpCapabilities
	logger logger.Logger

	lock       sync.RWMutex
	transports map[string]*Transport
	producers  map[string]*Producer

	closed atomic.Bool
}

func newRouter(w *Worker, api *webrtc.API, caps types.RtpCapabilities) *Router {
	id := utils.NewGuid(utils.RouterPrefix)
	return &Router{
		id:         id,
		worker:     w,
		api:        api,
		caps:       caps,
		logger:     w.logger.WithValues("routerID", id),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
}

func (r *Router) ID() string {
	return r.id
}

func (r *Router) RtpCapabilities() types.RtpCapabilities {
	return r.caps
}

func (r *Router) CanConsume(producerID string, caps types.RtpCapabilities) bool {
	p := r.producer(producerID)
	if p == nil {
		return false
	}
	return canConsume(p.RtpParameters(), caps)
}

func (r *Router) CreateWebRTCTransport(ctx context.Context) (types.WebRTCTransport, error) {
	if r.closed.Load() {
		return nil, ErrRouterClosed
	}

	ctx, cancel := context.WithTimeout(ctx, r.worker.engine.settings.GatherTimeout)
	defer cancel()

	t, err := newTransport(ctx, r)
	if err != nil {
		return nil, err
	}

	r.lock.Lock()
	r.transports[t.ID()] = t
	r.lock.Unlock()
	return t, nil
}

func (r *Router) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.lock.Lock()
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.lock.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	r.worker.removeRouter(r.id)
	r.logger.Debugw("router closed")
	return nil
}

func (r *Router) Closed() bool {
	return r.closed.Load()
}

func (r *Router) producer(id string) *Producer {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.producers[id]
}

// codec returns the codec registered on the router's media engine for mimeType.
func (r *Router) codec(mimeType string) (codecEntry, bool) {
	for _, c := range r.worker.engine.codecs {
		if strings.EqualFold(c.capability.MimeType, mimeType) {
			return c, true
		}
	}
	return codecEntry{}, false
}

func (r *Router) addProducer(p *Producer) {
	r.lock.Lock()
	r.producers[p.ID()] = p
	r.lock.Unlock()
}

func (r *Router) removeProducer(id string) {
	r.lock.Lock()
	delete(r.producers, id)
	r.lock.Unlock()
}

func (r *Router) removeTransport(id string) {
	r.lock.Lock()
	delete(r.transports, id)
	r.lock.Unlock()
}
