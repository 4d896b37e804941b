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

package routing

import (
	"slices"
	"sync"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/call-sfu/pkg/rtc/types"
)

// sinkRegistry tracks the sockets connected to this node, by user key.
type sinkRegistry struct {
	lock  sync.RWMutex
	sinks map[string][]MessageSink
}

func newSinkRegistry() *sinkRegistry {
	return &sinkRegistry{
		sinks: make(map[string][]MessageSink),
	}
}

func (r *sinkRegistry) Register(userKey string, sink MessageSink) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if slices.Contains(r.sinks[userKey], sink) {
		return
	}
	r.sinks[userKey] = append(r.sinks[userKey], sink)
}

func (r *sinkRegistry) Unregister(userKey string, sink MessageSink) {
	r.lock.Lock()
	defer r.lock.Unlock()

	sinks := slices.DeleteFunc(r.sinks[userKey], func(s MessageSink) bool {
		return s == sink
	})
	if len(sinks) == 0 {
		delete(r.sinks, userKey)
	} else {
		r.sinks[userKey] = sinks
	}
}

func (r *sinkRegistry) IsConnected(userKey string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.sinks[userKey]) > 0
}

// deliver writes msg to every local sink of userKeys and returns the number of users reached.
func (r *sinkRegistry) deliver(userKeys []string, msg *types.SignalMessage) int {
	r.lock.RLock()
	targets := make(map[string][]MessageSink, len(userKeys))
	for _, userKey := range userKeys {
		if sinks := r.sinks[userKey]; len(sinks) > 0 {
			targets[userKey] = slices.Clone(sinks)
		}
	}
	r.lock.RUnlock()

	reached := 0
	for userKey, sinks := range targets {
		delivered := false
		for _, sink := range sinks {
			if sink.IsClosed() {
				continue
			}
			if err := sink.WriteMessage(msg); err != nil {
				logger.Warnw("could not write to user sink", err, "userKey", userKey, "event", msg.Event)
				continue
			}
			delivered = true
		}
		if delivered {
			reached++
		}
	}
	return reached
}
