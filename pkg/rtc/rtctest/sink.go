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

package rtctest

import (
	"context"
	"sync"

	"github.com/dTelecom/call-sfu/pkg/rtc/types"
)

type Delivery struct {
	UserKey string
	Message *types.SignalMessage
}

// MessageSink is a types.MessageSender that records every delivery.
type MessageSink struct {
	lock       sync.Mutex
	deliveries []Delivery
}

func (s *MessageSink) SendToUsers(_ context.Context, userKeys []string, msg *types.SignalMessage) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, userKey := range userKeys {
		s.deliveries = append(s.deliveries, Delivery{UserKey: userKey, Message: msg})
	}
	return nil
}

// Sent returns the deliveries of one event, in send order.
func (s *MessageSink) Sent(event types.Event) []Delivery {
	s.lock.Lock()
	defer s.lock.Unlock()

	var res []Delivery
	for _, d := range s.deliveries {
		if d.Message.Event == event.String() {
			res = append(res, d)
		}
	}
	return res
}

// SentTo returns the events delivered to one user, in send order.
func (s *MessageSink) SentTo(userKey string) []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	var res []string
	for _, d := range s.deliveries {
		if d.UserKey == userKey {
			res = append(res, d.Message.Event)
		}
	}
	return res
}

func (s *MessageSink) Reset() {
	s.lock.Lock()
	s.deliveries = nil
	s.lock.Unlock()
}
