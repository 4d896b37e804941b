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
	"sync"

	"github.com/frostbyte73/core"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/livekit/protocol/logger"
)

const expiredEventPattern = "__keyevent@*__:expired"

type ExpiredRequestHandler interface {
	HandleRequestExpired(ctx context.Context, roomID string) error
}

// ExpiryListener turns redis key expiry events of call requests into cancellations.
// Every node listens; the call lock and the backup record make sure only one of them acts.
type ExpiryListener struct {
	rc      redis.UniversalClient
	handler ExpiredRequestHandler
	logger  logger.Logger

	lock    sync.Mutex
	pubsub  *redis.PubSub
	stopped core.Fuse
	done    chan struct{}
}

func NewExpiryListener(rc redis.UniversalClient, handler ExpiredRequestHandler) *ExpiryListener {
	return &ExpiryListener{
		rc:      rc,
		handler: handler,
		logger:  logger.GetLogger().WithValues("component", "expiry"),
		done:    make(chan struct{}),
	}
}

func (l *ExpiryListener) Start(ctx context.Context) error {
	if err := l.rc.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		// managed redis deployments often forbid CONFIG, events must then be enabled upfront
		l.logger.Warnw("could not enable keyspace notifications", err)
	}

	pubsub := l.rc.PSubscribe(ctx, expiredEventPattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return errors.Wrap(err, "could not subscribe to expiry events")
	}

	l.lock.Lock()
	l.pubsub = pubsub
	l.lock.Unlock()

	go l.listenWorker(pubsub.Channel())
	return nil
}

func (l *ExpiryListener) Stop() {
	if l.stopped.IsBroken() {
		return
	}
	l.stopped.Break()

	l.lock.Lock()
	pubsub := l.pubsub
	l.lock.Unlock()
	if pubsub != nil {
		_ = pubsub.Close()
		<-l.done
	}
}

func (l *ExpiryListener) listenWorker(ch <-chan *redis.Message) {
	defer close(l.done)

	for {
		select {
		case <-l.stopped.Watch():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			roomID, ok := roomIDFromExpiredKey(msg.Payload)
			if !ok {
				continue
			}
			if err := l.handler.HandleRequestExpired(context.Background(), roomID); err != nil {
				l.logger.Warnw("could not cancel expired call request", err, "roomID", roomID)
			}
		}
	}
}
