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
	"context"
	"encoding/json"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/call-sfu/pkg/rtc/types"
)

const DeliverChannel = "signal:deliver"

type busEnvelope struct {
	Origin   string               `json:"origin"`
	UserKeys []string             `json:"userKeys"`
	Message  *types.SignalMessage `json:"message"`
}

// RedisBus delivers to local sockets first, then fans the message out to the other nodes,
// each of which delivers to its own sockets.
type RedisBus struct {
	*sinkRegistry

	rc     redis.UniversalClient
	nodeID string

	lock    sync.Mutex
	pubsub  *redis.PubSub
	stopped core.Fuse
	done    chan struct{}
}

func NewRedisBus(rc redis.UniversalClient, node *LocalNode) *RedisBus {
	return &RedisBus{
		sinkRegistry: newSinkRegistry(),
		rc:           rc,
		nodeID:       node.NodeID(),
		done:         make(chan struct{}),
	}
}

// CreateBus returns a RedisBus when a redis client is available, a LocalBus otherwise.
func CreateBus(rc redis.UniversalClient, node *LocalNode) Bus {
	if rc != nil {
		return NewRedisBus(rc, node)
	}
	return NewLocalBus()
}

func (b *RedisBus) Start() error {
	ctx := context.Background()
	pubsub := b.rc.Subscribe(ctx, DeliverChannel)
	// wait for the subscription so nothing published after Start is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return errors.Wrap(err, "could not subscribe to signal channel")
	}

	b.lock.Lock()
	b.pubsub = pubsub
	b.lock.Unlock()

	go b.deliverWorker(pubsub.Channel())
	return nil
}

func (b *RedisBus) Stop() {
	if b.stopped.IsBroken() {
		return
	}
	b.stopped.Break()

	b.lock.Lock()
	pubsub := b.pubsub
	b.lock.Unlock()
	if pubsub != nil {
		_ = pubsub.Close()
		<-b.done
	}
}

func (b *RedisBus) SendToUsers(ctx context.Context, userKeys []string, msg *types.SignalMessage) error {
	if b.stopped.IsBroken() {
		return ErrBusStopped
	}
	if len(userKeys) == 0 {
		return nil
	}

	b.deliver(userKeys, msg)

	data, err := json.Marshal(&busEnvelope{
		Origin:   b.nodeID,
		UserKeys: userKeys,
		Message:  msg,
	})
	if err != nil {
		return err
	}
	if err := b.rc.Publish(ctx, DeliverChannel, data).Err(); err != nil {
		return errors.Wrap(err, "could not publish signal message")
	}
	return nil
}

func (b *RedisBus) deliverWorker(ch <-chan *redis.Message) {
	defer close(b.done)
	logger.Debugw("starting redis deliverWorker", "node", b.nodeID)
	defer logger.Debugw("finishing redis deliverWorker", "node", b.nodeID)

	for {
		select {
		case <-b.stopped.Watch():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env busEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Warnw("could not decode bus message", err)
				continue
			}
			if env.Origin == b.nodeID || env.Message == nil {
				continue
			}
			b.deliver(env.UserKeys, env.Message)
		}
	}
}
