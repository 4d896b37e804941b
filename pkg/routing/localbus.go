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

	"github.com/dTelecom/call-sfu/pkg/rtc/types"
)

// LocalBus delivers only to sockets on this node. Used when no redis is configured.
type LocalBus struct {
	*sinkRegistry
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		sinkRegistry: newSinkRegistry(),
	}
}

func (b *LocalBus) SendToUsers(_ context.Context, userKeys []string, msg *types.SignalMessage) error {
	b.deliver(userKeys, msg)
	return nil
}

func (b *LocalBus) Start() error {
	return nil
}

func (b *LocalBus) Stop() {}
