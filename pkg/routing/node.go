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
	"runtime"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/call-sfu/pkg/config"
	"github.com/dTelecom/call-sfu/pkg/telemetry/prometheus"
	"github.com/dTelecom/call-sfu/pkg/utils"
)

type NodeState string

const (
	NodeStateServing      NodeState = "serving"
	NodeStateShuttingDown NodeState = "shutting_down"
)

type LocalNode struct {
	lock      sync.RWMutex
	id        string
	ip        string
	state     NodeState
	startedAt time.Time
	stats     *prometheus.NodeStats
}

func NewLocalNode(conf *config.Config) (*LocalNode, error) {
	if conf.SFU.NodeIP == "" {
		return nil, ErrIPNotSet
	}
	now := time.Now()
	return &LocalNode{
		id:        utils.NewGuid(utils.NodePrefix),
		ip:        conf.SFU.NodeIP,
		state:     NodeStateServing,
		startedAt: now,
		stats: &prometheus.NodeStats{
			StartedAt: now.Unix(),
			UpdatedAt: now.Unix(),
			NumCPUs:   uint32(runtime.NumCPU()),
		},
	}, nil
}

func (l *LocalNode) NodeID() string {
	// immutable
	return l.id
}

func (l *LocalNode) NodeIP() string {
	return l.ip
}

func (l *LocalNode) State() NodeState {
	l.lock.RLock()
	defer l.lock.RUnlock()

	return l.state
}

func (l *LocalNode) SetState(state NodeState) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.state = state
}

func (l *LocalNode) StartedAt() time.Time {
	return l.startedAt
}

func (l *LocalNode) UpdateNodeStats() bool {
	updated, err := prometheus.GetNodeStats(l.startedAt.Unix())
	if err != nil {
		logger.Errorw("could not update node stats", err)
		return false
	}

	l.lock.Lock()
	l.stats = updated
	l.lock.Unlock()
	return true
}

// Stats returns a copy of the last computed stats.
func (l *LocalNode) Stats() prometheus.NodeStats {
	l.lock.RLock()
	defer l.lock.RUnlock()

	return *l.stats
}

func (l *LocalNode) SecondsSinceNodeStatsUpdate() float64 {
	l.lock.RLock()
	defer l.lock.RUnlock()

	return time.Since(time.Unix(l.stats.UpdatedAt, 0)).Seconds()
}
