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
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/dTelecom/call-sfu/pkg/lock"
	"github.com/dTelecom/call-sfu/pkg/rtc/types"
	"github.com/dTelecom/call-sfu/pkg/telemetry/prometheus"
)

const (
	workerSelectResource = "worker:select"
	routerResourcePrefix = "router:"
)

// WorkerDiedHandler is told which rooms lost their router when the worker with pid died.
type WorkerDiedHandler func(pid int, lostRooms []string)

type RouterInfo struct {
	RoomID    string
	Router    types.Router
	WorkerPID int
	CreatedAt time.Time
}

type WorkerPoolParams struct {
	NumWorkers int
	RTCMinPort uint16
	RTCMaxPort uint16
	SelectLock lock.Options
	RouterLock lock.Options
}

// WorkerPool owns the media workers of this process and the router of every room hosted here.
type WorkerPool struct {
	params  WorkerPoolParams
	factory types.WorkerFactory
	locker  lock.Locker
	logger  logger.Logger

	lock      sync.RWMutex
	workers   []types.Worker
	nextIndex int
	routers   map[string]*RouterInfo
	onDied    []WorkerDiedHandler

	creating singleflight.Group
	closed   core.Fuse
}

func NewWorkerPool(params WorkerPoolParams, factory types.WorkerFactory, locker lock.Locker) *WorkerPool {
	if params.NumWorkers < 1 {
		params.NumWorkers = 1
	}
	return &WorkerPool{
		params:  params,
		factory: factory,
		locker:  locker,
		logger:  logger.GetLogger().WithValues("component", "workerpool"),
		workers: make([]types.Worker, params.NumWorkers),
		routers: make(map[string]*RouterInfo),
	}
}

// Start spawns every worker. Each one gets its own slice of the port range.
func (p *WorkerPool) Start(ctx context.Context) error {
	for i := 0; i < p.params.NumWorkers; i++ {
		minPort, maxPort := WorkerPortRange(p.params.RTCMinPort, p.params.RTCMaxPort, p.params.NumWorkers, i)
		w, err := p.startWorker(ctx, types.WorkerSettings{
			Index:      i,
			RTCMinPort: minPort,
			RTCMaxPort: maxPort,
		})
		if err != nil {
			return errors.Wrapf(err, "could not start media worker %d", i)
		}

		p.lock.Lock()
		p.workers[i] = w
		p.lock.Unlock()
	}
	p.logger.Infow("media workers started", "count", p.params.NumWorkers)
	return nil
}

// WorkerPortRange splits [minPort, maxPort] into n consecutive, non overlapping ranges and returns the i-th.
func WorkerPortRange(minPort, maxPort uint16, n, i int) (uint16, uint16) {
	if minPort == 0 || maxPort < minPort || n < 1 {
		return minPort, maxPort
	}
	size := (int(maxPort) - int(minPort) + 1) / n
	if size < 1 {
		size = 1
	}
	lo := int(minPort) + i*size
	hi := lo + size - 1
	if i == n-1 {
		hi = int(maxPort)
	}
	return uint16(lo), uint16(hi)
}

func (p *WorkerPool) OnWorkerDied(h WorkerDiedHandler) {
	p.lock.Lock()
	p.onDied = append(p.onDied, h)
	p.lock.Unlock()
}

// SelectWorker returns workers in round robin order.
func (p *WorkerPool) SelectWorker(ctx context.Context) (types.Worker, error) {
	var selected types.Worker
	err := p.locker.RunWithLock(ctx, workerSelectResource, p.params.SelectLock, func(_ context.Context) error {
		p.lock.Lock()
		defer p.lock.Unlock()

		for range p.workers {
			w := p.workers[p.nextIndex]
			p.nextIndex = (p.nextIndex + 1) % len(p.workers)
			if w != nil && !w.Closed() {
				selected = w
				return nil
			}
		}
		return ErrNoWorkersAvailable
	})
	if err != nil {
		return nil, err
	}
	return selected, nil
}

// GetOrCreateRouter returns the router of a room, creating it on first use. Concurrent callers
// within this process share one creation, callers on other nodes are serialized by the room lock.
func (p *WorkerPool) GetOrCreateRouter(ctx context.Context, roomID string) (*RouterInfo, error) {
	if info := p.Router(roomID); info != nil {
		return info, nil
	}

	res, err, _ := p.creating.Do(roomID, func() (interface{}, error) {
		// shared with every caller waiting on roomID
		ctx := context.WithoutCancel(ctx)
		var info *RouterInfo
		err := p.locker.RunWithLock(ctx, routerResourcePrefix+roomID, p.params.RouterLock, func(ctx context.Context) error {
			if info = p.Router(roomID); info != nil {
				return nil
			}

			w, err := p.SelectWorker(ctx)
			if err != nil {
				return err
			}
			router, err := w.CreateRouter(ctx)
			if err != nil {
				return err
			}

			info = &RouterInfo{
				RoomID:    roomID,
				Router:    router,
				WorkerPID: w.PID(),
				CreatedAt: time.Now(),
			}
			p.lock.Lock()
			p.routers[roomID] = info
			p.lock.Unlock()

			prometheus.RouterCreated()
			p.logger.Debugw("router created", "roomID", roomID, "routerID", router.ID(), "workerPID", w.PID())
			return nil
		})
		return info, err
	})
	if err != nil {
		if errors.Is(err, lock.ErrLockAcquisitionFailed) {
			return nil, err
		}
		p.logger.Warnw("could not create router", err, "roomID", roomID)
		return nil, errors.Wrap(ErrRouterCreationFailed, err.Error())
	}
	return res.(*RouterInfo), nil
}

func (p *WorkerPool) GetRouterRtpCapabilities(ctx context.Context, roomID string) (types.RtpCapabilities, error) {
	info, err := p.GetOrCreateRouter(ctx, roomID)
	if err != nil {
		return types.RtpCapabilities{}, err
	}
	return info.Router.RtpCapabilities(), nil
}

// Router returns the live router of a room, or nil.
func (p *WorkerPool) Router(roomID string) *RouterInfo {
	p.lock.RLock()
	defer p.lock.RUnlock()

	info := p.routers[roomID]
	if info == nil || info.Router.Closed() {
		return nil
	}
	return info
}

func (p *WorkerPool) Routers() []*RouterInfo {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return slices.Collect(maps.Values(p.routers))
}

func (p *WorkerPool) Workers() []types.Worker {
	p.lock.RLock()
	defer p.lock.RUnlock()

	workers := make([]types.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		if w != nil {
			workers = append(workers, w)
		}
	}
	return workers
}

func (p *WorkerPool) CloseRouter(roomID string) {
	p.lock.Lock()
	info := p.routers[roomID]
	delete(p.routers, roomID)
	p.lock.Unlock()

	if info == nil {
		return
	}
	if err := info.Router.Close(); err != nil {
		p.logger.Warnw("could not close router", err, "roomID", roomID)
	}
	prometheus.RouterClosed(info.CreatedAt)
	p.logger.Debugw("router closed", "roomID", roomID, "routerID", info.Router.ID())
}

func (p *WorkerPool) Close() {
	if p.closed.IsBroken() {
		return
	}
	p.closed.Break()

	p.lock.Lock()
	workers := p.workers
	routers := slices.Collect(maps.Values(p.routers))
	p.workers = make([]types.Worker, len(workers))
	p.routers = make(map[string]*RouterInfo)
	p.lock.Unlock()

	for _, info := range routers {
		prometheus.RouterClosed(info.CreatedAt)
	}
	for _, w := range workers {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			p.logger.Warnw("could not close media worker", err, "pid", w.PID())
		}
		prometheus.WorkerStopped(false)
	}
}

func (p *WorkerPool) startWorker(ctx context.Context, settings types.WorkerSettings) (types.Worker, error) {
	w, err := p.factory.NewWorker(ctx, settings)
	if err != nil {
		return nil, err
	}
	w.OnDied(func(err error) {
		p.handleWorkerDied(w, err)
	})
	prometheus.WorkerStarted()
	return w, nil
}

// handleWorkerDied drops everything hosted on the dead worker and puts a fresh worker in its slot.
// Sessions on the dead worker are not migrated, clients are told to reconnect.
func (p *WorkerPool) handleWorkerDied(w types.Worker, cause error) {
	if p.closed.IsBroken() {
		return
	}
	pid := w.PID()
	settings := w.Settings()

	p.lock.Lock()
	var lost []*RouterInfo
	for roomID, info := range p.routers {
		if info.WorkerPID == pid {
			lost = append(lost, info)
			delete(p.routers, roomID)
		}
	}
	handlers := make([]WorkerDiedHandler, len(p.onDied))
	copy(handlers, p.onDied)
	p.lock.Unlock()

	lostRooms := make([]string, 0, len(lost))
	for _, info := range lost {
		lostRooms = append(lostRooms, info.RoomID)
		prometheus.RouterClosed(info.CreatedAt)
	}
	p.logger.Warnw("media worker died", cause, "pid", pid, "index", settings.Index, "lostRooms", lostRooms)
	prometheus.WorkerStopped(true)

	for _, h := range handlers {
		h(pid, lostRooms)
	}

	replacement, err := p.startWorker(context.Background(), settings)
	p.lock.Lock()
	defer p.lock.Unlock()
	if err != nil {
		p.logger.Errorw("could not replace media worker", err, "index", settings.Index)
		p.workers[settings.Index] = nil
		return
	}
	if p.closed.IsBroken() {
		_ = replacement.Close()
		return
	}
	p.workers[settings.Index] = replacement
	p.logger.Infow("media worker replaced", "index", settings.Index, "oldPID", pid, "newPID", replacement.PID())
}
