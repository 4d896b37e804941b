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
	"net"
	"os"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/pion/ice/v2"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/dTelecom/call-sfu/pkg/rtc/types"
)

var (
	ErrWorkerClosed      = errors.New("worker closed")
	ErrRouterClosed      = errors.New("router closed")
	ErrTransportClosed   = errors.New("transport closed")
	ErrUnknownProducer   = errors.New("producer not found on router")
	ErrUnsupportedCodec  = errors.New("unsupported codec")
	ErrIncompatibleCodec = errors.New("no codec in common with consumer capabilities")
	ErrAlreadyConnected  = errors.New("transport already connected")
	ErrNoFingerprints    = errors.New("dtls parameters carry no fingerprints")
	ErrNoIceParameters   = errors.New("remote ice credentials are required")
	ErrInvalidDtlsRole   = errors.New("invalid dtls role")
)

// nextPID hands out worker ids; workers are in-process so there is no os pid per worker.
var nextPID = atomic.NewInt64(int64(os.Getpid()) * 100)

type EngineSettings struct {
	ListenIPs   []string
	AnnouncedIP string
	// IncludeLoopback gathers candidates on loopback interfaces too.
	IncludeLoopback bool
	Codecs        []CodecSpec
	GatherTimeout time.Duration
	LoggerFactory logging.LoggerFactory
}

// Engine spawns pion backed workers.
type Engine struct {
	settings EngineSettings
	codecs   []codecEntry
}

func NewEngine(settings EngineSettings) (*Engine, error) {
	codecs, err := resolveCodecs(settings.Codecs)
	if err != nil {
		return nil, err
	}
	if settings.GatherTimeout == 0 {
		settings.GatherTimeout = 5 * time.Second
	}
	return &Engine{
		settings: settings,
		codecs:   codecs,
	}, nil
}

func (e *Engine) NewWorker(_ context.Context, settings types.WorkerSettings) (types.Worker, error) {
	se := webrtc.SettingEngine{}
	if settings.RTCMinPort != 0 || settings.RTCMaxPort != 0 {
		if err := se.SetEphemeralUDPPortRange(settings.RTCMinPort, settings.RTCMaxPort); err != nil {
			return nil, err
		}
	}
	se.SetLite(true)
	se.SetIncludeLoopbackCandidate(e.settings.IncludeLoopback)
	se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6})
	if e.settings.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{e.settings.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if len(e.settings.ListenIPs) > 0 {
		allowed := make(map[string]bool, len(e.settings.ListenIPs))
		for _, ip := range e.settings.ListenIPs {
			allowed[ip] = true
		}
		se.SetIPFilter(func(ip net.IP) bool {
			return allowed[ip.String()]
		})
	}
	if e.settings.LoggerFactory != nil {
		se.LoggerFactory = e.settings.LoggerFactory
	}

	w := &Worker{
		pid:      int(nextPID.Inc()),
		settings: settings,
		engine:   e,
		se:       se,
		routers:  make(map[string]*Router),
	}
	w.logger = logger.GetLogger().WithValues("workerPID", w.pid, "workerIndex", settings.Index)
	w.logger.Infow("media worker started", "minPort", settings.RTCMinPort, "maxPort", settings.RTCMaxPort)
	return w, nil
}

type Worker struct {
	pid      int
	settings types.WorkerSettings
	engine   *Engine
	se       webrtc.SettingEngine
	logger   logger.Logger

	lock    sync.Mutex
	routers map[string]*Router
	onDied  func(err error)

	closed atomic.Bool
}

func (w *Worker) PID() int {
	return w.pid
}

func (w *Worker) Settings() types.WorkerSettings {
	return w.settings
}

func (w *Worker) OnDied(f func(err error)) {
	w.lock.Lock()
	w.onDied = f
	w.lock.Unlock()
}

func (w *Worker) CreateRouter(_ context.Context) (r types.Router, err error) {
	if w.closed.Load() {
		return nil, ErrWorkerClosed
	}

	// a panic inside the engine takes the whole worker down, like a crashed media process would
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("media worker crashed: %v", p)
			w.Terminate(err)
		}
	}()

	me, err := newMediaEngine(w.engine.codecs)
	if err != nil {
		return nil, err
	}
	router := newRouter(w, webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(w.se)), rtpCapabilities(w.engine.codecs))

	w.lock.Lock()
	w.routers[router.ID()] = router
	w.lock.Unlock()
	return router, nil
}

func (w *Worker) removeRouter(id string) {
	w.lock.Lock()
	delete(w.routers, id)
	w.lock.Unlock()
}

// Terminate kills the worker as if its process had died and notifies the death handler.
func (w *Worker) Terminate(cause error) {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	w.closeRouters()

	w.lock.Lock()
	onDied := w.onDied
	w.lock.Unlock()

	w.logger.Warnw("media worker died", cause)
	if onDied != nil {
		go onDied(cause)
	}
}

func (w *Worker) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.closeRouters()
	w.logger.Infow("media worker closed")
	return nil
}

func (w *Worker) Closed() bool {
	return w.closed.Load()
}

func (w *Worker) closeRouters() {
	w.lock.Lock()
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.routers = make(map[string]*Router)
	w.lock.Unlock()

	for _, r := range routers {
		_ = r.Close()
	}
}
