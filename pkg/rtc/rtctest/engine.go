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

// Package rtctest provides an in-memory media engine and message sink for tests.
package rtctest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/atomic"

	"github.com/dTelecom/call-sfu/pkg/rtc/types"
)

var ErrClosed = errors.New("closed")

var DefaultCapabilities = types.RtpCapabilities{
	Codecs: []types.RtpCodecCapability{
		{Kind: types.MediaKindAudio, MimeType: "audio/opus", PreferredPayloadType: 111, ClockRate: 48000, Channels: 2},
		{Kind: types.MediaKindVideo, MimeType: "video/VP8", PreferredPayloadType: 96, ClockRate: 90000},
	},
}

var nextID atomic.Uint64

func newID(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, nextID.Inc())
}

// FakeEngine is a types.WorkerFactory whose workers live entirely in memory.
type FakeEngine struct {
	lock    sync.Mutex
	workers []*FakeWorker
	pid     int

	RoutersCreated atomic.Int32
	// FailRouters makes CreateRouter fail while set.
	FailRouters atomic.Bool

	closeOrder []string
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{pid: 1000}
}

func (e *FakeEngine) NewWorker(_ context.Context, settings types.WorkerSettings) (types.Worker, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.pid++
	w := &FakeWorker{
		engine:   e,
		pid:      e.pid,
		settings: settings,
	}
	e.workers = append(e.workers, w)
	return w, nil
}

// CloseOrder lists the ids of transports, producers and consumers in the order they were closed.
func (e *FakeEngine) CloseOrder() []string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return append([]string(nil), e.closeOrder...)
}

func (e *FakeEngine) recordClose(id string) {
	e.lock.Lock()
	e.closeOrder = append(e.closeOrder, id)
	e.lock.Unlock()
}

// Workers returns every worker ever spawned, dead ones included.
func (e *FakeEngine) Workers() []*FakeWorker {
	e.lock.Lock()
	defer e.lock.Unlock()
	return append([]*FakeWorker(nil), e.workers...)
}

type FakeWorker struct {
	engine   *FakeEngine
	pid      int
	settings types.WorkerSettings

	lock    sync.Mutex
	onDied  func(error)
	routers []*FakeRouter
	closed  atomic.Bool
}

func (w *FakeWorker) PID() int {
	return w.pid
}

func (w *FakeWorker) Settings() types.WorkerSettings {
	return w.settings
}

func (w *FakeWorker) OnDied(f func(err error)) {
	w.lock.Lock()
	w.onDied = f
	w.lock.Unlock()
}

func (w *FakeWorker) CreateRouter(_ context.Context) (types.Router, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}
	if w.engine.FailRouters.Load() {
		return nil, errors.New("router allocation failed")
	}
	r := &FakeRouter{
		id:         newID("RT_"),
		worker:     w,
		producers:  make(map[string]*FakeProducer),
		transports: make(map[string]*FakeTransport),
	}
	w.lock.Lock()
	w.routers = append(w.routers, r)
	w.lock.Unlock()
	w.engine.RoutersCreated.Inc()
	return r, nil
}

// Kill simulates the worker process dying.
func (w *FakeWorker) Kill(cause error) {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	w.closeRouters()
	w.lock.Lock()
	onDied := w.onDied
	w.lock.Unlock()
	if onDied != nil {
		go onDied(cause)
	}
}

func (w *FakeWorker) Close() error {
	if w.closed.CompareAndSwap(false, true) {
		w.closeRouters()
	}
	return nil
}

func (w *FakeWorker) Closed() bool {
	return w.closed.Load()
}

func (w *FakeWorker) closeRouters() {
	w.lock.Lock()
	routers := w.routers
	w.routers = nil
	w.lock.Unlock()
	for _, r := range routers {
		_ = r.Close()
	}
}

type FakeRouter struct {
	id     string
	worker *FakeWorker

	lock       sync.Mutex
	producers  map[string]*FakeProducer
	transports map[string]*FakeTransport
	closed     atomic.Bool
}

func (r *FakeRouter) ID() string {
	return r.id
}

func (r *FakeRouter) RtpCapabilities() types.RtpCapabilities {
	return DefaultCapabilities
}

func (r *FakeRouter) CanConsume(producerID string, caps types.RtpCapabilities) bool {
	r.lock.Lock()
	p := r.producers[producerID]
	r.lock.Unlock()
	if p == nil {
		return false
	}
	for _, codec := range p.params.Codecs {
		for _, c := range caps.Codecs {
			if strings.EqualFold(codec.MimeType, c.MimeType) {
				return true
			}
		}
	}
	return false
}

func (r *FakeRouter) CreateWebRTCTransport(_ context.Context) (types.WebRTCTransport, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	t := &FakeTransport{id: newID("TR_"), router: r}
	r.lock.Lock()
	r.transports[t.id] = t
	r.lock.Unlock()
	return t, nil
}

func (r *FakeRouter) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.lock.Lock()
	transports := make([]*FakeTransport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.lock.Unlock()
	for _, t := range transports {
		_ = t.Close()
	}
	return nil
}

func (r *FakeRouter) Closed() bool {
	return r.closed.Load()
}

type FakeTransport struct {
	id     string
	router *FakeRouter

	Connected atomic.Bool
	closed    atomic.Bool
}

func (t *FakeTransport) ID() string {
	return t.id
}

func (t *FakeTransport) Options() types.TransportOptions {
	return types.TransportOptions{
		ID:            t.id,
		IceParameters: types.IceParameters{UsernameFragment: "ufrag", Password: "pwd", IceLite: true},
		IceCandidates: []types.IceCandidate{{Foundation: "1", Priority: 1, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"}},
		DtlsParameters: types.DtlsParameters{
			Role:         "auto",
			Fingerprints: []types.DtlsFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
		},
	}
}

func (t *FakeTransport) Connect(_ context.Context, _ types.DtlsParameters, _ *types.IceParameters) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.Connected.Store(true)
	return nil
}

func (t *FakeTransport) Produce(_ context.Context, opts types.ProduceOptions) (types.Producer, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	p := &FakeProducer{id: newID("PR_"), kind: opts.Kind, params: opts.RtpParameters, router: t.router}
	t.router.lock.Lock()
	t.router.producers[p.id] = p
	t.router.lock.Unlock()
	return p, nil
}

func (t *FakeTransport) Consume(_ context.Context, opts types.ConsumeOptions) (types.Consumer, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	t.router.lock.Lock()
	p := t.router.producers[opts.ProducerID]
	t.router.lock.Unlock()
	if p == nil {
		return nil, errors.New("producer not on this router")
	}
	return &FakeConsumer{id: newID("CO_"), producer: p}, nil
}

func (t *FakeTransport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		t.router.worker.engine.recordClose(t.id)
	}
	return nil
}

func (t *FakeTransport) Closed() bool {
	return t.closed.Load()
}

type FakeProducer struct {
	id     string
	kind   types.MediaKind
	params types.RtpParameters
	router *FakeRouter

	paused atomic.Bool
	closed atomic.Bool
	// PauseCalls counts calls that reached the engine.
	PauseCalls atomic.Int32
}

func (p *FakeProducer) ID() string {
	return p.id
}

func (p *FakeProducer) Kind() types.MediaKind {
	return p.kind
}

func (p *FakeProducer) RtpParameters() types.RtpParameters {
	return p.params
}

func (p *FakeProducer) Paused() bool {
	return p.paused.Load()
}

func (p *FakeProducer) Pause(_ context.Context) error {
	p.PauseCalls.Inc()
	p.paused.Store(true)
	return nil
}

func (p *FakeProducer) Resume(_ context.Context) error {
	p.paused.Store(false)
	return nil
}

func (p *FakeProducer) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		p.router.lock.Lock()
		delete(p.router.producers, p.id)
		p.router.lock.Unlock()
		p.router.worker.engine.recordClose(p.id)
	}
	return nil
}

func (p *FakeProducer) Closed() bool {
	return p.closed.Load()
}

type FakeConsumer struct {
	id       string
	producer *FakeProducer
	closed   atomic.Bool
}

func (c *FakeConsumer) ID() string {
	return c.id
}

func (c *FakeConsumer) ProducerID() string {
	return c.producer.id
}

func (c *FakeConsumer) Kind() types.MediaKind {
	return c.producer.kind
}

func (c *FakeConsumer) RtpParameters() types.RtpParameters {
	return c.producer.params
}

func (c *FakeConsumer) Type() string {
	return "simple"
}

func (c *FakeConsumer) ProducerPaused() bool {
	return c.producer.Paused()
}

func (c *FakeConsumer) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.producer.router.worker.engine.recordClose(c.id)
	}
	return nil
}

func (c *FakeConsumer) Closed() bool {
	return c.closed.Load()
}
