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
	"math/rand"
	"strconv"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/dTelecom/call-sfu/pkg/rtc/types"
	"github.com/dTelecom/call-sfu/pkg/utils"
)

// Transport is a server side ICE-lite endpoint. Local ICE and DTLS parameters are produced at
// creation, the remote ones arrive through Connect. Producers start receiving and consumers start
// sending once the DTLS handshake has completed.
type Transport struct {
	id       string
	router   *Router
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	options  types.TransportOptions

	nextMid atomic.Uint32

	lock       sync.Mutex
	remoteDtls *types.DtlsParameters
	producers  map[string]*Producer
	consumers  map[string]*Consumer

	connected core.Fuse
	closed    atomic.Bool
}

func newTransport(ctx context.Context, r *Router) (*Transport, error) {
	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, err
	}

	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err = gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, errors.Wrap(ctx.Err(), "ice gathering did not complete")
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	iceTransport := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(iceTransport, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	t := &Transport{
		id:        utils.NewGuid(utils.TransportPrefix),
		router:    r,
		gatherer:  gatherer,
		ice:       iceTransport,
		dtls:      dtls,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	t.options = types.TransportOptions{
		ID: t.id,
		IceParameters: types.IceParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			IceLite:          true,
		},
		DtlsParameters: types.DtlsParameters{
			Role: "auto",
		},
	}
	for _, c := range candidates {
		t.options.IceCandidates = append(t.options.IceCandidates, types.IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	for _, fp := range dtlsParams.Fingerprints {
		t.options.DtlsParameters.Fingerprints = append(t.options.DtlsParameters.Fingerprints, types.DtlsFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}
	return t, nil
}

func (t *Transport) ID() string {
	return t.id
}

func (t *Transport) Options() types.TransportOptions {
	return t.options
}

func (t *Transport) Connect(_ context.Context, dtls types.DtlsParameters, ice *types.IceParameters) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if len(dtls.Fingerprints) == 0 {
		return ErrNoFingerprints
	}
	if ice == nil || ice.UsernameFragment == "" || ice.Password == "" {
		return ErrNoIceParameters
	}
	remote, err := toDTLSParameters(dtls)
	if err != nil {
		return err
	}

	t.lock.Lock()
	if t.remoteDtls != nil {
		t.lock.Unlock()
		return ErrAlreadyConnected
	}
	t.remoteDtls = &dtls
	t.lock.Unlock()

	go t.start(webrtc.ICEParameters{
		UsernameFragment: ice.UsernameFragment,
		Password:         ice.Password,
	}, remote)
	return nil
}

// start blocks on the ice and dtls handshakes, then brings up the media already attached to the transport.
func (t *Transport) start(ice webrtc.ICEParameters, dtls webrtc.DTLSParameters) {
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, ice, &role); err != nil {
		if !t.closed.Load() {
			t.router.logger.Warnw("ice transport failed", err, "transportID", t.id)
		}
		return
	}
	if err := t.dtls.Start(dtls); err != nil {
		if !t.closed.Load() {
			t.router.logger.Warnw("dtls handshake failed", err, "transportID", t.id)
		}
		return
	}
	if t.closed.Load() {
		return
	}
	t.connected.Break()
	t.router.logger.Debugw("transport connected", "transportID", t.id)

	t.lock.Lock()
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.lock.Unlock()

	for _, p := range producers {
		p.startReceiving()
	}
	for _, c := range consumers {
		c.startSending()
	}
}

// Connected reports whether the dtls handshake has completed.
func (t *Transport) Connected() bool {
	return t.connected.IsBroken()
}

func (t *Transport) Produce(_ context.Context, opts types.ProduceOptions) (types.Producer, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	for _, codec := range opts.RtpParameters.Codecs {
		if isRtx(codec.MimeType) {
			continue
		}
		if _, ok := matchCodec(codec, t.router.caps); !ok {
			return nil, errors.Wrap(ErrUnsupportedCodec, codec.MimeType)
		}
	}

	p := &Producer{
		id:        utils.NewGuid(utils.ProducerPrefix),
		kind:      opts.Kind,
		params:    opts.RtpParameters,
		transport: t,
	}

	t.lock.Lock()
	t.producers[p.id] = p
	t.lock.Unlock()
	t.router.addProducer(p)
	if t.connected.IsBroken() {
		p.startReceiving()
	}
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts types.ConsumeOptions) (types.Consumer, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	p := t.router.producer(opts.ProducerID)
	if p == nil {
		return nil, ErrUnknownProducer
	}

	params, err := consumerParameters(p, t.router.caps, opts.RtpCapabilities)
	if err != nil {
		return nil, err
	}
	params.Mid = strconv.FormatUint(uint64(t.nextMid.Inc()-1), 10)

	c := &Consumer{
		id:        utils.NewGuid(utils.ConsumerPrefix),
		producer:  p,
		params:    params,
		transport: t,
	}

	t.lock.Lock()
	t.consumers[c.id] = c
	t.lock.Unlock()
	p.addConsumer(c)
	if t.connected.IsBroken() {
		c.startSending()
	}
	return c, nil
}

func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.lock.Lock()
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.lock.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}

	if err := t.dtls.Stop(); err != nil {
		t.router.logger.Debugw("could not stop dtls transport", "error", err, "transportID", t.id)
	}
	if err := t.ice.Stop(); err != nil {
		t.router.logger.Debugw("could not stop ice transport", "error", err, "transportID", t.id)
	}
	if err := t.gatherer.Close(); err != nil {
		t.router.logger.Debugw("could not close ice gatherer", "error", err, "transportID", t.id)
	}
	t.router.removeTransport(t.id)
	return nil
}

func (t *Transport) Closed() bool {
	return t.closed.Load()
}

func (t *Transport) removeProducer(id string) {
	t.lock.Lock()
	delete(t.producers, id)
	t.lock.Unlock()
}

func (t *Transport) removeConsumer(id string) {
	t.lock.Lock()
	delete(t.consumers, id)
	t.lock.Unlock()
}

// consumerParameters maps the producer's codecs onto the router's payload types, keeping only
// what the consuming endpoint can decode.
func consumerParameters(p *Producer, routerCaps, remoteCaps types.RtpCapabilities) (types.RtpParameters, error) {
	producerParams := p.RtpParameters()
	params := types.RtpParameters{
		HeaderExtensions: producerParams.HeaderExtensions,
		Rtcp:             producerParams.Rtcp,
	}
	for _, codec := range producerParams.Codecs {
		if isRtx(codec.MimeType) {
			continue
		}
		if _, ok := matchCodec(codec, remoteCaps); !ok {
			continue
		}
		routerCodec, ok := matchCodec(codec, routerCaps)
		if !ok {
			continue
		}
		params.Codecs = append(params.Codecs, types.RtpCodecParameters{
			MimeType:     routerCodec.MimeType,
			PayloadType:  routerCodec.PreferredPayloadType,
			ClockRate:    routerCodec.ClockRate,
			Channels:     routerCodec.Channels,
			Parameters:   codec.Parameters,
			RtcpFeedback: routerCodec.RtcpFeedback,
		})
	}
	if len(params.Codecs) == 0 {
		return types.RtpParameters{}, ErrIncompatibleCodec
	}
	params.Encodings = []types.RtpEncodingParameters{{Ssrc: rand.Uint32()}}
	return params, nil
}

func toDTLSParameters(dtls types.DtlsParameters) (webrtc.DTLSParameters, error) {
	params := webrtc.DTLSParameters{}
	switch dtls.Role {
	case "", "auto":
		params.Role = webrtc.DTLSRoleAuto
	case "client":
		params.Role = webrtc.DTLSRoleClient
	case "server":
		params.Role = webrtc.DTLSRoleServer
	default:
		return params, errors.Wrap(ErrInvalidDtlsRole, dtls.Role)
	}
	for _, fp := range dtls.Fingerprints {
		params.Fingerprints = append(params.Fingerprints, webrtc.DTLSFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}
	return params, nil
}
