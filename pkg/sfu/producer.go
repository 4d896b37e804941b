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
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"

	"github.com/dTelecom/call-sfu/pkg/rtc/types"
)

const receiveMTU = 1460

type Producer struct {
	id        string
	kind      types.MediaKind
	params    types.RtpParameters
	transport *Transport

	paused   atomic.Bool
	closed   atomic.Bool
	started  atomic.Bool
	received atomic.Uint64

	lock      sync.Mutex
	receiver  *webrtc.RTPReceiver
	consumers map[string]*Consumer
}

func (p *Producer) ID() string {
	return p.id
}

func (p *Producer) Kind() types.MediaKind {
	return p.kind
}

func (p *Producer) RtpParameters() types.RtpParameters {
	return p.params
}

func (p *Producer) Paused() bool {
	return p.paused.Load()
}

func (p *Producer) Pause(_ context.Context) error {
	if p.closed.Load() {
		return ErrTransportClosed
	}
	p.paused.Store(true)
	return nil
}

func (p *Producer) Resume(_ context.Context) error {
	if p.closed.Load() {
		return ErrTransportClosed
	}
	p.paused.Store(false)
	p.requestKeyFrame()
	return nil
}

// PacketsReceived counts the rtp packets read from the remote endpoint.
func (p *Producer) PacketsReceived() uint64 {
	return p.received.Load()
}

func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.lock.Lock()
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = nil
	receiver := p.receiver
	p.receiver = nil
	p.lock.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	if receiver != nil {
		if err := receiver.Stop(); err != nil {
			p.transport.router.logger.Debugw("could not stop rtp receiver", "error", err, "producerID", p.id)
		}
	}
	p.transport.removeProducer(p.id)
	p.transport.router.removeProducer(p.id)
	return nil
}

func (p *Producer) Closed() bool {
	return p.closed.Load()
}

// ssrc is the first explicitly signalled stream of the producer. Rid only simulcast layers are
// not received.
func (p *Producer) ssrc() uint32 {
	for _, enc := range p.params.Encodings {
		if enc.Ssrc != 0 {
			return enc.Ssrc
		}
	}
	return 0
}

// startReceiving binds the producer's stream on the connected transport and fans its packets
// out to the consumers.
func (p *Producer) startReceiving() {
	if p.closed.Load() || !p.started.CompareAndSwap(false, true) {
		return
	}
	log := p.transport.router.logger.WithValues("producerID", p.id)

	ssrc := p.ssrc()
	if ssrc == 0 {
		log.Infow("producer signalled no ssrc, not receiving")
		return
	}

	receiver, err := p.transport.router.api.NewRTPReceiver(codecType(p.kind), p.transport.dtls)
	if err != nil {
		log.Warnw("could not create rtp receiver", err)
		return
	}
	if err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(ssrc)},
		}},
	}); err != nil {
		log.Warnw("could not receive producer stream", err, "ssrc", ssrc)
		_ = receiver.Stop()
		return
	}

	p.lock.Lock()
	if p.closed.Load() {
		p.lock.Unlock()
		_ = receiver.Stop()
		return
	}
	p.receiver = receiver
	p.lock.Unlock()

	go p.forward(receiver.Track())
}

func (p *Producer) forward(track *webrtc.TrackRemote) {
	buf := make([]byte, receiveMTU)
	for {
		n, _, err := track.Read(buf)
		if n == 0 && err != nil {
			// receiver stopped
			return
		}
		// a payload type unknown to the media engine still carries a valid packet
		p.received.Inc()
		if p.paused.Load() {
			continue
		}

		pkt := &rtp.Packet{}
		if err = pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		for _, c := range p.consumerList() {
			c.writeRTP(pkt)
		}
	}
}

// requestKeyFrame asks the sending endpoint for a fresh video key frame.
func (p *Producer) requestKeyFrame() {
	if p.kind != types.MediaKindVideo || !p.started.Load() {
		return
	}
	ssrc := p.ssrc()
	if ssrc == 0 {
		return
	}
	if _, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: ssrc},
	}); err != nil {
		p.transport.router.logger.Debugw("could not request key frame", "error", err, "producerID", p.id)
	}
}

func (p *Producer) consumerList() []*Consumer {
	p.lock.Lock()
	defer p.lock.Unlock()
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	return consumers
}

func (p *Producer) addConsumer(c *Consumer) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.consumers == nil {
		p.consumers = make(map[string]*Consumer)
	}
	p.consumers[c.id] = c
}

func (p *Producer) removeConsumer(id string) {
	p.lock.Lock()
	delete(p.consumers, id)
	p.lock.Unlock()
}

func codecType(kind types.MediaKind) webrtc.RTPCodecType {
	if kind == types.MediaKindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}
