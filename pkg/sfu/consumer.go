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
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"

	"github.com/dTelecom/call-sfu/pkg/rtc/types"
)

const consumerTypeSimple = "simple"

type Consumer struct {
	id        string
	producer  *Producer
	params    types.RtpParameters
	transport *Transport

	track   atomic.Pointer[webrtc.TrackLocalStaticRTP]
	sender  atomic.Pointer[webrtc.RTPSender]
	sent    atomic.Uint64
	started atomic.Bool
	closed  atomic.Bool
}

func (c *Consumer) ID() string {
	return c.id
}

func (c *Consumer) ProducerID() string {
	return c.producer.ID()
}

func (c *Consumer) Kind() types.MediaKind {
	return c.producer.Kind()
}

func (c *Consumer) RtpParameters() types.RtpParameters {
	return c.params
}

func (c *Consumer) Type() string {
	return consumerTypeSimple
}

func (c *Consumer) ProducerPaused() bool {
	return c.producer.Paused()
}

// PacketsSent counts the rtp packets written towards the remote endpoint.
func (c *Consumer) PacketsSent() uint64 {
	return c.sent.Load()
}

func (c *Consumer) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if sender := c.sender.Swap(nil); sender != nil {
		if err := sender.Stop(); err != nil {
			c.transport.router.logger.Debugw("could not stop rtp sender", "error", err, "consumerID", c.id)
		}
	}
	c.track.Store(nil)
	c.producer.removeConsumer(c.id)
	c.transport.removeConsumer(c.id)
	return nil
}

func (c *Consumer) Closed() bool {
	return c.closed.Load()
}

// startSending binds a local track carrying the producer's stream on the connected transport,
// using the ssrc and payload type announced to the client.
func (c *Consumer) startSending() {
	if c.closed.Load() || !c.started.CompareAndSwap(false, true) {
		return
	}
	log := c.transport.router.logger.WithValues("consumerID", c.id, "producerID", c.producer.id)

	entry, ok := c.transport.router.codec(c.params.Codecs[0].MimeType)
	if !ok {
		log.Warnw("consumer codec not registered on router", nil, "mime", c.params.Codecs[0].MimeType)
		return
	}
	track, err := webrtc.NewTrackLocalStaticRTP(entry.capability, c.id, c.producer.id)
	if err != nil {
		log.Warnw("could not create local track", err)
		return
	}
	sender, err := c.transport.router.api.NewRTPSender(track, c.transport.dtls)
	if err != nil {
		log.Warnw("could not create rtp sender", err)
		return
	}
	if err = sender.Send(webrtc.RTPSendParameters{
		Encodings: []webrtc.RTPEncodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(c.params.Encodings[0].Ssrc),
				PayloadType: webrtc.PayloadType(entry.payload),
			},
		}},
	}); err != nil {
		log.Warnw("could not start rtp sender", err)
		_ = sender.Stop()
		return
	}

	c.sender.Store(sender)
	c.track.Store(track)
	if c.closed.Load() {
		if s := c.sender.Swap(nil); s != nil {
			_ = s.Stop()
		}
		return
	}

	go c.readRTCP(sender)
	c.producer.requestKeyFrame()
}

func (c *Consumer) writeRTP(pkt *rtp.Packet) {
	track := c.track.Load()
	if track == nil {
		return
	}
	if err := track.WriteRTP(pkt); err == nil {
		c.sent.Inc()
	}
}

// readRTCP drains receiver reports and relays key frame requests to the producing endpoint.
func (c *Consumer) readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyFrame()
			}
		}
	}
}
