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
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pion/ice/v2"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/dTelecom/call-sfu/pkg/rtc/types"
	"github.com/dTelecom/call-sfu/pkg/testutils"
)

// testEndpoint is the client half of a transport, built on the ORTC api.
type testEndpoint struct {
	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
}

func newTestEndpoint(t *testing.T) *testEndpoint {
	me := &webrtc.MediaEngine{}
	require.NoError(t, me.RegisterDefaultCodecs())
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	require.NoError(t, err)
	iceTransport := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(iceTransport, nil)
	require.NoError(t, err)

	gathered := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gathered)
		}
	})
	require.NoError(t, gatherer.Gather())
	select {
	case <-gathered:
	case <-time.After(testutils.ConnectTimeout):
		t.Fatal("client gathering timed out")
	}

	e := &testEndpoint{api: api, gatherer: gatherer, ice: iceTransport, dtls: dtls}
	t.Cleanup(func() {
		_ = e.dtls.Stop()
		_ = e.ice.Stop()
	})
	return e
}

func (e *testEndpoint) localParameters(t *testing.T) (types.DtlsParameters, *types.IceParameters) {
	iceParams, err := e.gatherer.GetLocalParameters()
	require.NoError(t, err)
	dtlsParams, err := e.dtls.GetLocalParameters()
	require.NoError(t, err)

	dtls := types.DtlsParameters{Role: "auto"}
	for _, fp := range dtlsParams.Fingerprints {
		dtls.Fingerprints = append(dtls.Fingerprints, types.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return dtls, &types.IceParameters{UsernameFragment: iceParams.UsernameFragment, Password: iceParams.Password}
}

// connect runs the controlling side of the handshakes against the server transport's options.
func (e *testEndpoint) connect(remote types.TransportOptions) error {
	candidates := make([]webrtc.ICECandidate, 0, len(remote.IceCandidates))
	for _, c := range remote.IceCandidates {
		candidates = append(candidates, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   webrtc.ICEProtocolUDP,
			Port:       c.Port,
			Typ:        webrtc.ICECandidateTypeHost,
			Component:  1,
		})
	}
	if err := e.ice.SetRemoteCandidates(candidates); err != nil {
		return err
	}

	role := webrtc.ICERoleControlling
	if err := e.ice.Start(nil, webrtc.ICEParameters{
		UsernameFragment: remote.IceParameters.UsernameFragment,
		Password:         remote.IceParameters.Password,
		ICELite:          true,
	}, &role); err != nil {
		return err
	}

	dtls, err := toDTLSParameters(remote.DtlsParameters)
	if err != nil {
		return err
	}
	return e.dtls.Start(dtls)
}

func TestTransportConnectValidation(t *testing.T) {
	_, r := newTestRouter(t)
	tr, err := r.CreateWebRTCTransport(context.Background())
	require.NoError(t, err)
	defer tr.Close()

	fingerprints := []types.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}}
	creds := &types.IceParameters{UsernameFragment: "ufrag", Password: "password"}

	require.ErrorIs(t, tr.Connect(context.Background(), types.DtlsParameters{}, creds), ErrNoFingerprints)
	require.ErrorIs(t, tr.Connect(context.Background(), types.DtlsParameters{Fingerprints: fingerprints}, nil), ErrNoIceParameters)
	require.ErrorIs(t, tr.Connect(context.Background(), types.DtlsParameters{Role: "sideways", Fingerprints: fingerprints}, creds), ErrInvalidDtlsRole)

	require.NoError(t, tr.Connect(context.Background(), types.DtlsParameters{Role: "client", Fingerprints: fingerprints}, creds))
	require.ErrorIs(t, tr.Connect(context.Background(), types.DtlsParameters{Role: "client", Fingerprints: fingerprints}, creds), ErrAlreadyConnected)

	require.NoError(t, tr.Close())
	require.ErrorIs(t, tr.Connect(context.Background(), types.DtlsParameters{Fingerprints: fingerprints}, creds), ErrTransportClosed)
}

func TestTransportForwardsMedia(t *testing.T) {
	if testing.Short() {
		t.Skip("opens udp sockets")
	}
	ctx := context.Background()

	e, err := NewEngine(EngineSettings{Codecs: testCodecs, IncludeLoopback: true})
	require.NoError(t, err)
	w, err := e.NewWorker(ctx, types.WorkerSettings{})
	require.NoError(t, err)
	defer w.Close()
	r, err := w.CreateRouter(ctx)
	require.NoError(t, err)

	sendTransport, err := r.CreateWebRTCTransport(ctx)
	require.NoError(t, err)
	recvTransport, err := r.CreateWebRTCTransport(ctx)
	require.NoError(t, err)
	if len(sendTransport.Options().IceCandidates) == 0 {
		t.Skip("no local address to gather candidates on")
	}

	// publisher side
	publisher := newTestEndpoint(t)
	localTrack, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "publisher")
	require.NoError(t, err)
	rtpSender, err := publisher.api.NewRTPSender(localTrack, publisher.dtls)
	require.NoError(t, err)
	sendParams := rtpSender.GetParameters()

	producer, err := sendTransport.Produce(ctx, types.ProduceOptions{
		Kind: types.MediaKindAudio,
		RtpParameters: types.RtpParameters{
			Codecs:    []types.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
			Encodings: []types.RtpEncodingParameters{{Ssrc: uint32(sendParams.Encodings[0].SSRC)}},
		},
	})
	require.NoError(t, err)

	consumer, err := recvTransport.Consume(ctx, types.ConsumeOptions{ProducerID: producer.ID(), RtpCapabilities: r.RtpCapabilities()})
	require.NoError(t, err)

	dtls, creds := publisher.localParameters(t)
	require.NoError(t, sendTransport.Connect(ctx, dtls, creds))
	require.NoError(t, publisher.connect(sendTransport.Options()))
	require.NoError(t, rtpSender.Send(sendParams))

	// subscriber side
	subscriber := newTestEndpoint(t)
	dtls, creds = subscriber.localParameters(t)
	require.NoError(t, recvTransport.Connect(ctx, dtls, creds))
	require.NoError(t, subscriber.connect(recvTransport.Options()))

	rtpReceiver, err := subscriber.api.NewRTPReceiver(webrtc.RTPCodecTypeAudio, subscriber.dtls)
	require.NoError(t, err)
	require.NoError(t, rtpReceiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(consumer.RtpParameters().Encodings[0].Ssrc)},
		}},
	}))

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	received := make(chan *rtp.Packet, 1)
	go func() {
		pkt, _, err := rtpReceiver.Track().ReadRTP()
		if err == nil {
			received <- pkt
		}
	}()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(testutils.ConnectTimeout)
	var seq uint16
	for {
		select {
		case pkt := <-received:
			require.True(t, bytes.Equal(payload, pkt.Payload))
			require.Equal(t, uint8(111), pkt.PayloadType)
			require.Equal(t, consumer.RtpParameters().Encodings[0].Ssrc, pkt.SSRC)
			require.NotZero(t, producer.(*Producer).PacketsReceived())
			return
		case <-ticker.C:
			seq++
			require.NoError(t, localTrack.WriteRTP(&rtp.Packet{
				Header:  rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: uint32(seq) * 960},
				Payload: payload,
			}))
		case <-timeout:
			t.Fatal("no media forwarded from producer to consumer")
		}
	}
}
