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
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"

	"github.com/dTelecom/call-sfu/pkg/rtc/types"
)

const frameMarking = "urn:ietf:params:rtp-hdrext:framemarking"

type CodecSpec struct {
	Mime     string
	FmtpLine string
}

type codecEntry struct {
	kind       types.MediaKind
	codecType  webrtc.RTPCodecType
	capability webrtc.RTPCodecCapability
	payload    webrtc.PayloadType
}

var videoRTCPFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "transport-cc"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

var knownCodecs = map[string]codecEntry{
	strings.ToLower(webrtc.MimeTypeOpus): {
		kind:       types.MediaKindAudio,
		codecType:  webrtc.RTPCodecTypeAudio,
		capability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1", RTCPFeedback: []webrtc.RTCPFeedback{{Type: "transport-cc"}}},
		payload:    111,
	},
	strings.ToLower(webrtc.MimeTypeVP8): {
		kind:       types.MediaKindVideo,
		codecType:  webrtc.RTPCodecTypeVideo,
		capability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, RTCPFeedback: videoRTCPFeedback},
		payload:    96,
	},
	strings.ToLower(webrtc.MimeTypeVP9): {
		kind:       types.MediaKindVideo,
		codecType:  webrtc.RTPCodecTypeVideo,
		capability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000, SDPFmtpLine: "profile-id=0", RTCPFeedback: videoRTCPFeedback},
		payload:    98,
	},
	strings.ToLower(webrtc.MimeTypeH264): {
		kind:       types.MediaKindVideo,
		codecType:  webrtc.RTPCodecTypeVideo,
		capability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", RTCPFeedback: videoRTCPFeedback},
		payload:    102,
	},
	strings.ToLower(webrtc.MimeTypeAV1): {
		kind:       types.MediaKindVideo,
		codecType:  webrtc.RTPCodecTypeVideo,
		capability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeAV1, ClockRate: 90000, RTCPFeedback: videoRTCPFeedback},
		payload:    45,
	},
}

func resolveCodecs(specs []CodecSpec) ([]codecEntry, error) {
	entries := make([]codecEntry, 0, len(specs))
	for _, spec := range specs {
		entry, ok := knownCodecs[strings.ToLower(spec.Mime)]
		if !ok {
			return nil, fmt.Errorf("unsupported codec %s", spec.Mime)
		}
		if spec.FmtpLine != "" {
			entry.capability.SDPFmtpLine = spec.FmtpLine
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func newMediaEngine(codecs []codecEntry) (*webrtc.MediaEngine, error) {
	me := &webrtc.MediaEngine{}
	for _, c := range codecs {
		if err := me.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: c.capability,
			PayloadType:        c.payload,
		}, c.codecType); err != nil {
			return nil, err
		}
	}

	for _, extension := range []string{
		sdp.SDESMidURI,
		sdp.SDESRTPStreamIDURI,
		sdp.TransportCCURI,
		frameMarking,
	} {
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: extension}, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, err
		}
	}
	for _, extension := range []string{
		sdp.SDESMidURI,
		sdp.AudioLevelURI,
	} {
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: extension}, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, err
		}
	}
	return me, nil
}

// rtpCapabilities describes the codecs registered on a router in the shape clients load their device with.
func rtpCapabilities(codecs []codecEntry) types.RtpCapabilities {
	caps := types.RtpCapabilities{}
	for _, c := range codecs {
		rc := types.RtpCodecCapability{
			Kind:                 c.kind,
			MimeType:             c.capability.MimeType,
			PreferredPayloadType: uint8(c.payload),
			ClockRate:            c.capability.ClockRate,
			Channels:             c.capability.Channels,
			Parameters:           parseFmtp(c.capability.SDPFmtpLine),
		}
		for _, fb := range c.capability.RTCPFeedback {
			rc.RtcpFeedback = append(rc.RtcpFeedback, types.RtcpFeedback{Type: fb.Type, Parameter: fb.Parameter})
		}
		caps.Codecs = append(caps.Codecs, rc)
	}

	id := 1
	for _, ext := range []struct {
		kind types.MediaKind
		uri  string
	}{
		{types.MediaKindAudio, sdp.SDESMidURI},
		{types.MediaKindVideo, sdp.SDESMidURI},
		{types.MediaKindVideo, sdp.SDESRTPStreamIDURI},
		{types.MediaKindAudio, sdp.AudioLevelURI},
		{types.MediaKindVideo, sdp.TransportCCURI},
	} {
		caps.HeaderExtensions = append(caps.HeaderExtensions, types.RtpHeaderExtension{
			Kind:        ext.kind,
			URI:         ext.uri,
			PreferredID: id,
		})
		id++
	}
	return caps
}

func parseFmtp(line string) map[string]interface{} {
	if line == "" {
		return nil
	}
	params := make(map[string]interface{})
	for _, part := range strings.Split(line, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		params[kv[0]] = kv[1]
	}
	return params
}

// matchCodec reports whether a producer codec can be delivered to an endpoint advertising caps.
// Retransmission codecs never decide compatibility on their own.
func matchCodec(codec types.RtpCodecParameters, caps types.RtpCapabilities) (types.RtpCodecCapability, bool) {
	for _, c := range caps.Codecs {
		if !strings.EqualFold(c.MimeType, codec.MimeType) || c.ClockRate != codec.ClockRate {
			continue
		}
		if strings.HasPrefix(strings.ToLower(codec.MimeType), "audio/") && c.Channels != 0 && codec.Channels != 0 && c.Channels != codec.Channels {
			continue
		}
		if strings.EqualFold(codec.MimeType, webrtc.MimeTypeH264) && fmtpValue(c.Parameters, "packetization-mode") != fmtpValue(codec.Parameters, "packetization-mode") {
			continue
		}
		return c, true
	}
	return types.RtpCodecCapability{}, false
}

func fmtpValue(params map[string]interface{}, key string) string {
	v, ok := params[key]
	if !ok {
		// absent packetization-mode means 0
		return "0"
	}
	return fmt.Sprint(v)
}

func isRtx(mime string) bool {
	return strings.HasSuffix(strings.ToLower(mime), "/rtx")
}

func canConsume(params types.RtpParameters, caps types.RtpCapabilities) bool {
	for _, codec := range params.Codecs {
		if isRtx(codec.MimeType) {
			continue
		}
		if _, ok := matchCodec(codec, caps); ok {
			return true
		}
	}
	return false
}
