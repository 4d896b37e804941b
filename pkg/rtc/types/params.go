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

package types

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

type TrackType string

const (
	TrackTypeAudio  TrackType = "audio"
	TrackTypeVideo  TrackType = "video"
	TrackTypeScreen TrackType = "screen"
)

func (t TrackType) Valid() bool {
	switch t {
	case TrackTypeAudio, TrackTypeVideo, TrackTypeScreen:
		return true
	}
	return false
}

type TransportDirection string

const (
	TransportDirectionSend TransportDirection = "send"
	TransportDirectionRecv TransportDirection = "recv"
)

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 MediaKind              `json:"kind"`
	MimeType             string                 `json:"mimeType"`
	PreferredPayloadType uint8                  `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32                 `json:"clockRate"`
	Channels             uint16                 `json:"channels,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback         `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
}

// RtpCapabilities is handed to clients as an opaque blob for device loading and returned by
// them when they want to consume.
type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs,omitempty"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

type RtpCodecParameters struct {
	MimeType     string                 `json:"mimeType"`
	PayloadType  uint8                  `json:"payloadType"`
	ClockRate    uint32                 `json:"clockRate"`
	Channels     uint16                 `json:"channels,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback         `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

type RtpEncodingParameters struct {
	Ssrc            uint32 `json:"ssrc,omitempty"`
	Rid             string `json:"rid,omitempty"`
	MaxBitrate      uint32 `json:"maxBitrate,omitempty"`
	ScalabilityMode string `json:"scalabilityMode,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters                 `json:"rtcp,omitempty"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

// TransportOptions are the connection parameters a client needs to create its local transport.
type TransportOptions struct {
	ID             string         `json:"id"`
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

type ProduceOptions struct {
	Kind          MediaKind
	RtpParameters RtpParameters
	AppData       map[string]interface{}
}

type ConsumeOptions struct {
	ProducerID      string
	RtpCapabilities RtpCapabilities
	Paused          bool
}
