package domain

import (
	"strings"
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RtpCodecCapability describes a codec a router or endpoint can handle.
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
	Direction   string    `json:"direction,omitempty"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

// FindCodec returns the first capability matching kind, mime type and clock rate.
func (c RtpCapabilities) FindCodec(kind MediaKind, mimeType string, clockRate uint32) (RtpCodecCapability, bool) {
	for _, codec := range c.Codecs {
		if codec.Kind != "" && codec.Kind != kind {
			continue
		}
		if strings.EqualFold(codec.MimeType, mimeType) && codec.ClockRate == clockRate {
			return codec, true
		}
	}
	return RtpCodecCapability{}, false
}

type RtpCodecParameters struct {
	MimeType     string                 `json:"mimeType"`
	PayloadType  uint8                  `json:"payloadType"`
	ClockRate    uint32                 `json:"clockRate"`
	Channels     uint16                 `json:"channels,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback         `json:"rtcpFeedback,omitempty"`
}

// Name returns the codec part of the mime type ("VP8" for "video/VP8").
func (c RtpCodecParameters) Name() string {
	if i := strings.IndexByte(c.MimeType, '/'); i >= 0 {
		return c.MimeType[i+1:]
	}
	return c.MimeType
}

func (c RtpCodecParameters) IsRtx() bool {
	return strings.EqualFold(c.Name(), "rtx")
}

type RtpHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

type RtxParameters struct {
	SSRC uint32 `json:"ssrc"`
}

type RtpEncodingParameters struct {
	SSRC       uint32         `json:"ssrc,omitempty"`
	Rid        string         `json:"rid,omitempty"`
	MaxBitrate int            `json:"maxBitrate,omitempty"`
	Dtx        bool           `json:"dtx,omitempty"`
	Rtx        *RtxParameters `json:"rtx,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters                 `json:"rtcp"`
}

// PrimaryCodec returns the first media codec, skipping retransmission entries.
func (p RtpParameters) PrimaryCodec() (RtpCodecParameters, bool) {
	for _, codec := range p.Codecs {
		if !codec.IsRtx() {
			return codec, true
		}
	}
	return RtpCodecParameters{}, false
}

// SSRC returns the ssrc of the first encoding, or 0 when none is set.
func (p RtpParameters) SSRC() uint32 {
	if len(p.Encodings) == 0 {
		return 0
	}
	return p.Encodings[0].SSRC
}

// SupportedCodecs is the router codec set: Opus audio and VP8 video.
func SupportedCodecs() []RtpCodecCapability {
	videoFeedback := []RtcpFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
	}
	return []RtpCodecCapability{
		{
			Kind:                 MediaKindAudio,
			MimeType:             "audio/opus",
			PreferredPayloadType: 100,
			ClockRate:            48000,
			Channels:             2,
			RtcpFeedback:         []RtcpFeedback{{Type: "transport-cc"}},
		},
		{
			Kind:                 MediaKindVideo,
			MimeType:             "video/VP8",
			PreferredPayloadType: 101,
			ClockRate:            90000,
			RtcpFeedback:         videoFeedback,
		},
	}
}

type ProducerInfo struct {
	ProducerID ProducerID `json:"producerId"`
	PeerID     PeerID     `json:"peerId"`
	Kind       MediaKind  `json:"kind"`
}

// ConsumerInfo describes a consumer created for a peer. PeerID is the owner of
// the source producer.
type ConsumerInfo struct {
	ID            ConsumerID    `json:"id"`
	ProducerID    ProducerID    `json:"producerId"`
	Kind          MediaKind     `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
	PeerID        PeerID        `json:"peerId"`
}
