package webrtc

import (
	"fmt"
	"strings"

	"relaycast/internal/core/domain"
	"relaycast/internal/infrastructure/streaming"

	"github.com/pion/webrtc/v3"
)

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.MediaKindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func toPionFeedback(feedback []domain.RtcpFeedback) []webrtc.RTCPFeedback {
	if len(feedback) == 0 {
		return nil
	}
	out := make([]webrtc.RTCPFeedback, len(feedback))
	for i, fb := range feedback {
		out[i] = webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter}
	}
	return out
}

func toPionCapability(codec domain.RtpCodecCapability) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:     codec.MimeType,
		ClockRate:    codec.ClockRate,
		Channels:     codec.Channels,
		SDPFmtpLine:  streaming.FormatFmtp(codec.Parameters),
		RTCPFeedback: toPionFeedback(codec.RtcpFeedback),
	}
}

// newMediaEngine registers the router codecs under their preferred payload
// types, which is what producers must send with.
func newMediaEngine(caps domain.RtpCapabilities) (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	for _, codec := range caps.Codecs {
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: toPionCapability(codec),
			PayloadType:        webrtc.PayloadType(codec.PreferredPayloadType),
		}
		if err := m.RegisterCodec(params, codecType(codec.Kind)); err != nil {
			return nil, fmt.Errorf("failed to register codec %s: %w", codec.MimeType, err)
		}
	}
	return m, nil
}

// checkProducerParameters validates what a producer sends against the router
// codecs: a known codec on its registered payload type and an explicit SSRC.
func checkProducerParameters(caps domain.RtpCapabilities, kind domain.MediaKind, params domain.RtpParameters) (domain.RtpCodecCapability, error) {
	codec, ok := params.PrimaryCodec()
	if !ok {
		return domain.RtpCodecCapability{}, fmt.Errorf("%w: no media codec", domain.ErrInvalidRtpParameters)
	}
	routerCodec, ok := caps.FindCodec(kind, codec.MimeType, codec.ClockRate)
	if !ok {
		return domain.RtpCodecCapability{}, fmt.Errorf("%w: unsupported codec %s", domain.ErrInvalidRtpParameters, codec.MimeType)
	}
	if codec.PayloadType != routerCodec.PreferredPayloadType {
		return domain.RtpCodecCapability{}, fmt.Errorf("%w: payload type %d, router uses %d for %s",
			domain.ErrInvalidRtpParameters, codec.PayloadType, routerCodec.PreferredPayloadType, codec.MimeType)
	}
	if params.SSRC() == 0 {
		return domain.RtpCodecCapability{}, fmt.Errorf("%w: encoding without ssrc", domain.ErrInvalidRtpParameters)
	}
	return routerCodec, nil
}

func consumerParameters(routerCodec domain.RtpCodecCapability, ssrc uint32, mid string) domain.RtpParameters {
	return domain.RtpParameters{
		Mid: mid,
		Codecs: []domain.RtpCodecParameters{{
			MimeType:     routerCodec.MimeType,
			PayloadType:  routerCodec.PreferredPayloadType,
			ClockRate:    routerCodec.ClockRate,
			Channels:     routerCodec.Channels,
			Parameters:   routerCodec.Parameters,
			RtcpFeedback: routerCodec.RtcpFeedback,
		}},
		Encodings: []domain.RtpEncodingParameters{{SSRC: ssrc}},
		Rtcp:      domain.RtcpParameters{Cname: "relaycast", ReducedSize: true},
	}
}

func fromPionCandidate(c webrtc.ICECandidate) domain.IceCandidate {
	return domain.IceCandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		IP:         c.Address,
		Protocol:   c.Protocol.String(),
		Port:       c.Port,
		Type:       c.Typ.String(),
		TCPType:    c.TCPType,
	}
}

func toPionCandidate(c domain.IceCandidate) (webrtc.ICECandidate, error) {
	protocol, err := webrtc.NewICEProtocol(strings.ToLower(c.Protocol))
	if err != nil {
		return webrtc.ICECandidate{}, err
	}
	typ, err := webrtc.NewICECandidateType(strings.ToLower(c.Type))
	if err != nil {
		return webrtc.ICECandidate{}, err
	}
	return webrtc.ICECandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		Address:    c.IP,
		Protocol:   protocol,
		Port:       c.Port,
		Typ:        typ,
		Component:  1,
		TCPType:    c.TCPType,
	}, nil
}

func fromPionDtls(params webrtc.DTLSParameters) domain.DtlsParameters {
	fingerprints := make([]domain.DtlsFingerprint, len(params.Fingerprints))
	for i, fp := range params.Fingerprints {
		fingerprints[i] = domain.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value}
	}
	return domain.DtlsParameters{Role: domain.DtlsRoleAuto, Fingerprints: fingerprints}
}

func toPionDtls(params domain.DtlsParameters) webrtc.DTLSParameters {
	role := webrtc.DTLSRoleAuto
	switch params.Role {
	case domain.DtlsRoleClient:
		role = webrtc.DTLSRoleClient
	case domain.DtlsRoleServer:
		role = webrtc.DTLSRoleServer
	}
	fingerprints := make([]webrtc.DTLSFingerprint, len(params.Fingerprints))
	for i, fp := range params.Fingerprints {
		fingerprints[i] = webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value}
	}
	return webrtc.DTLSParameters{Role: role, Fingerprints: fingerprints}
}
