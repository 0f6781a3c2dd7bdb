package streaming

import (
	"fmt"
	"sort"
	"strings"

	"relaycast/internal/core/domain"

	"github.com/pion/sdp/v3"
)

const (
	loopbackAddress = "127.0.0.1"
	defaultCname    = "relaycast"
)

// BuildSDP describes a plain RTP tap so ffmpeg can receive it on port.
func BuildSDP(kind domain.MediaKind, port int, params domain.RtpParameters) ([]byte, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidKind, kind)
	}
	codec, ok := params.PrimaryCodec()
	if !ok {
		return nil, fmt.Errorf("%w: no media codec", domain.ErrInvalidRtpParameters)
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  string(kind),
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	media = media.WithCodec(codec.PayloadType, codec.Name(), codec.ClockRate, codec.Channels, FormatFmtp(codec.Parameters))

	if ssrc := params.SSRC(); ssrc != 0 {
		cname := params.Rtcp.Cname
		if cname == "" {
			cname = defaultCname
		}
		media = media.WithValueAttribute("ssrc", fmt.Sprintf("%d cname:%s", ssrc, cname))
	}

	session := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      0,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: loopbackAddress,
		},
		SessionName: "relaycast HLS tap",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: loopbackAddress},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{media},
	}

	return session.Marshal()
}

// FormatFmtp renders codec parameters as a sorted a=fmtp value.
func FormatFmtp(parameters map[string]interface{}) string {
	if len(parameters) == 0 {
		return ""
	}

	keys := make([]string, 0, len(parameters))
	for key := range parameters {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", key, parameters[key]))
	}
	return strings.Join(pairs, ";")
}
