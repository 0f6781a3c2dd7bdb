package validation

import (
	"fmt"
	"regexp"
	"strings"

	"relaycast/internal/core/domain"
)

var (
	// IDRegex validates peer, producer and stream id format
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	fingerprintRegex = regexp.MustCompile(`^([0-9A-Fa-f]{2}:)*[0-9A-Fa-f]{2}$`)
)

const (
	maxIDLength       = 128
	maxCodecs         = 32
	maxEncodings      = 8
	maxIceCandidates  = 32
	maxDynamicPayload = 127
)

// ValidateUsername validates username
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if len(username) < 3 {
		return fmt.Errorf("username must be at least 3 characters")
	}
	if len(username) > 50 {
		return fmt.Errorf("username is too long (max 50 characters)")
	}
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("username contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

func validateID(id, field string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", field, maxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", field)
	}
	return nil
}

// ValidatePeerID validates peer ID
func ValidatePeerID(id domain.PeerID) error {
	return validateID(string(id), "peer ID")
}

// ValidateProducerID validates producer ID
func ValidateProducerID(id domain.ProducerID) error {
	return validateID(string(id), "producer ID")
}

// ValidateStreamID validates an HLS stream ID (<peerId>_<producerId>)
func ValidateStreamID(id domain.StreamID) error {
	if err := validateID(string(id), "stream ID"); err != nil {
		return err
	}
	if !strings.Contains(string(id), "_") {
		return fmt.Errorf("invalid stream ID format")
	}
	return nil
}

// ValidateKind rejects anything but audio and video.
func ValidateKind(kind domain.MediaKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidKind, kind)
	}
	return nil
}

func validateMimeType(mime string, kind domain.MediaKind) error {
	prefix, name, ok := strings.Cut(mime, "/")
	if !ok || name == "" {
		return fmt.Errorf("malformed mime type %q", mime)
	}
	if kind != "" && !strings.EqualFold(prefix, string(kind)) {
		return fmt.Errorf("mime type %q does not match kind %s", mime, kind)
	}
	return nil
}

// ValidateRtpParameters checks producer parameters sent by a client.
func ValidateRtpParameters(kind domain.MediaKind, params domain.RtpParameters) error {
	if err := ValidateKind(kind); err != nil {
		return err
	}
	if len(params.Codecs) == 0 {
		return fmt.Errorf("%w: no codecs", domain.ErrInvalidRtpParameters)
	}
	if len(params.Codecs) > maxCodecs {
		return fmt.Errorf("%w: too many codecs", domain.ErrInvalidRtpParameters)
	}
	for _, codec := range params.Codecs {
		if err := validateMimeType(codec.MimeType, kind); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidRtpParameters, err)
		}
		if codec.PayloadType > maxDynamicPayload {
			return fmt.Errorf("%w: payload type %d out of range", domain.ErrInvalidRtpParameters, codec.PayloadType)
		}
		if codec.ClockRate == 0 {
			return fmt.Errorf("%w: codec %s without clock rate", domain.ErrInvalidRtpParameters, codec.MimeType)
		}
	}
	if _, ok := params.PrimaryCodec(); !ok {
		return fmt.Errorf("%w: only retransmission codecs", domain.ErrInvalidRtpParameters)
	}
	if len(params.Encodings) > maxEncodings {
		return fmt.Errorf("%w: too many encodings", domain.ErrInvalidRtpParameters)
	}
	for _, ext := range params.HeaderExtensions {
		if ext.ID < 1 || ext.ID > 14 {
			return fmt.Errorf("%w: header extension id %d out of range", domain.ErrInvalidRtpParameters, ext.ID)
		}
	}
	return nil
}

// ValidateRtpCapabilities checks consumer capabilities sent by a client.
func ValidateRtpCapabilities(caps domain.RtpCapabilities) error {
	if len(caps.Codecs) == 0 {
		return fmt.Errorf("%w: no codecs", domain.ErrInvalidCapabilities)
	}
	if len(caps.Codecs) > maxCodecs {
		return fmt.Errorf("%w: too many codecs", domain.ErrInvalidCapabilities)
	}
	for _, codec := range caps.Codecs {
		if codec.Kind != "" && !codec.Kind.Valid() {
			return fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidCapabilities, codec.Kind)
		}
		if err := validateMimeType(codec.MimeType, codec.Kind); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidCapabilities, err)
		}
		if codec.ClockRate == 0 {
			return fmt.Errorf("%w: codec %s without clock rate", domain.ErrInvalidCapabilities, codec.MimeType)
		}
	}
	return nil
}

// ValidateDtlsParameters requires at least one well formed fingerprint.
func ValidateDtlsParameters(params domain.DtlsParameters) error {
	switch params.Role {
	case "", domain.DtlsRoleAuto, domain.DtlsRoleClient, domain.DtlsRoleServer:
	default:
		return fmt.Errorf("%w: unknown role %q", domain.ErrInvalidDtlsParameters, params.Role)
	}
	if len(params.Fingerprints) == 0 {
		return fmt.Errorf("%w: no fingerprints", domain.ErrInvalidDtlsParameters)
	}
	for _, fp := range params.Fingerprints {
		if fp.Algorithm == "" {
			return fmt.Errorf("%w: fingerprint without algorithm", domain.ErrInvalidDtlsParameters)
		}
		if !fingerprintRegex.MatchString(fp.Value) {
			return fmt.Errorf("%w: malformed fingerprint", domain.ErrInvalidDtlsParameters)
		}
	}
	return nil
}

// ValidateConnectParams checks a connectTransport payload. The remote ICE
// credentials are required because the transport runs ICE as the controlled
// agent against them.
func ValidateConnectParams(params domain.TransportConnectParams) error {
	if err := ValidateDtlsParameters(params.DtlsParameters); err != nil {
		return err
	}
	ice := params.IceParameters
	if ice == nil {
		return fmt.Errorf("%w: ice parameters required", domain.ErrInvalidDtlsParameters)
	}
	if ice.UsernameFragment == "" || ice.Password == "" {
		return fmt.Errorf("%w: ice parameters without credentials", domain.ErrInvalidDtlsParameters)
	}
	if len(params.IceCandidates) > maxIceCandidates {
		return fmt.Errorf("%w: too many ice candidates", domain.ErrInvalidDtlsParameters)
	}
	for _, c := range params.IceCandidates {
		if c.IP == "" || c.Port == 0 {
			return fmt.Errorf("%w: ice candidate without address", domain.ErrInvalidDtlsParameters)
		}
	}
	return nil
}
