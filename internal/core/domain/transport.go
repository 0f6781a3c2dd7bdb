package domain

import (
	"context"
	"time"
)

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

type DtlsRole string

const (
	DtlsRoleAuto   DtlsRole = "auto"
	DtlsRoleClient DtlsRole = "client"
	DtlsRoleServer DtlsRole = "server"
)

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         DtlsRole          `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

// TransportOptions is what a remote endpoint needs to reach a WebRTC transport.
type TransportOptions struct {
	ID             TransportID    `json:"id"`
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

type TransportConnectParams struct {
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
	IceParameters  *IceParameters `json:"iceParameters,omitempty"`
	IceCandidates  []IceCandidate `json:"iceCandidates,omitempty"`
}

type TransportState string

const (
	TransportStateNew        TransportState = "new"
	TransportStateConnecting TransportState = "connecting"
	TransportStateConnected  TransportState = "connected"
	TransportStateFailed     TransportState = "failed"
	TransportStateClosed     TransportState = "closed"
)

// Transport is a media transport handle created by the media router.
type Transport interface {
	ID() TransportID
	Consume(ctx context.Context, producerID ProducerID, caps RtpCapabilities) (Consumer, error)
	Close() error
	Closed() bool
}

// WebRtcTransport is an interactive ICE/DTLS transport shared with a browser.
type WebRtcTransport interface {
	Transport
	Options() TransportOptions
	Connect(ctx context.Context, params TransportConnectParams) error
	Produce(ctx context.Context, kind MediaKind, params RtpParameters) (Producer, error)
	OnStateChange(fn func(TransportState))
}

// PlainTransport sends plain RTP to a fixed local address, used for taps.
type PlainTransport interface {
	Transport
	Connect(ctx context.Context, ip string, port, rtcpPort int) error
}

type Producer interface {
	ID() ProducerID
	Kind() MediaKind
	RtpParameters() RtpParameters
	Close() error
	Closed() bool
}

type Consumer interface {
	ID() ConsumerID
	ProducerID() ProducerID
	Kind() MediaKind
	RtpParameters() RtpParameters
	Close() error
}

type ProcessExit struct {
	Code     int
	Err      error
	ExitedAt time.Time
}

// Crashed reports whether the process ended with an error or non-zero code.
func (e ProcessExit) Crashed() bool {
	return e.Err != nil || e.Code != 0
}

// TranscoderProcess is a running segmenter. Done is closed once it exits.
type TranscoderProcess interface {
	PID() int
	Stop() error
	Kill() error
	Done() <-chan struct{}
	Exit() ProcessExit
}
