package domain

import "errors"

var (
	ErrPeerNotFound      = errors.New("peer not found")
	ErrPeerExists        = errors.New("peer already exists")
	ErrPeerClosed        = errors.New("peer is closed")
	ErrTransportNotFound = errors.New("transport not found")
	ErrTransportExists   = errors.New("transport exists")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrCannotConsume     = errors.New("cannot consume producer")
	ErrStreamNotFound    = errors.New("hls stream not found")

	ErrInvalidKind           = errors.New("invalid media kind")
	ErrInvalidRtpParameters  = errors.New("invalid rtp parameters")
	ErrInvalidCapabilities   = errors.New("invalid rtp capabilities")
	ErrInvalidDtlsParameters = errors.New("invalid dtls parameters")

	ErrPortsExhausted = errors.New("no rtp ports available")

	ErrMediaEngine = errors.New("media engine error")

	ErrTranscoderSpawn  = errors.New("failed to start transcoder")
	ErrTranscoderExited = errors.New("transcoder exited")
)
