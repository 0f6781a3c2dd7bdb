package signal

import (
	"context"
	"encoding/json"

	"relaycast/internal/core/domain"
	apperrors "relaycast/pkg/errors"
	"relaycast/pkg/validation"
)

type handlerFunc func(ctx context.Context, peerID domain.PeerID, data json.RawMessage) (interface{}, error)

type handler struct {
	fn handlerFunc
	// plainError replies with the bare string "error" instead of {error}.
	plainError bool
}

const connectedReply = "connected"

func (s *Server) routes() map[string]handler {
	return map[string]handler{
		"getRouterRtpCapabilities": {fn: s.getRouterRtpCapabilities},
		"createWebRtcTransport":    {fn: s.createWebRtcTransport},
		"connectTransport":         {fn: s.connectTransport, plainError: true},
		"produce":                  {fn: s.produce},
		"createConsumerTransport":  {fn: s.createConsumerTransport},
		"connectConsumerTransport": {fn: s.connectConsumerTransport, plainError: true},
		"consume":                  {fn: s.consume},
		"getProducers":             {fn: s.getProducers},
		"consumeProducer":          {fn: s.consumeProducer},
		"getAvailableHlsStreams":   {fn: s.getAvailableHlsStreams},
		"getHlsStreamUrl":          {fn: s.getHlsStreamURL},
	}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return apperrors.NewInvalidInputError("missing request data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.NewInvalidInputError("invalid request data: " + err.Error())
	}
	return nil
}

func (s *Server) getRouterRtpCapabilities(ctx context.Context, peerID domain.PeerID, data json.RawMessage) (interface{}, error) {
	return s.services.Router.RtpCapabilities(), nil
}

func (s *Server) createWebRtcTransport(ctx context.Context, peerID domain.PeerID, data json.RawMessage) (interface{}, error) {
	return s.services.Transport.CreateProducerTransport(ctx, peerID)
}

func (s *Server) connectTransport(ctx context.Context, peerID domain.PeerID, data json.RawMessage) (interface{}, error) {
	var params domain.TransportConnectParams
	if err := decode(data, &params); err != nil {
		return nil, err
	}
	if err := validation.ValidateConnectParams(params); err != nil {
		return nil, err
	}
	if err := s.services.Transport.ConnectProducerTransport(ctx, peerID, params); err != nil {
		return nil, err
	}
	return connectedReply, nil
}

type produceRequest struct {
	Kind          domain.MediaKind     `json:"kind"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
}

type produceReply struct {
	ID domain.ProducerID `json:"id"`
}

func (s *Server) produce(ctx context.Context, peerID domain.PeerID, data json.RawMessage) (interface{}, error) {
	var req produceRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := validation.ValidateKind(req.Kind); err != nil {
		return nil, err
	}
	if err := validation.ValidateRtpParameters(req.Kind, req.RtpParameters); err != nil {
		return nil, err
	}

	result, err := s.services.Producer.CreateProducer(ctx, peerID, req.Kind, req.RtpParameters)
	if err != nil {
		return nil, err
	}
	return produceReply{ID: result.ProducerID}, nil
}

func (s *Server) createConsumerTransport(ctx context.Context, peerID domain.PeerID, data json.RawMessage) (interface{}, error) {
	return s.services.Transport.CreateConsumerTransport(ctx, peerID)
}

func (s *Server) connectConsumerTransport(ctx context.Context, peerID domain.PeerID, data json.RawMessage) (interface{}, error) {
	var params domain.TransportConnectParams
	if err := decode(data, &params); err != nil {
		return nil, err
	}
	if err := validation.ValidateConnectParams(params); err != nil {
		return nil, err
	}
	if err := s.services.Transport.ConnectConsumerTransport(ctx, peerID, params); err != nil {
		return nil, err
	}
	return connectedReply, nil
}

type consumeRequest struct {
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
}

func (s *Server) consume(ctx context.Context, peerID domain.PeerID, data json.RawMessage) (interface{}, error) {
	var req consumeRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := validation.ValidateRtpCapabilities(req.RtpCapabilities); err != nil {
		return nil, err
	}

	consumers, err := s.services.Consumer.CreateConsumers(ctx, peerID, req.RtpCapabilities)
	if err != nil {
		return nil, err
	}
	if consumers == nil {
		consumers = []domain.ConsumerInfo{}
	}
	return consumers, nil
}

func (s *Server) getProducers(ctx context.Context, peerID domain.PeerID, data json.RawMessage) (interface{}, error) {
	producers := s.services.Producer.GetAllProducers(ctx, peerID)
	if producers == nil {
		producers = []domain.ProducerInfo{}
	}
	return producers, nil
}

type consumeProducerRequest struct {
	ProducerID      domain.ProducerID      `json:"producerId"`
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
}

func (s *Server) consumeProducer(ctx context.Context, peerID domain.PeerID, data json.RawMessage) (interface{}, error) {
	var req consumeProducerRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := validation.ValidateProducerID(req.ProducerID); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateRtpCapabilities(req.RtpCapabilities); err != nil {
		return nil, err
	}
	return s.services.Consumer.CreateConsumerForProducer(ctx, peerID, req.ProducerID, req.RtpCapabilities)
}

type streamsReply struct {
	Streams []domain.HlsStreamInfo `json:"streams"`
}

func (s *Server) getAvailableHlsStreams(ctx context.Context, peerID domain.PeerID, data json.RawMessage) (interface{}, error) {
	streams, err := s.services.Hls.ListAvailableStreams(ctx)
	if err != nil {
		return nil, err
	}
	return streamsReply{Streams: streams}, nil
}

type streamURLRequest struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type streamURLReply struct {
	URL string `json:"url"`
}

func (s *Server) getHlsStreamURL(ctx context.Context, peerID domain.PeerID, data json.RawMessage) (interface{}, error) {
	var req streamURLRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := validation.ValidateProducerID(req.ProducerID); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	url, err := s.services.Hls.GetStreamURLForProducer(req.ProducerID)
	if err != nil {
		return nil, err
	}
	return streamURLReply{URL: url}, nil
}
