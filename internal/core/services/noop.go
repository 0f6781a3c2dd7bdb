package services

import (
	"context"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
)

type noopMetrics struct{}

func (noopMetrics) PeerConnected()                   {}
func (noopMetrics) PeerDisconnected()                {}
func (noopMetrics) ProducerCreated(domain.MediaKind) {}
func (noopMetrics) ProducerClosed(domain.MediaKind)  {}
func (noopMetrics) ConsumerCreated()                 {}
func (noopMetrics) ConsumerClosed()                  {}
func (noopMetrics) HlsStreamStarted()                {}
func (noopMetrics) HlsStreamStopped()                {}
func (noopMetrics) HlsStartFailed(string)            {}
func (noopMetrics) SegmenterExited(string)           {}

func orNoopMetrics(m ports.MetricsRecorder) ports.MetricsRecorder {
	if m == nil {
		return noopMetrics{}
	}
	return m
}

type noopNotifier struct{}

func (noopNotifier) Broadcast(context.Context, domain.Event, domain.PeerID) {}

func orNoopNotifier(n ports.Notifier) ports.Notifier {
	if n == nil {
		return noopNotifier{}
	}
	return n
}
