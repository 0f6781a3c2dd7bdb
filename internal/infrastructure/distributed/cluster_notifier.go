package distributed

import (
	"context"
	"encoding/json"
	"fmt"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"go.uber.org/zap"
)

// ClusterNotifier delivers pushes to local peers and mirrors HLS stream
// announcements to other instances. Producer and peer events stay local
// because media is only reachable on the instance that owns it.
type ClusterNotifier struct {
	local     ports.Notifier
	publisher Publisher
	logger    *zap.SugaredLogger
}

var _ ports.Notifier = (*ClusterNotifier)(nil)

func NewClusterNotifier(local ports.Notifier, publisher Publisher, logger *zap.SugaredLogger) *ClusterNotifier {
	return &ClusterNotifier{
		local:     local,
		publisher: publisher,
		logger:    logger,
	}
}

func (n *ClusterNotifier) Broadcast(ctx context.Context, event domain.Event, except domain.PeerID) {
	n.local.Broadcast(ctx, event, except)

	remote, err := toClusterEvent(event)
	if err != nil {
		n.logger.Warnw("failed to encode cluster event", "event", event.Name, "error", err)
		return
	}
	if remote == nil {
		return
	}
	if err := n.publisher.Publish(ctx, remote); err != nil {
		n.logger.Warnw("failed to publish cluster event",
			"type", remote.Type,
			"stream_id", remote.StreamID,
			"error", err,
		)
	}
}

// HandleRemote relays an event from another instance to every local peer.
func (n *ClusterNotifier) HandleRemote(ctx context.Context, event *Event) error {
	switch event.Type {
	case EventHlsStarted:
		var info domain.HlsStreamInfo
		if err := json.Unmarshal(event.Payload, &info); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		n.local.Broadcast(ctx, domain.NewHlsStreamEvent(info), "")
	case EventHlsRemoved:
		n.local.Broadcast(ctx, domain.StreamRemovedEvent(event.StreamID), "")
	default:
		n.logger.Debugw("ignoring cluster event", "type", event.Type)
	}
	return nil
}

func toClusterEvent(event domain.Event) (*Event, error) {
	switch event.Name {
	case domain.EventNewHlsStream:
		info, ok := event.Data.(domain.HlsStreamInfo)
		if !ok {
			return nil, fmt.Errorf("unexpected payload %T", event.Data)
		}
		payload, err := json.Marshal(info)
		if err != nil {
			return nil, err
		}
		return &Event{Type: EventHlsStarted, StreamID: info.ID, Payload: payload}, nil
	case domain.EventStreamRemoved:
		id, ok := event.Data.(domain.StreamID)
		if !ok {
			return nil, fmt.Errorf("unexpected payload %T", event.Data)
		}
		return &Event{Type: EventHlsRemoved, StreamID: id}, nil
	}
	return nil, nil
}
