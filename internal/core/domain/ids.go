package domain

import "fmt"

type PeerID string
type TransportID string
type ProducerID string
type ConsumerID string
type StreamID string
type UserID string

// NewStreamID derives the HLS stream id for a producer. The same pair always
// yields the same id so a restart replaces the previous instance.
func NewStreamID(peerID PeerID, producerID ProducerID) StreamID {
	return StreamID(fmt.Sprintf("%s_%s", peerID, producerID))
}
