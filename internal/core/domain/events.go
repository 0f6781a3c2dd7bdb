package domain

// EventName is a server-initiated push sent to signaling clients.
type EventName string

const (
	EventConnected        EventName = "connected"
	EventNewProducer      EventName = "newProducer"
	EventPeerDisconnected EventName = "peerDisconnected"
	EventNewHlsStream     EventName = "newHlsStream"
	EventStreamRemoved    EventName = "streamRemoved"
)

type Event struct {
	Name EventName
	Data interface{}
}

type NewProducerPayload struct {
	SocketID   PeerID     `json:"socketId"`
	ProducerID ProducerID `json:"producerId"`
	Kind       MediaKind  `json:"kind"`
}

type PeerPayload struct {
	SocketID PeerID `json:"socketId"`
}

func NewProducerEvent(peerID PeerID, producerID ProducerID, kind MediaKind) Event {
	return Event{
		Name: EventNewProducer,
		Data: NewProducerPayload{SocketID: peerID, ProducerID: producerID, Kind: kind},
	}
}

func PeerDisconnectedEvent(peerID PeerID) Event {
	return Event{Name: EventPeerDisconnected, Data: PeerPayload{SocketID: peerID}}
}

func NewHlsStreamEvent(info HlsStreamInfo) Event {
	return Event{Name: EventNewHlsStream, Data: info}
}

func StreamRemovedEvent(id StreamID) Event {
	return Event{Name: EventStreamRemoved, Data: id}
}
