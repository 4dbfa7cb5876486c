package matching

import "time"

// Outbound message types produced by the matching core.
const (
	TypeConnected           = "connected"
	TypeMatched             = "matched"
	TypeSkipped             = "skipped"
	TypePartnerDisconnected = "partner-disconnected"
)

// Message is anything that can be delivered to a connection. MessageType is
// the envelope type the client dispatches on.
type Message interface {
	MessageType() string
}

// Sender delivers messages to live connections without blocking. Send reports
// false when the connection is gone or its queue is full.
type Sender interface {
	Send(connID string, msg Message) bool
}

// Connected greets a new connection with its assigned id.
type Connected struct {
	ID string `json:"id"`
}

func (Connected) MessageType() string { return TypeConnected }

// Matched is sent only to the side that arrived last. Initiator is always
// true: the receiver of this event creates the WebRTC offer, the partner that
// was already waiting learns of the pair from that offer.
type Matched struct {
	PartnerID string `json:"partnerId"`
	Initiator bool   `json:"initiator"`
}

func (Matched) MessageType() string { return TypeMatched }

// Skipped tells the remaining side that its partner skipped.
type Skipped struct {
	PartnerID string `json:"partnerId"`
}

func (Skipped) MessageType() string { return TypeSkipped }

// PartnerDisconnected tells the remaining side that its partner went away.
type PartnerDisconnected struct {
	PartnerID string `json:"partnerId"`
}

func (PartnerDisconnected) MessageType() string { return TypePartnerDisconnected }

// LifecycleKind classifies LifecycleEvent.
type LifecycleKind string

const (
	KindMatched      LifecycleKind = "matched"
	KindUnpaired     LifecycleKind = "unpaired"
	KindDisconnected LifecycleKind = "disconnected"
)

// LifecycleEvent is published to an EventSink after each state transition
// that involves a pair or a connection leaving.
type LifecycleEvent struct {
	Kind      LifecycleKind `json:"kind"`
	ConnID    string        `json:"connId"`
	PartnerID string        `json:"partnerId,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	At        time.Time     `json:"at"`
}

// EventSink receives lifecycle events. Publish must not block.
type EventSink interface {
	Publish(LifecycleEvent)
}

type nopSink struct{}

func (nopSink) Publish(LifecycleEvent) {}
