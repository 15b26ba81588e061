package protocol

import "encoding/json"

// Version is the protocol version stamped on every server-originated envelope.
const Version = "1.0"

// Origin identifies which side of the connection produced an envelope.
type Origin string

const (
	OriginClient Origin = "client"
	OriginServer Origin = "server"
)

// MessageType is the hierarchical routing key of an envelope,
// shaped as plane.category.action (e.g. "system.ping").
type MessageType string

const (
	MsgPing        MessageType = "system.ping"
	MsgPong        MessageType = "system.pong"
	MsgError       MessageType = "system.error"
	MsgEstablished MessageType = "system.connection.established"
	MsgResume      MessageType = "system.connection.resume"
	MsgResumed     MessageType = "system.connection.resumed"

	MsgFlowStart  MessageType = "control.flow.start"
	MsgFlowPause  MessageType = "control.flow.pause"
	MsgFlowResume MessageType = "control.flow.resume"

	MsgConversationMessage MessageType = "conversation.message"
	MsgConversationEvent   MessageType = "conversation.event"
)

// SystemPlane reports whether a message type belongs to the system plane.
// System-plane traffic is exempt from admission control.
func (t MessageType) SystemPlane() bool {
	return len(t) > 7 && t[:7] == "system."
}

// Envelope is the unit of wire exchange. The header carries routing and
// reliability concerns; Payload is opaque to the router and decoded only by
// the handler registered for Type.
//
// One frame carries exactly one Envelope. Decoders ignore unknown fields so
// the header can grow without breaking older peers.
type Envelope struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	Version string      `json:"version"`
	Ts      int64       `json:"ts"` // unix ms
	Origin  Origin      `json:"origin"`
	GroupID string      `json:"group_id,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the required header fields. It does not inspect Payload.
func (e *Envelope) Validate() error {
	switch {
	case e.ID == "":
		return ErrMissingField("id")
	case e.Type == "":
		return ErrMissingField("type")
	case e.Version == "":
		return ErrMissingField("version")
	case e.Ts == 0:
		return ErrMissingField("ts")
	case e.Origin != OriginClient && e.Origin != OriginServer:
		return ErrMissingField("origin")
	}
	return nil
}
