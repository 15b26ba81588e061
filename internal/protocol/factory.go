package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageFactory creates server-originated envelopes with a fresh id and
// timestamp, keeping envelope construction in one place.
type MessageFactory struct {
	version string
}

func NewMessageFactory() *MessageFactory {
	return &MessageFactory{version: Version}
}

func (f *MessageFactory) newEnvelope(t MessageType, payload any) *Envelope {
	data, _ := json.Marshal(payload)
	return &Envelope{
		ID:      uuid.New().String(),
		Type:    t,
		Version: f.version,
		Ts:      time.Now().UnixMilli(),
		Origin:  OriginServer,
		Payload: data,
	}
}

func (f *MessageFactory) Established(connID string, heartbeat time.Duration, capabilities []string) *Envelope {
	return f.newEnvelope(MsgEstablished, &EstablishedPayload{
		ConnectionID: connID,
		ServerTs:     time.Now().UnixMilli(),
		Version:      f.version,
		HeartbeatMs:  heartbeat.Milliseconds(),
		Capabilities: capabilities,
	})
}

func (f *MessageFactory) Ping(seq int64) *Envelope {
	return f.newEnvelope(MsgPing, &PingPayload{Seq: seq, Timestamp: time.Now().UnixMilli()})
}

func (f *MessageFactory) Pong(seq, timestamp int64) *Envelope {
	return f.newEnvelope(MsgPong, &PongPayload{Seq: seq, Timestamp: timestamp})
}

func (f *MessageFactory) Resumed(stateValid bool, replayed int) *Envelope {
	return f.newEnvelope(MsgResumed, &ResumedPayload{StateValid: stateValid, Replayed: replayed})
}

func (f *MessageFactory) Error(perr *Error) *Envelope {
	return f.newEnvelope(MsgError, perr.Payload())
}

func (f *MessageFactory) ConversationMessage(groupID, sender, content string) *Envelope {
	env := f.newEnvelope(MsgConversationMessage, &ConversationMessagePayload{
		Sender:  sender,
		Content: content,
	})
	env.GroupID = groupID
	return env
}
