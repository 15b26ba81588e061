package protocol

// EstablishedPayload is sent by the server immediately after accept. ServerTs
// lets the client compute its clock offset.
type EstablishedPayload struct {
	ConnectionID string   `json:"connection_id"`
	ServerTs     int64    `json:"server_ts"`
	Version      string   `json:"version"`
	HeartbeatMs  int64    `json:"heartbeat_ms"`
	Capabilities []string `json:"capabilities"`
}

// PingPayload is the server-initiated keepalive probe.
type PingPayload struct {
	Seq       int64 `json:"seq"`
	Timestamp int64 `json:"timestamp"`
}

// PongPayload reflects the ping timestamp back to the server.
type PongPayload struct {
	Seq       int64 `json:"seq"`
	Timestamp int64 `json:"timestamp"`
}

// ResumePayload reclaims continuity with a prior, now-dead connection.
type ResumePayload struct {
	PreviousConnectionID string `json:"previous_connection_id"`
	LastSeq              int64  `json:"last_seq"`
}

// ResumedPayload reports whether server-side state survived and how many
// buffered messages were replayed. Replay is best-effort only.
type ResumedPayload struct {
	StateValid bool `json:"state_valid"`
	Replayed   int  `json:"replayed"`
}

// ErrorPayload is the single shape of every error surfaced to a client.
type ErrorPayload struct {
	Code         string   `json:"code"`
	Category     Category `json:"category"`
	Message      string   `json:"message"`
	Recoverable  bool     `json:"recoverable"`
	RetryAfterMs int64    `json:"retry_after_ms,omitempty"`
}

// FlowStartPayload opens normal traffic after the handshake.
type FlowStartPayload struct {
	GroupID string `json:"group_id,omitempty"`
}

// ConversationMessagePayload is a domain message fanned out to a group.
type ConversationMessagePayload struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}
