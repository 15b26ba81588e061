// Package client implements the connecting side of the relay protocol:
// dialing, the handshake, heartbeat replies, and automatic reconnection
// with session resume.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/convoline/relay-go/internal/protocol"
	"github.com/convoline/relay-go/pkg/logger"
)

// State tracks the controller's lifecycle. It mirrors the server-side
// connection machine from the client's point of view.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Active
	Reconnecting
	Closed
)

var stateNames = map[State]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Connected:    "connected",
	Active:       "active",
	Reconnecting: "reconnecting",
	Closed:       "closed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// ErrMaxAttempts is returned by Run when the reconnect budget is spent.
var ErrMaxAttempts = errors.New("reconnect attempts exhausted")

// Controller dials a relay server and keeps the session alive across
// transport failures. Recoverable closes trigger exponential-backoff
// redials that attempt to resume the previous session; terminal closes
// end Run.
type Controller struct {
	URL     string
	Token   string
	GroupID string
	Backoff BackoffConfig

	// OnEnvelope receives every non-system envelope. Called from the read
	// goroutine; it must not block.
	OnEnvelope func(*protocol.Envelope)

	// OnStateChange, when set, observes lifecycle transitions.
	OnStateChange func(State)

	Dialer *websocket.Dialer
	Codec  protocol.MessageCodec

	mu         sync.Mutex
	state      State
	lastConnID string
	conn       *websocket.Conn
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetGroup changes the group used for future envelopes and redials. Safe
// to call while Run is live.
func (c *Controller) SetGroup(groupID string) {
	c.mu.Lock()
	c.GroupID = groupID
	c.mu.Unlock()
}

func (c *Controller) group() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.GroupID
}

// LastConnectionID returns the server-assigned id of the most recent
// established session, empty before the first handshake.
func (c *Controller) LastConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastConnID
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	cb := c.OnStateChange
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Send encodes and writes an envelope on the live connection.
func (c *Controller) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	var buf bytes.Buffer
	if err := c.codec().Encode(&buf, env); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// SendMessage wraps a payload in a client envelope and sends it.
func (c *Controller) SendMessage(msgType protocol.MessageType, payload any) error {
	env, err := c.newEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// Run dials and serves the session until ctx is cancelled, the server
// closes terminally, or the reconnect budget is exhausted. It blocks.
func (c *Controller) Run(ctx context.Context) error {
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = DefaultBackoff()
	}
	attempt := 0
	for {
		if attempt == 0 {
			c.setState(Connecting)
		} else {
			c.setState(Reconnecting)
		}

		conn, err := c.dial(ctx)
		if err != nil {
			logger.L().Sugar().Warnw("dial_failed", "url", c.URL, "attempt", attempt, "err", err)
			if done, werr := c.waitRetry(ctx, &attempt); done {
				c.setState(Closed)
				return werr
			}
			continue
		}

		recoverable, err := c.session(ctx, conn, &attempt)
		if ctx.Err() != nil {
			c.setState(Closed)
			return nil
		}
		if !recoverable {
			c.setState(Closed)
			return err
		}
		logger.L().Sugar().Infow("session_lost", "err", err)
		if done, werr := c.waitRetry(ctx, &attempt); done {
			c.setState(Closed)
			return werr
		}
	}
}

// waitRetry sleeps out the backoff delay for the current attempt. It
// returns done=true when the budget is spent or ctx ends.
func (c *Controller) waitRetry(ctx context.Context, attempt *int) (done bool, err error) {
	if c.Backoff.MaxAttempts > 0 && *attempt >= c.Backoff.MaxAttempts-1 {
		return true, ErrMaxAttempts
	}
	delay := c.Backoff.Delay(*attempt)
	*attempt++
	select {
	case <-ctx.Done():
		return true, nil
	case <-time.After(delay):
		return false, nil
	}
}

// session runs one connected lifetime: handshake, optional resume, then
// the read loop. recoverable reports whether a redial should follow. The
// attempt counter resets once the handshake lands so a long-lived session
// earns back its full reconnect budget.
func (c *Controller) session(ctx context.Context, conn *websocket.Conn, attempt *int) (recoverable bool, err error) {
	c.mu.Lock()
	c.conn = conn
	prevID := c.lastConnID
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	c.setState(Connected)

	env, err := c.readEnvelope(conn)
	if err != nil {
		return c.classify(err)
	}
	if env.Type != protocol.MsgEstablished {
		return false, errors.New("handshake: expected connection.established")
	}
	var hello protocol.EstablishedPayload
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		return false, err
	}
	c.mu.Lock()
	c.lastConnID = hello.ConnectionID
	c.mu.Unlock()

	// A held connection id means this session replaces a dropped one; ask
	// the server to splice the old state in before any normal traffic.
	if prevID != "" {
		if err := c.SendMessage(protocol.MsgResume, &protocol.ResumePayload{PreviousConnectionID: prevID}); err != nil {
			return c.classify(err)
		}
	} else if err := c.SendMessage(protocol.MsgFlowStart, &protocol.FlowStartPayload{GroupID: c.group()}); err != nil {
		return c.classify(err)
	}

	c.setState(Active)
	*attempt = 0
	logger.L().Sugar().Infow("session_established", "conn", hello.ConnectionID, "resumed_from", prevID)

	// Watch ctx so a cancel unblocks the read below.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		env, err := c.readEnvelope(conn)
		if err != nil {
			return c.classify(err)
		}
		c.handle(env)
	}
}

func (c *Controller) handle(env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgPing:
		var p protocol.PingPayload
		_ = json.Unmarshal(env.Payload, &p)
		if err := c.SendMessage(protocol.MsgPong, &protocol.PongPayload{Seq: p.Seq, Timestamp: p.Timestamp}); err != nil {
			logger.L().Sugar().Warnw("pong_failed", "err", err)
		}
	case protocol.MsgResumed:
		var p protocol.ResumedPayload
		_ = json.Unmarshal(env.Payload, &p)
		logger.L().Sugar().Infow("session_resumed", "state_valid", p.StateValid, "replayed", p.Replayed)
		if !p.StateValid {
			// Old state is gone; start a fresh flow instead.
			if err := c.SendMessage(protocol.MsgFlowStart, &protocol.FlowStartPayload{GroupID: c.group()}); err != nil {
				logger.L().Sugar().Warnw("flow_restart_failed", "err", err)
			}
		}
	case protocol.MsgError:
		var p protocol.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		logger.L().Sugar().Warnw("server_error", "code", p.Code, "category", p.Category, "message", p.Message)
		if c.OnEnvelope != nil {
			c.OnEnvelope(env)
		}
	default:
		if c.OnEnvelope != nil {
			c.OnEnvelope(env)
		}
	}
}

// classify maps a read/write failure to the retry decision. Clean and
// silent closes end the controller; everything else is treated as a
// transport fault worth redialing.
func (c *Controller) classify(err error) (recoverable bool, out error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if protocol.IsSilentClose(closeErr.Code) {
			return false, nil
		}
		if !protocol.IsRecoverableClose(closeErr.Code) {
			return false, err
		}
		return true, err
	}
	// No close frame: the transport dropped out from under us (1006-like).
	return true, err
}

func (c *Controller) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if c.Token != "" {
		q.Set("token", c.Token)
	}
	if g := c.group(); g != "" {
		q.Set("group", g)
	}
	u.RawQuery = q.Encode()

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	return conn, err
}

func (c *Controller) readEnvelope(conn *websocket.Conn) (*protocol.Envelope, error) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		var env protocol.Envelope
		if err := c.codec().Decode(bytes.NewReader(data), &env, 0); err != nil {
			logger.L().Sugar().Warnw("bad_server_envelope", "err", err)
			continue
		}
		return &env, nil
	}
}

func (c *Controller) codec() protocol.MessageCodec {
	if c.Codec != nil {
		return c.Codec
	}
	return &protocol.JSONCodec{}
}

func (c *Controller) newEnvelope(msgType protocol.MessageType, payload any) (*protocol.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &protocol.Envelope{
		ID:      uuid.New().String(),
		Type:    msgType,
		Version: protocol.Version,
		Ts:      time.Now().UnixMilli(),
		Origin:  protocol.OriginClient,
		GroupID: c.group(),
		Payload: data,
	}, nil
}
