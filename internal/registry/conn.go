package registry

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/convoline/relay-go/internal/protocol"
	"github.com/convoline/relay-go/internal/state"
	"github.com/convoline/relay-go/pkg/logger"
)

// Identity is the opaque authenticated principal bound to a connection at
// accept time.
type Identity string

// Socket is the write side of one transport connection. Implementations must
// tolerate Close being called more than once.
type Socket interface {
	WriteMessage(data []byte, deadline time.Time) error
	Close(code int, reason string) error
	RemoteAddr() string
}

var ErrNotConnected = errors.New("connection is not in an open state")

// Conn is one live transport session. It is exclusively owned by the Registry
// that accepted it; other components interact with it through Send/Close and
// Registry-mediated calls only.
type Conn struct {
	id       string
	identity Identity
	machine  *state.Machine
	sock     Socket
	codec    protocol.MessageCodec

	writeTimeout time.Duration
	createdAt    time.Time

	groupMu sync.RWMutex
	groupID string

	lastActivity atomic.Int64 // unix nanos
	outboundSeq  atomic.Int64

	closeOnce sync.Once
}

func newConn(id string, identity Identity, groupID string, sock Socket, codec protocol.MessageCodec, writeTimeout time.Duration) *Conn {
	c := &Conn{
		id:           id,
		identity:     identity,
		groupID:      groupID,
		machine:      state.NewMachine(),
		sock:         sock,
		codec:        codec,
		writeTimeout: writeTimeout,
		createdAt:    time.Now(),
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

func (c *Conn) ID() string              { return c.id }
func (c *Conn) Identity() Identity      { return c.identity }
func (c *Conn) CreatedAt() time.Time    { return c.createdAt }
func (c *Conn) RemoteAddr() string      { return c.sock.RemoteAddr() }
func (c *Conn) State() state.State      { return c.machine.Current() }
func (c *Conn) Machine() *state.Machine { return c.machine }
func (c *Conn) OutboundSeq() int64      { return c.outboundSeq.Load() }

func (c *Conn) GroupID() string {
	c.groupMu.RLock()
	defer c.groupMu.RUnlock()
	return c.groupID
}

func (c *Conn) setGroupID(g string) {
	c.groupMu.Lock()
	c.groupID = g
	c.groupMu.Unlock()
}

// Touch records inbound activity. Called by the receive loop for every frame
// and by the pong handler.
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the instant of the most recent inbound frame.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// IdleFor returns how long the connection has been silent as of now.
func (c *Conn) IdleFor(now time.Time) time.Duration {
	return now.Sub(c.LastActivity())
}

// Send encodes the envelope and writes it with a bounded deadline. It fails
// with ErrNotConnected once the connection has begun closing.
func (c *Conn) Send(env *protocol.Envelope) error {
	switch c.machine.Current() {
	case state.Closing, state.Closed, state.Connecting, state.Reconnecting:
		return ErrNotConnected
	}
	var buf bytes.Buffer
	if err := c.codec.Encode(&buf, env); err != nil {
		return err
	}
	var deadline time.Time
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if err := c.sock.WriteMessage(buf.Bytes(), deadline); err != nil {
		return err
	}
	c.outboundSeq.Add(1)
	return nil
}

// Suspend tears the transport down after an abnormal drop while parking the
// lifecycle in Reconnecting, where the resume window can reclaim it. States
// with no Reconnecting edge fall through to a full close. Idempotent, and
// mutually exclusive with Close.
func (c *Conn) Suspend(code int, reason string) {
	c.closeOnce.Do(func() {
		if c.machine.CanTransition(state.Reconnecting) {
			_ = c.machine.Transition(state.Reconnecting)
		} else {
			c.finalize()
		}
		_ = c.sock.Close(code, reason)
	})
}

// Close tears the connection down. Idempotent: a second call is a no-op.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.finalize()
		_ = c.sock.Close(code, reason)
	})
}

func (c *Conn) finalize() {
	if c.machine.CanTransition(state.Closing) {
		_ = c.machine.Transition(state.Closing)
	}
	if err := c.machine.Transition(state.Closed); err != nil {
		// Closed is reachable from every non-terminal state via Closing;
		// a failure here is a machine-table bug.
		logger.L().Sugar().Errorw("close_transition_failed", "conn", c.id, "err", err)
	}
}
