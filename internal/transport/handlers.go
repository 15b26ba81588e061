package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/convoline/relay-go/internal/observe"
	"github.com/convoline/relay-go/internal/protocol"
	"github.com/convoline/relay-go/internal/registry"
	"github.com/convoline/relay-go/internal/router"
	"github.com/convoline/relay-go/internal/state"
	"github.com/convoline/relay-go/pkg/logger"
)

// Submitter is the boundary to domain logic. Submit must return promptly;
// long-running work happens on the far side of this interface.
type Submitter interface {
	Submit(ctx context.Context, identity registry.Identity, env *protocol.Envelope) error
}

const submitTimeout = 5 * time.Second

// RegisterSystemHandlers binds the built-in system and control plane
// handlers plus the conversation fan-out. submit may be nil when no domain
// boundary is attached.
func RegisterSystemHandlers(rt *router.Router, reg *registry.Registry, submit Submitter) {
	factory := reg.Factory()

	rt.Register(protocol.MsgPong, router.HandlerFunc(func(c *registry.Conn, env *protocol.Envelope) error {
		c.Touch()
		observe.IncHeartbeat()
		return nil
	}))

	rt.Register(protocol.MsgPing, router.HandlerFunc(func(c *registry.Conn, env *protocol.Envelope) error {
		var p protocol.PingPayload
		_ = json.Unmarshal(env.Payload, &p)
		return c.Send(factory.Pong(p.Seq, p.Timestamp))
	}))

	rt.Register(protocol.MsgResume, router.HandlerFunc(func(c *registry.Conn, env *protocol.Envelope) error {
		var p protocol.ResumePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.PreviousConnectionID == "" {
			return protocol.NewValidationError("bad_resume", "resume payload missing previous connection id")
		}
		valid, replayed := reg.Resume(p.PreviousConnectionID, c)
		activate(c)
		return c.Send(factory.Resumed(valid, replayed))
	}))

	rt.Register(protocol.MsgFlowStart, router.HandlerFunc(func(c *registry.Conn, env *protocol.Envelope) error {
		var p protocol.FlowStartPayload
		_ = json.Unmarshal(env.Payload, &p)
		if p.GroupID != "" {
			reg.AssignGroup(c, p.GroupID)
		}
		activate(c)
		return nil
	}))

	rt.Register(protocol.MsgFlowPause, router.HandlerFunc(func(c *registry.Conn, env *protocol.Envelope) error {
		if err := c.Machine().Transition(state.Paused); err != nil {
			return protocol.NewBusinessError("not_active", "flow can only be paused while active")
		}
		return nil
	}))

	rt.Register(protocol.MsgFlowResume, router.HandlerFunc(func(c *registry.Conn, env *protocol.Envelope) error {
		if err := c.Machine().Transition(state.Active); err != nil {
			return protocol.NewBusinessError("not_paused", "flow is not paused")
		}
		return nil
	}))

	rt.Register(protocol.MsgConversationMessage, router.HandlerFunc(func(c *registry.Conn, env *protocol.Envelope) error {
		if c.State() != state.Active {
			return protocol.NewBusinessError("flow_not_started", "send control.flow.start before conversation traffic")
		}
		groupID := env.GroupID
		if groupID == "" {
			groupID = c.GroupID()
		}
		if groupID == "" {
			return protocol.NewBusinessError("no_group", "connection belongs to no conversation group")
		}

		var p protocol.ConversationMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return protocol.NewValidationError("bad_payload", "malformed conversation payload")
		}

		out := factory.ConversationMessage(groupID, string(c.Identity()), p.Content)
		reg.BroadcastToGroup(groupID, out, c.ID())

		if submit != nil {
			// Hand off asynchronously; domain latency must not stall the
			// receive loop.
			go func(identity registry.Identity, env *protocol.Envelope) {
				ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
				defer cancel()
				if err := submit.Submit(ctx, identity, env); err != nil {
					logger.L().Sugar().Warnw("domain_submit_failed", "type", env.Type, "err", err)
				}
			}(c.Identity(), env)
		}
		return nil
	}))
}

// activate moves a connection to Active from whichever handshake state it is
// in. Safe to call repeatedly.
func activate(c *registry.Conn) {
	if c.State() == state.Active {
		return
	}
	if c.Machine().CanTransition(state.Active) {
		_ = c.Machine().Transition(state.Active)
	}
}
