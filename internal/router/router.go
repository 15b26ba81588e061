// Package router maps envelope types to handlers through an ordered
// middleware chain. Dispatch is a pure function of envelope.Type.
package router

import (
	"errors"
	"sync"

	"github.com/convoline/relay-go/internal/observe"
	"github.com/convoline/relay-go/internal/protocol"
	"github.com/convoline/relay-go/internal/registry"
	"github.com/convoline/relay-go/pkg/logger"
)

// Handler processes one typed payload for a connection. Handlers hold no
// per-connection state; a single instance serves all connections
// concurrently.
type Handler interface {
	Process(c *registry.Conn, env *protocol.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *registry.Conn, env *protocol.Envelope) error

func (f HandlerFunc) Process(c *registry.Conn, env *protocol.Envelope) error {
	return f(c, env)
}

// Middleware wraps dispatch. Calling next() continues the chain; returning
// without calling it short-circuits, in which case the middleware is
// responsible for signaling rejection to the client itself.
type Middleware func(c *registry.Conn, env *protocol.Envelope, next func() error) error

// Router routes inbound envelopes. Register and Use are configuration-time
// operations; Route is called concurrently by every receive loop.
type Router struct {
	mu       sync.RWMutex
	handlers map[protocol.MessageType]Handler
	chain    []Middleware
	factory  *protocol.MessageFactory
}

func New() *Router {
	return &Router{
		handlers: make(map[protocol.MessageType]Handler),
		factory:  protocol.NewMessageFactory(),
	}
}

// Register binds a handler to a message type. Last registration wins; the
// replacement is logged, not an error.
func (r *Router) Register(t protocol.MessageType, h Handler) {
	r.mu.Lock()
	if _, exists := r.handlers[t]; exists {
		logger.L().Sugar().Warnw("handler_replaced", "type", t)
	}
	r.handlers[t] = h
	r.mu.Unlock()
}

// Use appends a middleware to the chain. Outermost-registered runs first.
func (r *Router) Use(mw Middleware) {
	r.mu.Lock()
	r.chain = append(r.chain, mw)
	r.mu.Unlock()
}

// Route dispatches one envelope through the middleware chain to its handler.
// An unknown type is logged and dropped: protocol extensions from newer
// peers must not be fatal. Handler errors and panics are converted into
// system.error replies and never propagate to the receive loop.
func (r *Router) Route(c *registry.Conn, env *protocol.Envelope) {
	observe.IncMessage(string(env.Type))

	r.mu.RLock()
	h, ok := r.handlers[env.Type]
	chain := r.chain
	r.mu.RUnlock()

	if !ok {
		logger.L().Sugar().Debugw("unroutable_type", "type", env.Type, "conn", c.ID())
		return
	}

	var run func(i int) error
	run = func(i int) error {
		if i < len(chain) {
			return chain[i](c, env, func() error { return run(i + 1) })
		}
		return r.invoke(h, c, env)
	}
	if err := run(0); err != nil {
		logger.L().Sugar().Warnw("middleware_error", "type", env.Type, "conn", c.ID(), "err", err)
	}
}

// invoke runs the handler, converting failures into a system.error reply so
// an otherwise-healthy connection's receive loop survives bad handlers.
func (r *Router) invoke(h Handler, c *registry.Conn, env *protocol.Envelope) error {
	defer func() {
		if rec := recover(); rec != nil {
			logger.L().Sugar().Errorw("handler_panic", "type", env.Type, "conn", c.ID(), "panic", rec)
			perr := protocol.NewServerError("internal", "internal error processing message")
			_ = c.Send(r.factory.Error(perr))
		}
	}()

	if err := h.Process(c, env); err != nil {
		var perr *protocol.Error
		if !errors.As(err, &perr) {
			perr = protocol.NewBusinessError("rejected", err.Error())
		}
		if sendErr := c.Send(r.factory.Error(perr)); sendErr != nil {
			logger.L().Sugar().Warnw("error_reply_failed", "conn", c.ID(), "err", sendErr)
		}
	}
	return nil
}
