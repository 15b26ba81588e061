package ratelimit

import (
	"github.com/convoline/relay-go/internal/observe"
	"github.com/convoline/relay-go/internal/protocol"
	"github.com/convoline/relay-go/internal/registry"
	"github.com/convoline/relay-go/internal/router"
	"github.com/convoline/relay-go/pkg/logger"
)

// Middleware returns a router middleware enforcing the limiter per identity.
// System-plane messages and any type in exempt pass unconditionally. On
// rejection the middleware short-circuits and sends the system.error itself;
// the handler never runs.
func Middleware(l *Limiter, exempt map[protocol.MessageType]bool) router.Middleware {
	factory := protocol.NewMessageFactory()
	return func(c *registry.Conn, env *protocol.Envelope, next func() error) error {
		if env.Type.SystemPlane() || exempt[env.Type] {
			return next()
		}
		key := string(c.Identity())
		if l.Check(key) {
			return next()
		}

		observe.IncRateLimited()
		retry := l.RetryAfter(key)
		logger.L().Sugar().Debugw("rate_limited", "conn", c.ID(), "identity", key, "retry", retry)
		perr := protocol.NewRateLimitError(retry.Milliseconds())
		if err := c.Send(factory.Error(perr)); err != nil {
			logger.L().Sugar().Warnw("rate_limit_reply_failed", "conn", c.ID(), "err", err)
		}
		return nil
	}
}
