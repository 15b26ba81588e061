// Package transport accepts websocket upgrades, binds each socket to a
// registry connection, and runs the per-connection receive loop.
package transport

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/convoline/relay-go/internal/protocol"
	"github.com/convoline/relay-go/internal/registry"
	"github.com/convoline/relay-go/internal/router"
	"github.com/convoline/relay-go/internal/state"
	"github.com/convoline/relay-go/pkg/logger"
)

// VerifyFunc validates an upgrade token and yields the connection's identity.
// Called exactly once per accept.
type VerifyFunc func(token string) (registry.Identity, error)

// Server is the websocket front of the relay core.
type Server struct {
	Registry     *registry.Registry
	Router       *router.Router
	Verify       VerifyFunc
	Codec        protocol.MessageCodec
	Path         string // defaults to "/ws"
	MaxFrameSize int
}

// Start serves the upgrade endpoint on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	path := s.Path
	if path == "" {
		path = "/ws"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, s.HandleConnection)

	logger.L().Sugar().Infow("websocket_listen", "addr", addr, "path", s.Path)

	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return server.ListenAndServe()
}

// HandleConnection upgrades a single HTTP request and serves its receive
// loop until the socket ends. Exposed so callers can mount it on their own
// mux.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written its HTTP error response.
		logger.L().Sugar().Debugw("upgrade_failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	token := r.URL.Query().Get("token")
	groupID := r.URL.Query().Get("group")

	identity, err := s.verify(token)
	if err != nil {
		logger.L().Sugar().Warnw("auth_rejected", "remote", conn.RemoteAddr().String(), "err", err)
		msg := websocket.FormatCloseMessage(protocol.CloseAuthFailed, "authentication rejected")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	s.evictDuplicates(identity, groupID)

	sock := newWSSocket(conn)
	c, err := s.Registry.Accept(sock, identity, groupID)
	if err != nil {
		logger.L().Sugar().Warnw("accept_failed", "identity", identity, "err", err)
		_ = conn.Close()
		return
	}

	// Identity was established during the upgrade, so the connection is
	// authenticated as soon as it exists.
	if err := c.Machine().Transition(state.Authenticated); err != nil {
		logger.L().Sugar().Errorw("auth_transition_failed", "conn", c.ID(), "err", err)
	}

	s.readLoop(c, conn)
}

// readLoop processes one envelope fully, middleware chain included, before
// reading the next frame, preserving per-connection ordering. Decode
// failures answer with a system.error and keep the connection open; an
// abnormal transport failure ends the loop and suspends the connection so
// the resume window can reclaim it.
func (s *Server) readLoop(c *registry.Conn, conn *websocket.Conn) {
	factory := s.Registry.Factory()
	codec := s.codec()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			logger.L().Sugar().Infow("conn_read_end", "conn", c.ID(), "err", err)
			c.Suspend(protocol.CloseAbnormal, "read error")
			s.Registry.Remove(c.ID())
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		var env protocol.Envelope
		if err := codec.Decode(bytes.NewReader(data), &env, s.MaxFrameSize); err != nil {
			perr := protocol.NewValidationError("bad_envelope", err.Error())
			if sendErr := c.Send(factory.Error(perr)); sendErr != nil {
				logger.L().Sugar().Warnw("validation_reply_failed", "conn", c.ID(), "err", sendErr)
			}
			continue
		}

		c.Touch()
		s.Router.Route(c, &env)
	}
}

// codec never mutates the Server; HandleConnection may run concurrently on
// a caller-owned mux.
func (s *Server) codec() protocol.MessageCodec {
	if s.Codec != nil {
		return s.Codec
	}
	return &protocol.JSONCodec{}
}

func (s *Server) verify(token string) (registry.Identity, error) {
	if s.Verify != nil {
		return s.Verify(token)
	}
	if token == "" {
		return "anonymous", nil
	}
	return registry.Identity(token), nil
}

// evictDuplicates closes any live connection holding the same identity and
// group. The close is silent: the superseded client must not surface an
// error to its user.
func (s *Server) evictDuplicates(identity registry.Identity, groupID string) {
	if groupID == "" {
		return
	}
	for _, old := range s.Registry.ByIdentity(identity) {
		if old.GroupID() == groupID {
			logger.L().Sugar().Infow("duplicate_session_evicted", "conn", old.ID(), "identity", identity)
			old.Close(protocol.CloseDuplicateSession, "superseded by new session")
			s.Registry.Remove(old.ID())
		}
	}
}
