package router

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/convoline/relay-go/internal/protocol"
	"github.com/convoline/relay-go/internal/registry"
)

type fakeSocket struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *fakeSocket) WriteMessage(b []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error { return nil }
func (s *fakeSocket) RemoteAddr() string                  { return "test:0" }

func (s *fakeSocket) types(t *testing.T) []protocol.MessageType {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	codec := &protocol.JSONCodec{}
	out := make([]protocol.MessageType, 0, len(s.frames))
	for _, f := range s.frames {
		var env protocol.Envelope
		if err := codec.Decode(bytes.NewReader(f), &env, 0); err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, env.Type)
	}
	return out
}

func testConn(t *testing.T) (*registry.Conn, *fakeSocket) {
	t.Helper()
	reg := registry.New(registry.Options{WriteTimeout: time.Second})
	sock := &fakeSocket{}
	c, err := reg.Accept(sock, "alice", "")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return c, sock
}

func clientEnvelope(t protocol.MessageType) *protocol.Envelope {
	return &protocol.Envelope{
		ID:      "m1",
		Type:    t,
		Version: protocol.Version,
		Ts:      time.Now().UnixMilli(),
		Origin:  protocol.OriginClient,
	}
}

func TestMiddlewareOrderAndHandler(t *testing.T) {
	r := New()
	c, _ := testConn(t)

	var order []string
	r.Use(func(c *registry.Conn, env *protocol.Envelope, next func() error) error {
		order = append(order, "outer")
		return next()
	})
	r.Use(func(c *registry.Conn, env *protocol.Envelope, next func() error) error {
		order = append(order, "inner")
		return next()
	})
	r.Register("conversation.message", HandlerFunc(func(c *registry.Conn, env *protocol.Envelope) error {
		order = append(order, "handler")
		return nil
	}))

	r.Route(c, clientEnvelope("conversation.message"))

	want := []string{"outer", "inner", "handler"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestMiddlewareShortCircuit(t *testing.T) {
	r := New()
	c, _ := testConn(t)

	invoked := false
	r.Use(func(c *registry.Conn, env *protocol.Envelope, next func() error) error {
		return nil // reject without calling next
	})
	r.Register("conversation.message", HandlerFunc(func(c *registry.Conn, env *protocol.Envelope) error {
		invoked = true
		return nil
	}))

	r.Route(c, clientEnvelope("conversation.message"))
	if invoked {
		t.Fatalf("handler must not run after middleware short-circuit")
	}
}

func TestUnknownTypeIsNotFatal(t *testing.T) {
	r := New()
	c, sock := testConn(t)

	r.Route(c, clientEnvelope("future.extension.op")) // no handler registered

	// Only the handshake frame; no implicit error response.
	if got := sock.types(t); len(got) != 1 {
		t.Fatalf("unexpected frames for unknown type: %v", got)
	}
}

func TestHandlerErrorBecomesSystemError(t *testing.T) {
	r := New()
	c, sock := testConn(t)

	r.Register("conversation.message", HandlerFunc(func(c *registry.Conn, env *protocol.Envelope) error {
		return errors.New("not allowed in this conversation state")
	}))
	r.Route(c, clientEnvelope("conversation.message"))

	types := sock.types(t)
	if len(types) != 2 || types[1] != protocol.MsgError {
		t.Fatalf("expected system.error reply, got %v", types)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	r := New()
	c, sock := testConn(t)

	r.Register("conversation.message", HandlerFunc(func(c *registry.Conn, env *protocol.Envelope) error {
		panic("boom")
	}))
	r.Route(c, clientEnvelope("conversation.message")) // must not propagate

	types := sock.types(t)
	if len(types) != 2 || types[1] != protocol.MsgError {
		t.Fatalf("expected system.error reply after panic, got %v", types)
	}
}

func TestRegisterOverwrites(t *testing.T) {
	r := New()
	c, _ := testConn(t)

	var hit string
	r.Register("x.y.z", HandlerFunc(func(c *registry.Conn, env *protocol.Envelope) error {
		hit = "first"
		return nil
	}))
	r.Register("x.y.z", HandlerFunc(func(c *registry.Conn, env *protocol.Envelope) error {
		hit = "second"
		return nil
	}))

	r.Route(c, clientEnvelope("x.y.z"))
	if hit != "second" {
		t.Fatalf("last registration must win, got %q", hit)
	}
}
