package ratelimit

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/convoline/relay-go/internal/protocol"
	"github.com/convoline/relay-go/internal/registry"
	"github.com/convoline/relay-go/internal/router"
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

func (s *fakeSocket) lastType(t *testing.T) protocol.MessageType {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		t.Fatalf("no frames written")
	}
	var env protocol.Envelope
	codec := &protocol.JSONCodec{}
	if err := codec.Decode(bytes.NewReader(s.frames[len(s.frames)-1]), &env, 0); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env.Type
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

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	reg := registry.New(registry.Options{WriteTimeout: time.Second})
	sock := &fakeSocket{}
	c, err := reg.Accept(sock, "alice", "")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	rt := router.New()
	handled := 0
	rt.Use(Middleware(NewLimiter(time.Minute, 2), nil))
	rt.Register("conversation.message", router.HandlerFunc(func(c *registry.Conn, env *protocol.Envelope) error {
		handled++
		return nil
	}))

	for i := 0; i < 3; i++ {
		rt.Route(c, clientEnvelope("conversation.message"))
	}

	if handled != 2 {
		t.Fatalf("expected 2 handled messages, got %d", handled)
	}
	if got := sock.lastType(t); got != protocol.MsgError {
		t.Fatalf("expected system.error on rejection, got %s", got)
	}
}

func TestMiddlewareExemptsSystemPlane(t *testing.T) {
	reg := registry.New(registry.Options{WriteTimeout: time.Second})
	c, err := reg.Accept(&fakeSocket{}, "alice", "")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	rt := router.New()
	handled := 0
	rt.Use(Middleware(NewLimiter(time.Minute, 1), nil))
	rt.Register(protocol.MsgPong, router.HandlerFunc(func(c *registry.Conn, env *protocol.Envelope) error {
		handled++
		return nil
	}))

	for i := 0; i < 5; i++ {
		rt.Route(c, clientEnvelope(protocol.MsgPong))
	}
	if handled != 5 {
		t.Fatalf("system-plane messages must be exempt, handled %d of 5", handled)
	}
}
