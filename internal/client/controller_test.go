package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/convoline/relay-go/internal/protocol"
	"github.com/convoline/relay-go/internal/registry"
	"github.com/convoline/relay-go/internal/router"
	"github.com/convoline/relay-go/internal/transport"
)

func startRelay(t *testing.T) (*registry.Registry, string) {
	t.Helper()
	reg := registry.New(registry.Options{
		HeartbeatInterval: time.Minute,
		SweepInterval:     time.Minute,
		StaleThreshold:    time.Hour,
		WriteTimeout:      time.Second,
		ResumeWindow:      time.Minute,
	})
	rt := router.New()
	transport.RegisterSystemHandlers(rt, reg, nil)
	srv := &transport.Server{Registry: reg, Router: rt, Codec: &protocol.JSONCodec{}}

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleConnection))
	t.Cleanup(ts.Close)
	return reg, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestRunReachesActiveAndDeliversTraffic(t *testing.T) {
	reg, wsURL := startRelay(t)

	received := make(chan *protocol.Envelope, 1)
	var states []State
	var mu sync.Mutex

	c := &Controller{
		URL:     wsURL,
		Token:   "alice",
		GroupID: "room",
		Backoff: BackoffConfig{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, MaxAttempts: 3},
		OnEnvelope: func(env *protocol.Envelope) {
			select {
			case received <- env:
			default:
			}
		},
		OnStateChange: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitState(t, c, Active)
	if reg.Count() != 1 {
		t.Fatalf("server should see one connection, got %d", reg.Count())
	}

	// Server-originated envelope reaches OnEnvelope.
	factory := reg.Factory()
	reg.BroadcastToGroup("room", factory.ConversationMessage("room", "server", "welcome"), "")

	select {
	case env := <-received:
		if env.Type != protocol.MsgConversationMessage {
			t.Fatalf("unexpected envelope type %s", env.Type)
		}
		var p protocol.ConversationMessagePayload
		_ = json.Unmarshal(env.Payload, &p)
		if p.Content != "welcome" {
			t.Fatalf("unexpected payload %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never delivered")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run after cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	saw := map[State]bool{}
	for _, s := range states {
		saw[s] = true
	}
	for _, want := range []State{Connecting, Connected, Active, Closed} {
		if !saw[want] {
			t.Fatalf("missing state %s in %v", want, states)
		}
	}
}

func TestRunResumesAfterServerDrop(t *testing.T) {
	reg, wsURL := startRelay(t)

	c := &Controller{
		URL:     wsURL,
		Token:   "alice",
		GroupID: "room",
		Backoff: BackoffConfig{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitState(t, c, Active)
	firstID := c.LastConnectionID()
	if firstID == "" {
		t.Fatal("no connection id after handshake")
	}

	// Kill the live connection with a recoverable code; the controller
	// must redial and resume under a fresh id.
	conn, ok := reg.Get(firstID)
	if !ok {
		t.Fatalf("server lost conn %s", firstID)
	}
	conn.Close(protocol.CloseServiceRestart, "rolling restart")
	reg.Remove(firstID)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if id := c.LastConnectionID(); id != "" && id != firstID && c.State() == Active {
			// Resume restored the group on the new server-side connection.
			if members := reg.GroupMembers("room"); len(members) == 1 && members[0].ID() == id {
				cancel()
				<-done
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("controller never resumed; still on %s in state %s", c.LastConnectionID(), c.State())
}

func TestRunStopsAtMaxAttempts(t *testing.T) {
	c := &Controller{
		URL:     "ws://127.0.0.1:1", // nothing listens here
		Backoff: BackoffConfig{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3},
	}
	err := c.Run(context.Background())
	if !errors.Is(err, ErrMaxAttempts) {
		t.Fatalf("expected ErrMaxAttempts, got %v", err)
	}
	if c.State() != Closed {
		t.Fatalf("expected Closed, got %s", c.State())
	}
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state %s never reached, stuck at %s", want, c.State())
}
