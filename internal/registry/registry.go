package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/convoline/relay-go/internal/bridge"
	"github.com/convoline/relay-go/internal/observe"
	"github.com/convoline/relay-go/internal/protocol"
	"github.com/convoline/relay-go/internal/state"
	"github.com/convoline/relay-go/pkg/logger"
)

// Options configures a Registry. Zero values fall back to defaults.
type Options struct {
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	StaleThreshold    time.Duration
	WriteTimeout      time.Duration
	ResumeWindow      time.Duration
	Capabilities      []string
	Codec             protocol.MessageCodec

	// Optional cross-instance bridge. NodeID distinguishes this process on
	// the shared channel.
	Bus    bridge.PubSub
	NodeID string
}

func (o *Options) withDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 60 * time.Second
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 300 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ResumeWindow <= 0 {
		o.ResumeWindow = 2 * time.Minute
	}
	if o.Codec == nil {
		o.Codec = &protocol.JSONCodec{}
	}
	if o.NodeID == "" {
		o.NodeID = uuid.New().String()
	}
	if o.Capabilities == nil {
		o.Capabilities = []string{"heartbeat", "resume", "broadcast"}
	}
}

type resumeEntry struct {
	identity Identity
	groupID  string
	expires  time.Time
	machine  *state.Machine // retained lifecycle view of the departed conn
}

type replayEntry struct {
	env *protocol.Envelope
	at  time.Time
}

const replayCap = 64

// Registry owns every live Conn. The primary table and the identity/group
// indexes are mutated only under mu; broadcast sends happen on snapshots
// taken under the read lock so a slow socket never blocks registry mutation.
type Registry struct {
	opts    Options
	factory *protocol.MessageFactory

	mu         sync.RWMutex
	conns      map[string]*Conn
	byIdentity map[Identity]map[string]*Conn
	byGroup    map[string]map[string]*Conn

	resumeMu  sync.Mutex
	resumable map[string]resumeEntry
	replay    map[string][]replayEntry

	pingSeq atomic.Int64

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	startMu sync.Mutex

	shutdownOnce sync.Once
}

func New(opts Options) *Registry {
	opts.withDefaults()
	return &Registry{
		opts:       opts,
		factory:    protocol.NewMessageFactory(),
		conns:      make(map[string]*Conn),
		byIdentity: make(map[Identity]map[string]*Conn),
		byGroup:    make(map[string]map[string]*Conn),
		resumable:  make(map[string]resumeEntry),
		replay:     make(map[string][]replayEntry),
		stopCh:     make(chan struct{}),
	}
}

// HeartbeatInterval exposes the configured interval for the handshake payload.
func (r *Registry) HeartbeatInterval() time.Duration { return r.opts.HeartbeatInterval }

// Factory returns the shared envelope factory.
func (r *Registry) Factory() *protocol.MessageFactory { return r.factory }

// Accept registers a new connection and emits the handshake envelope. The
// connection is inserted into every index before the handshake is sent, so a
// broadcast racing with accept can never miss a connection whose handshake
// the client has observed.
func (r *Registry) Accept(sock Socket, identity Identity, groupID string) (*Conn, error) {
	c := newConn(uuid.New().String(), identity, groupID, sock, r.opts.Codec, r.opts.WriteTimeout)

	r.mu.Lock()
	r.conns[c.id] = c
	r.indexLocked(c)
	r.mu.Unlock()

	if err := c.machine.Transition(state.Connected); err != nil {
		logger.L().Sugar().Errorw("accept_transition_failed", "conn", c.id, "err", err)
	}

	hello := r.factory.Established(c.id, r.opts.HeartbeatInterval, r.opts.Capabilities)
	if err := c.Send(hello); err != nil {
		// The client never saw an established session: discard without the
		// removal side effects (online gauge, resume state).
		r.discard(c)
		c.Close(protocol.CloseAbnormal, "handshake write failed")
		return nil, err
	}

	observe.AddOnline(1)
	logger.L().Sugar().Infow("conn_accepted",
		"conn", c.id, "identity", identity, "group", groupID, "remote", sock.RemoteAddr())
	return c, nil
}

// discard drops a connection whose handshake never completed. Unlike Remove
// it leaves the online gauge untouched and records nothing resumable.
func (r *Registry) discard(c *Conn) {
	r.mu.Lock()
	delete(r.conns, c.id)
	r.unindexLocked(c)
	r.mu.Unlock()
}

// Remove deregisters a connection from the primary table and both derived
// indexes atomically. Idempotent. The departed connection stays resumable
// for the configured window.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
		r.unindexLocked(c)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.resumeMu.Lock()
	r.resumable[connID] = resumeEntry{
		identity: c.identity,
		groupID:  c.GroupID(),
		expires:  time.Now().Add(r.opts.ResumeWindow),
		machine:  c.machine,
	}
	r.resumeMu.Unlock()

	observe.AddOnline(-1)
	logger.L().Sugar().Infow("conn_removed", "conn", connID, "identity", c.identity)
}

// Get returns a live connection by id.
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ByIdentity returns every live connection for an identity.
func (r *Registry) ByIdentity(identity Identity) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.byIdentity[identity]
	if !ok {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// GroupMembers returns every live connection in a group.
func (r *Registry) GroupMembers(groupID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.byGroup[groupID]
	if !ok {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// AssignGroup moves a connection into a group, reindexing it. Used by the
// flow-start handler and by resume restoration.
func (r *Registry) AssignGroup(c *Conn, groupID string) {
	r.mu.Lock()
	if _, live := r.conns[c.id]; live {
		r.unindexGroupLocked(c)
		c.setGroupID(groupID)
		r.indexGroupLocked(c)
	}
	r.mu.Unlock()
}

// BroadcastToGroup fans an envelope out to every group member concurrently,
// excluding excludeConnID if non-empty. Individual send failures are logged
// and do not abort the batch. The broadcast is also republished on the
// cross-instance bridge when one is attached.
func (r *Registry) BroadcastToGroup(groupID string, env *protocol.Envelope, excludeConnID string) {
	r.broadcastLocal(groupID, env, excludeConnID)

	if r.opts.Bus != nil {
		ev := &bridge.Event{Node: r.opts.NodeID, GroupID: groupID, Envelope: env}
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
		defer cancel()
		if err := r.opts.Bus.Publish(ctx, ev); err != nil {
			logger.L().Sugar().Warnw("bridge_publish_failed", "group", groupID, "err", err)
		}
	}
}

// SendToIdentity delivers an envelope to every connection of an identity with
// the same per-target error isolation as a group broadcast.
func (r *Registry) SendToIdentity(identity Identity, env *protocol.Envelope) {
	for _, c := range r.ByIdentity(identity) {
		go r.sendTo(c, env)
	}
}

func (r *Registry) broadcastLocal(groupID string, env *protocol.Envelope, excludeConnID string) {
	members := r.GroupMembers(groupID)
	for _, c := range members {
		if c.id == excludeConnID {
			continue
		}
		go r.sendTo(c, env)
	}
	r.bufferReplay(groupID, env)
}

func (r *Registry) sendTo(c *Conn, env *protocol.Envelope) {
	if err := c.Send(env); err != nil {
		observe.IncBroadcastFailure()
		logger.L().Sugar().Warnw("send_failed", "conn", c.id, "type", env.Type, "err", err)
	}
}

// StartBridge attaches the consume side of the cross-instance bridge. Remote
// broadcasts for any group are re-delivered locally; our own events are
// skipped by node id.
func (r *Registry) StartBridge(ctx context.Context) {
	if r.opts.Bus == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := r.opts.Bus.Consume(ctx, r.opts.NodeID, func(_ context.Context, ev *bridge.Event) error {
			if ev.Node == r.opts.NodeID || ev.Envelope == nil {
				return nil
			}
			r.broadcastLocal(ev.GroupID, ev.Envelope, "")
			return nil
		})
		if err != nil && ctx.Err() == nil {
			logger.L().Sugar().Errorw("bridge_consume_exit", "err", err)
		}
	}()
}

// StartBackgroundTasks launches the heartbeat and stale-sweep loops.
func (r *Registry) StartBackgroundTasks() {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.started {
		return
	}
	r.started = true

	r.wg.Add(2)
	go r.heartbeatLoop()
	go r.sweepLoop()
}

// StopBackgroundTasks cancels the heartbeat and sweep loops and waits for
// them to exit.
func (r *Registry) StopBackgroundTasks() {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if !r.started {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
	r.started = false
}

func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			env := r.factory.Ping(r.pingSeq.Add(1))
			for _, c := range r.snapshot() {
				go r.sendTo(c, env)
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.SweepOnce(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

// SweepOnce evicts every connection idle beyond the stale threshold and
// prunes expired resume state. Exposed for deterministic testing.
func (r *Registry) SweepOnce(now time.Time) {
	for _, c := range r.snapshot() {
		if c.IdleFor(now) > r.opts.StaleThreshold {
			logger.L().Sugar().Infow("conn_evicted", "conn", c.id, "idle", c.IdleFor(now))
			c.Close(protocol.CloseIdleTimeout, "idle timeout")
			r.Remove(c.id)
			observe.IncEviction()
		}
	}
	r.pruneResumeState(now)
}

// Shutdown stops background tasks, then closes and removes every live
// connection concurrently with a going-away code. Each connection is removed
// through Remove, which is idempotent, so a receive loop woken by the close
// racing its own Remove cannot double-count the online gauge.
func (r *Registry) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.StopBackgroundTasks()

		conns := r.snapshot()
		var wg sync.WaitGroup
		for _, c := range conns {
			wg.Add(1)
			go func(c *Conn) {
				defer wg.Done()
				c.Close(protocol.CloseGoingAway, "server shutting down")
				r.Remove(c.id)
			}(c)
		}
		wg.Wait()

		logger.L().Sugar().Infow("registry_shutdown", "closed", len(conns))
	})
}

func (r *Registry) snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// index maintenance, all under mu

func (r *Registry) indexLocked(c *Conn) {
	set, ok := r.byIdentity[c.identity]
	if !ok {
		set = make(map[string]*Conn)
		r.byIdentity[c.identity] = set
	}
	set[c.id] = c
	r.indexGroupLocked(c)
}

func (r *Registry) indexGroupLocked(c *Conn) {
	g := c.GroupID()
	if g == "" {
		return
	}
	set, ok := r.byGroup[g]
	if !ok {
		set = make(map[string]*Conn)
		r.byGroup[g] = set
	}
	set[c.id] = c
}

func (r *Registry) unindexLocked(c *Conn) {
	if set, ok := r.byIdentity[c.identity]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(r.byIdentity, c.identity)
		}
	}
	r.unindexGroupLocked(c)
}

func (r *Registry) unindexGroupLocked(c *Conn) {
	g := c.GroupID()
	if g == "" {
		return
	}
	if set, ok := r.byGroup[g]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(r.byGroup, g)
		}
	}
}
