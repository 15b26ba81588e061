package registry

import (
	"time"

	"github.com/convoline/relay-go/internal/observe"
	"github.com/convoline/relay-go/internal/protocol"
	"github.com/convoline/relay-go/internal/state"
	"github.com/convoline/relay-go/pkg/logger"
)

// Resume reclaims continuity for a freshly accepted connection from a prior,
// now-dead one. Returns whether server-side state was restored and how many
// buffered group messages were replayed. Replay is best-effort: the buffer is
// bounded and pruned by age, and nothing survives a process restart.
func (r *Registry) Resume(previousConnID string, c *Conn) (stateValid bool, replayed int) {
	now := time.Now()

	r.resumeMu.Lock()
	entry, ok := r.resumable[previousConnID]
	if ok {
		delete(r.resumable, previousConnID)
	}
	r.resumeMu.Unlock()

	if !ok {
		observe.IncResume("unknown")
		return false, 0
	}
	if now.After(entry.expires) {
		finalizeRetained(entry)
		observe.IncResume("expired")
		return false, 0
	}
	if entry.identity != c.identity {
		// A resume token presented by a different principal is not an error
		// the client can act on; treat it as unknown.
		observe.IncResume("unknown")
		logger.L().Sugar().Warnw("resume_identity_mismatch",
			"prev", previousConnID, "conn", c.id)
		return false, 0
	}

	if c.GroupID() == "" && entry.groupID != "" {
		r.AssignGroup(c, entry.groupID)
	}

	if g := c.GroupID(); g != "" {
		replayed = r.replayTo(c, g, now)
	}

	// The departed connection's retained view rejoins the session: its
	// machine leaves Reconnecting the moment the successor takes over.
	if entry.machine != nil && entry.machine.CanTransition(state.Active) {
		_ = entry.machine.Transition(state.Active)
	}

	observe.IncResume("restored")
	logger.L().Sugar().Infow("conn_resumed",
		"prev", previousConnID, "conn", c.id, "replayed", replayed)
	return true, replayed
}

// finalizeRetained closes out the lifecycle view of a departed connection
// whose resume window ended without a successor.
func finalizeRetained(entry resumeEntry) {
	if entry.machine != nil && entry.machine.CanTransition(state.Closed) {
		_ = entry.machine.Transition(state.Closed)
	}
}

func (r *Registry) bufferReplay(groupID string, env *protocol.Envelope) {
	r.resumeMu.Lock()
	buf := append(r.replay[groupID], replayEntry{env: env, at: time.Now()})
	if len(buf) > replayCap {
		buf = buf[len(buf)-replayCap:]
	}
	r.replay[groupID] = buf
	r.resumeMu.Unlock()
}

func (r *Registry) replayTo(c *Conn, groupID string, now time.Time) int {
	r.resumeMu.Lock()
	entries := append([]replayEntry(nil), r.replay[groupID]...)
	r.resumeMu.Unlock()

	n := 0
	for _, e := range entries {
		if now.Sub(e.at) > r.opts.ResumeWindow {
			continue
		}
		if err := c.Send(e.env); err != nil {
			break
		}
		n++
	}
	return n
}

func (r *Registry) pruneResumeState(now time.Time) {
	r.resumeMu.Lock()
	defer r.resumeMu.Unlock()
	for id, entry := range r.resumable {
		if now.After(entry.expires) {
			finalizeRetained(entry)
			delete(r.resumable, id)
		}
	}
	for g, buf := range r.replay {
		kept := buf[:0]
		for _, e := range buf {
			if now.Sub(e.at) <= r.opts.ResumeWindow {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.replay, g)
		} else {
			r.replay[g] = kept
		}
	}
}
