package signaling

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionTracker keeps the set of running coordinators for the stats API.
// Coordinators never share state through it.
type SessionTracker struct {
	active map[uuid.UUID]*Coordinator
	mu     sync.RWMutex

	started  uint64
	finished uint64
	aborted  uint64
	relayed  uint64
}

// NewSessionTracker creates an empty tracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		active: make(map[uuid.UUID]*Coordinator),
	}
}

// Add records a coordinator as running.
func (t *SessionTracker) Add(c *Coordinator) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[c.ID] = c
	t.started++
	if c.Settings.Relay {
		t.relayed++
	}
}

// Done removes a coordinator, counting it as aborted when err is non-nil.
func (t *SessionTracker) Done(c *Coordinator, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.active, c.ID)
	if err != nil {
		t.aborted++
	} else {
		t.finished++
	}
}

// Count returns the number of running sessions.
func (t *SessionTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

// SessionInfo describes a running session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Mode      string    `json:"mode"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Packets   uint64    `json:"packets"`
	Bytes     uint64    `json:"bytes"`
}

// List returns a snapshot of running sessions, oldest first.
func (t *SessionTracker) List() []SessionInfo {
	t.mu.RLock()
	infos := make([]SessionInfo, 0, len(t.active))
	for _, c := range t.active {
		packets, bytes := c.Forwarded()
		infos = append(infos, SessionInfo{
			ID:        c.ID.String(),
			Mode:      c.Mode(),
			State:     c.State(),
			StartedAt: c.StartedAt,
			Packets:   packets,
			Bytes:     bytes,
		})
	}
	t.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// SessionStats contains session counters.
type SessionStats struct {
	Active   int    `json:"active"`
	Started  uint64 `json:"started"`
	Finished uint64 `json:"finished"`
	Aborted  uint64 `json:"aborted"`
	Relayed  uint64 `json:"relayed"`
}

// Stats returns session counters.
func (t *SessionTracker) Stats() SessionStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return SessionStats{
		Active:   len(t.active),
		Started:  t.started,
		Finished: t.finished,
		Aborted:  t.aborted,
		Relayed:  t.relayed,
	}
}
