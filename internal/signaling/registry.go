package signaling

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/saintparish4/simplecall/pkg/types"
)

// Conn is a control channel. *net.TCPConn and the WebSocket adapter both
// satisfy it.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// Waiter is a connection parked in a room until its partner arrives.
type Waiter struct {
	Conn     Conn
	Settings Settings
	Since    time.Time

	// watched is closed when the goroutine watching the parked connection
	// returns. Nil when nothing watches it.
	watched chan struct{}
}

// NewWaiter wraps a connection that just sent its join request.
func NewWaiter(conn Conn, settings Settings) *Waiter {
	return &Waiter{
		Conn:     conn,
		Settings: settings,
		Since:    time.Now(),
	}
}

// handOff stops the watcher of a waiter that was just paired and waits for
// it to return, so the coordinator becomes the only user of the connection.
// Connections without read deadlines cannot be interrupted; their watcher
// stays blocked until the coordinator closes them.
func (w *Waiter) handOff() {
	if w.watched == nil {
		return
	}
	dr, ok := w.Conn.(deadlineReader)
	if !ok {
		return
	}
	if err := dr.SetReadDeadline(time.Unix(1, 0)); err != nil {
		return
	}
	<-w.watched
	dr.SetReadDeadline(time.Time{})
}

// Outcome is the result of RegisterOrPair.
type Outcome struct {
	// Partner is nil when the caller was stored and is now waiting.
	Partner *Waiter
}

// Paired reports whether the caller was matched with a waiting partner.
func (o Outcome) Paired() bool {
	return o.Partner != nil
}

// RoomRegistry pairs connections that share a room token.
type RoomRegistry interface {
	RegisterOrPair(token RoomToken, w *Waiter) (Outcome, error)
	Withdraw(token RoomToken, w *Waiter) bool
}

// Registry maps room tokens to the single connection waiting in that room.
// Every lookup-then-mutate runs under one mutex, so each room pairs exactly once.
type Registry struct {
	rooms map[RoomToken]*Waiter
	mu    sync.Mutex

	// Counters, guarded by mu
	registered uint64
	paired     uint64
	expired    uint64
}

// NewRegistry creates an empty room registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[RoomToken]*Waiter),
	}
}

// RegisterOrPair announces WAITING_IN_ROOM to the caller and then either
// stores it under token or, if a connection is already waiting there,
// removes that connection and returns it as the partner.
//
// The waiting signal is written before the lock is taken so a slow client
// cannot stall other rooms; if it fails nothing is registered.
func (r *Registry) RegisterOrPair(token RoomToken, w *Waiter) (Outcome, error) {
	if _, err := w.Conn.Write([]byte{SignalWaitingInRoom}); err != nil {
		return Outcome{}, types.NewTransportError("write_waiting", 0, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.registered++

	if partner, exists := r.rooms[token]; exists {
		delete(r.rooms, token)
		r.paired++
		return Outcome{Partner: partner}, nil
	}

	r.rooms[token] = w
	return Outcome{}, nil
}

// Withdraw removes w from the room if it is still the one waiting there.
// Returns false if it was already paired or removed.
func (r *Registry) Withdraw(token RoomToken, w *Waiter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.rooms[token]; exists && current == w {
		delete(r.rooms, token)
		return true
	}
	return false
}

// waiting reports whether a connection is waiting under token.
func (r *Registry) waiting(token RoomToken) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.rooms[token]
	return exists
}

// Count returns the number of rooms with a waiting connection.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// CleanupStale closes and removes connections that have waited longer than
// maxWait. Returns the number removed.
func (r *Registry) CleanupStale(maxWait time.Duration) int {
	cutoff := time.Now().Add(-maxWait)

	r.mu.Lock()
	var stale []*Waiter
	for token, w := range r.rooms {
		if w.Since.Before(cutoff) {
			delete(r.rooms, token)
			stale = append(stale, w)
		}
	}
	r.expired += uint64(len(stale))
	r.mu.Unlock()

	// Close outside the lock
	for _, w := range stale {
		w.Conn.Close()
	}

	return len(stale)
}

// CloseAll closes and removes every waiting connection.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	waiters := make([]*Waiter, 0, len(r.rooms))
	for token, w := range r.rooms {
		delete(r.rooms, token)
		waiters = append(waiters, w)
	}
	r.mu.Unlock()

	for _, w := range waiters {
		w.Conn.Close()
	}
	return len(waiters)
}

// Stats returns registry statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RegistryStats{
		WaitingRooms: len(r.rooms),
		Registered:   r.registered,
		Paired:       r.paired,
		Expired:      r.expired,
	}
}

// RegistryStats contains registry statistics.
type RegistryStats struct {
	WaitingRooms int    `json:"waiting_rooms"`
	Registered   uint64 `json:"registered"`
	Paired       uint64 `json:"paired"`
	Expired      uint64 `json:"expired"`
}

func (s RegistryStats) String() string {
	return fmt.Sprintf("Waiting=%d, Registered=%d, Paired=%d, Expired=%d",
		s.WaitingRooms, s.Registered, s.Paired, s.Expired)
}
