// Package holepunch opens the NAT mappings between two peers that have
// learned each other's public endpoints.
package holepunch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/saintparish4/simplecall/pkg/netutil"
)

const (
	// DefaultAttempts is the number of punch packets sent.
	DefaultAttempts = 10

	// DefaultInterval between punch packets.
	DefaultInterval = 200 * time.Millisecond

	// BufferSize for receiving UDP packets
	BufferSize = 1500
)

// PunchMessage is the payload of a punch packet.
var PunchMessage = []byte("PUNCH")

// ErrPunchTimeout is returned when nothing arrived from the peer before the
// attempts ran out.
var ErrPunchTimeout = errors.New("hole punch timeout")

// Config controls a punch.
type Config struct {
	Attempts int
	Interval time.Duration
}

// DefaultConfig returns the default punch configuration.
func DefaultConfig() Config {
	return Config{
		Attempts: DefaultAttempts,
		Interval: DefaultInterval,
	}
}

// IsPunch reports whether a received datagram is a punch packet.
func IsPunch(p []byte) bool {
	return bytes.Equal(p, PunchMessage)
}

// Punch sends punch packets to peer every Interval while listening on conn.
// It returns once any datagram from peer arrives; both sides must punch at
// roughly the same time. Datagrams from other sources are ignored.
//
// The datagram that completed the punch is returned when it is not itself a
// punch packet, so the caller does not lose the first payload.
func Punch(ctx context.Context, conn *net.UDPConn, peer *net.UDPAddr, cfg Config) ([]byte, error) {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	buf := make([]byte, BufferSize)

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if _, err := conn.WriteToUDP(PunchMessage, peer); err != nil {
			return nil, fmt.Errorf("failed to send punch: %w", err)
		}

		deadline := time.Now().Add(cfg.Interval)
		for {
			if err := conn.SetReadDeadline(deadline); err != nil {
				return nil, fmt.Errorf("failed to set read deadline: %w", err)
			}
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				if netutil.IsTimeout(err) {
					break
				}
				return nil, fmt.Errorf("failed to receive punch: %w", err)
			}
			if !sameEndpoint(from, peer) {
				continue
			}

			// One more punch so the peer is not left waiting on us.
			conn.WriteToUDP(PunchMessage, peer)
			conn.SetReadDeadline(time.Time{})

			if IsPunch(buf[:n]) {
				return nil, nil
			}
			return append([]byte(nil), buf[:n]...), nil
		}
	}

	conn.SetReadDeadline(time.Time{})
	return nil, fmt.Errorf("%w after %d attempts", ErrPunchTimeout, cfg.Attempts)
}

func sameEndpoint(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
