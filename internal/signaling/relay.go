package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/simplecall/pkg/netutil"
	"github.com/saintparish4/simplecall/pkg/types"
)

// relay forwards datagrams between the two peers until the session goes
// idle or ctx is cancelled. Each direction blocks in a read bounded by
// PollInterval.
func (c *Coordinator) relay(ctx context.Context, s *relayState) (state, error) {
	c.logger.Info().
		Str("peer1", s.peers[0].String()).
		Str("peer2", s.peers[1].String()).
		Msg("relaying")

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.forward(gctx, s.sockets[0], s.sockets[1], s.peers[1], "1->2", &lastActivity)
	})
	g.Go(func() error {
		return c.forward(gctx, s.sockets[1], s.sockets[0], s.peers[0], "2->1", &lastActivity)
	})

	err := g.Wait()
	switch {
	case errors.Is(err, errRelayIdle):
		c.logger.Info().Dur("idle_timeout", c.cfg.IdleTimeout).Msg("relay idle, ending session")
	case err != nil && ctx.Err() == nil:
		return nil, err
	}

	s.close()
	return finishedState{}, nil
}

// forward copies datagrams arriving on src to the peer endpoint `to` via dst.
func (c *Coordinator) forward(ctx context.Context, src, dst *net.UDPConn, to types.Endpoint, dir string, lastActivity *atomic.Int64) error {
	buf := make([]byte, c.cfg.BufferSize)
	dest := to.UDPAddr()
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := src.SetReadDeadline(time.Now().Add(c.cfg.PollInterval)); err != nil {
			return fmt.Errorf("relay %s: set deadline: %w", dir, err)
		}

		// Datagrams larger than the buffer are truncated to it.
		n, _, err := src.ReadFromUDP(buf)
		if err != nil {
			if netutil.IsTimeout(err) {
				if c.idle(lastActivity) {
					return errRelayIdle
				}
				continue
			}
			return fmt.Errorf("relay %s: receive: %w", dir, err)
		}
		lastActivity.Store(time.Now().UnixNano())

		if _, err := dst.WriteToUDP(buf[:n], dest); err != nil {
			failures++
			c.logger.Warn().Err(err).Str("direction", dir).Int("consecutive_failures", failures).Msg("relay send failed")
			if c.cfg.MaxSendFailures > 0 && failures >= c.cfg.MaxSendFailures {
				return fmt.Errorf("relay %s: %w", dir, ErrRelaySendFailures)
			}
			continue
		}
		failures = 0

		c.packets.Add(1)
		c.bytes.Add(uint64(n))
		c.logger.Trace().Str("direction", dir).Int("size", n).Msg("relayed datagram")
	}
}

func (c *Coordinator) idle(lastActivity *atomic.Int64) bool {
	if c.cfg.IdleTimeout <= 0 {
		return false
	}
	last := time.Unix(0, lastActivity.Load())
	return time.Since(last) >= c.cfg.IdleTimeout
}
