package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/saintparish4/simplecall/pkg/netutil"
	"github.com/saintparish4/simplecall/pkg/types"
)

const (
	// DefaultRetries is the handshake retry budget.
	DefaultRetries = 10

	// DefaultProbeTimeout bounds each wait for a discovery probe.
	DefaultProbeTimeout = 200 * time.Millisecond

	// DefaultTickInterval is the pause after every handshake tick.
	DefaultTickInterval = 20 * time.Millisecond

	// DefaultBufferSize caps relayed datagrams; larger ones are truncated.
	DefaultBufferSize = 1024

	// DefaultPollInterval bounds each relay read so cancellation and idle
	// checks run even when no traffic flows.
	DefaultPollInterval = 200 * time.Millisecond

	// DefaultIdleTimeout ends a relay that carried no traffic in either direction.
	DefaultIdleTimeout = 2 * time.Minute

	// DefaultMaxSendFailures is how many consecutive forwarding failures in
	// one direction end the relay.
	DefaultMaxSendFailures = 50
)

var (
	// ErrDiscoveryTimeout means the retry budget ran out before both peers probed.
	ErrDiscoveryTimeout = errors.New("discovery timeout: peer UDP endpoints not received")

	// ErrRelaySendFailures means one relay direction kept failing to send.
	ErrRelaySendFailures = errors.New("relay: too many consecutive send failures")

	errRelayIdle = errors.New("relay idle")
)

// CallConfig holds the timing policy of a call coordinator.
type CallConfig struct {
	Retries      int
	ProbeTimeout time.Duration
	TickInterval time.Duration

	BufferSize      int
	PollInterval    time.Duration
	IdleTimeout     time.Duration // 0 disables
	MaxSendFailures int
}

// DefaultCallConfig returns the reference timing policy.
func DefaultCallConfig() CallConfig {
	return CallConfig{
		Retries:         DefaultRetries,
		ProbeTimeout:    DefaultProbeTimeout,
		TickInterval:    DefaultTickInterval,
		BufferSize:      DefaultBufferSize,
		PollInterval:    DefaultPollInterval,
		IdleTimeout:     DefaultIdleTimeout,
		MaxSendFailures: DefaultMaxSendFailures,
	}
}

// State names reported by Coordinator.State.
const (
	StateHandshakeBegin = "handshake_begin"
	StateHandshake      = "handshake"
	StateRelay          = "relay"
	StateFinished       = "finished"
	StateAborted        = "aborted"
)

// state is one variant of the coordinator state machine. Each variant owns
// the resources it needs; a transition hands them to the next variant.
type state interface {
	name() string
	close()
}

type handshakeBeginState struct {
	conns [2]Conn
}

type handshakeState struct {
	conns   [2]Conn
	sockets [2]*net.UDPConn
	peers   [2]*types.Endpoint // write-once
	retries int
}

type relayState struct {
	conns   [2]Conn
	sockets [2]*net.UDPConn
	peers   [2]types.Endpoint
}

type finishedState struct{}

func (*handshakeBeginState) name() string { return StateHandshakeBegin }
func (*handshakeState) name() string      { return StateHandshake }
func (*relayState) name() string          { return StateRelay }
func (finishedState) name() string        { return StateFinished }

func (s *handshakeBeginState) close() { closeConns(s.conns) }
func (s *handshakeState) close()      { closeConns(s.conns); closeSockets(s.sockets) }
func (s *relayState) close()          { closeConns(s.conns); closeSockets(s.sockets) }
func (finishedState) close()          {}

func closeConns(conns [2]Conn) {
	for _, c := range conns {
		if c != nil {
			c.Close()
		}
	}
}

func closeSockets(sockets [2]*net.UDPConn) {
	for _, s := range sockets {
		if s != nil {
			s.Close()
		}
	}
}

// Coordinator drives one paired call from port assignment through discovery
// to either address hand-off or relay. It exclusively owns both control
// channels and both UDP sockets.
type Coordinator struct {
	ID        uuid.UUID
	Settings  Settings
	StartedAt time.Time

	cfg    CallConfig
	logger zerolog.Logger
	state  state

	// NewSocket allocates the per-peer UDP sockets.
	NewSocket func() (*net.UDPConn, error)

	stateName atomic.Value // string
	packets   atomic.Uint64
	bytes     atomic.Uint64
}

// NewCoordinator creates a coordinator for two paired control channels.
func NewCoordinator(conn1, conn2 Conn, settings Settings, cfg CallConfig, logger zerolog.Logger) *Coordinator {
	id := uuid.New()
	c := &Coordinator{
		ID:        id,
		Settings:  settings,
		StartedAt: time.Now(),
		cfg:       cfg,
		logger:    logger.With().Str("session", id.String()).Bool("relay", settings.Relay).Logger(),
		state:     &handshakeBeginState{conns: [2]Conn{conn1, conn2}},
		NewSocket: netutil.NewUDPSocket,
	}
	c.stateName.Store(StateHandshakeBegin)
	return c
}

// State returns the name of the current state.
func (c *Coordinator) State() string {
	return c.stateName.Load().(string)
}

// Mode returns "relay" or "direct".
func (c *Coordinator) Mode() string {
	if c.Settings.Relay {
		return "relay"
	}
	return "direct"
}

// Forwarded returns the number of datagrams and bytes relayed so far.
func (c *Coordinator) Forwarded() (packets, bytes uint64) {
	return c.packets.Load(), c.bytes.Load()
}

// Run executes the state machine until it finishes or aborts. Every
// resource the coordinator owns is released before Run returns.
// Cancelling ctx ends the session and is not reported as an error.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info().Msg("call coordination started")

	for {
		if ctx.Err() != nil {
			c.state.close()
			c.setState(StateFinished)
			c.logger.Info().Msg("call coordination cancelled")
			return nil
		}

		var next state
		var err error

		switch s := c.state.(type) {
		case *handshakeBeginState:
			next, err = c.beginHandshake(s)
		case *handshakeState:
			next, err = c.stepHandshake(s)
			if err == nil {
				c.pause(ctx)
			}
		case *relayState:
			next, err = c.relay(ctx, s)
		case finishedState:
			c.logger.Info().Msg("call coordination finished")
			return nil
		default:
			panic(fmt.Sprintf("signaling: unknown coordinator state %T", s))
		}

		if err != nil {
			c.state.close()
			c.setState(StateAborted)
			c.logger.Error().Err(err).Msg("call coordination aborted")
			return err
		}

		c.state = next
		c.setState(next.name())
	}
}

func (c *Coordinator) setState(name string) {
	if c.State() != name {
		c.logger.Debug().Str("state", name).Msg("state transition")
	}
	c.stateName.Store(name)
}

func (c *Coordinator) pause(ctx context.Context) {
	t := time.NewTimer(c.cfg.TickInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// beginHandshake allocates one UDP socket per peer and tells each peer the
// port of its own socket.
func (c *Coordinator) beginHandshake(s *handshakeBeginState) (state, error) {
	next := &handshakeState{
		conns:   s.conns,
		retries: c.cfg.Retries,
	}

	for i := range next.sockets {
		sock, err := c.NewSocket()
		if err != nil {
			closeSockets(next.sockets)
			return nil, err
		}
		next.sockets[i] = sock
	}
	// From here on the handshake state owns the channels.
	c.state = next

	for i, conn := range next.conns {
		port := netutil.LocalPort(next.sockets[i])
		if _, err := conn.Write(EncodePartnerFound(port)); err != nil {
			return nil, types.NewTransportError("write_partner_found", i+1, err)
		}
		c.logger.Debug().Int("peer", i+1).Uint16("port", port).Msg("assigned UDP port")
	}

	return next, nil
}

// stepHandshake runs one discovery tick.
func (c *Coordinator) stepHandshake(s *handshakeState) (state, error) {
	s.retries--
	if s.retries <= 0 {
		return nil, ErrDiscoveryTimeout
	}

	for i, sock := range s.sockets {
		if s.peers[i] != nil {
			continue
		}
		ep, err := c.receiveProbe(sock)
		if err != nil {
			return nil, err
		}
		if ep != nil {
			s.peers[i] = ep
			c.logger.Info().Int("peer", i+1).Str("endpoint", ep.String()).Msg("peer endpoint discovered")
		}
	}

	if s.peers[0] == nil || s.peers[1] == nil {
		c.logger.Debug().Int("retries_left", s.retries).Msg("waiting for discovery probes")
		return s, nil
	}

	if c.Settings.Relay {
		return &relayState{
			conns:   s.conns,
			sockets: s.sockets,
			peers:   [2]types.Endpoint{*s.peers[0], *s.peers[1]},
		}, nil
	}

	// Cross delivery: each peer learns the other's endpoint.
	for i, conn := range s.conns {
		wire, err := s.peers[1-i].MarshalBinary()
		if err != nil {
			return nil, types.NewProtocolError("encode_endpoint", err)
		}
		if _, err := conn.Write(wire); err != nil {
			return nil, types.NewTransportError("write_peer_endpoint", i+1, err)
		}
	}
	c.logger.Info().
		Str("peer1", s.peers[0].String()).
		Str("peer2", s.peers[1].String()).
		Msg("peer endpoints exchanged")

	// The peers now talk directly; the coordinator leaves the data path.
	s.close()
	return finishedState{}, nil
}

// receiveProbe waits up to ProbeTimeout for a discovery datagram and returns
// its source endpoint, or nil if none arrived.
func (c *Coordinator) receiveProbe(sock *net.UDPConn) (*types.Endpoint, error) {
	if err := sock.SetReadDeadline(time.Now().Add(c.cfg.ProbeTimeout)); err != nil {
		return nil, fmt.Errorf("set probe deadline: %w", err)
	}

	// The probe is empty; any payload is discarded.
	var buf [1]byte
	_, from, err := sock.ReadFromUDP(buf[:])
	if err != nil {
		if netutil.IsTimeout(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("receive probe: %w", err)
	}

	ep, err := types.EndpointFromUDPAddr(from)
	if err != nil {
		return nil, types.NewProtocolError("latch_endpoint", err)
	}
	return &ep, nil
}
