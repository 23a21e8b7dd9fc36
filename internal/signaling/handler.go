package signaling

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/saintparish4/simplecall/pkg/netutil"
)

const (
	// DefaultTokenTimeout bounds how long a new connection may take to send its token.
	DefaultTokenTimeout = 30 * time.Second

	// DefaultSettingsTimeout is how long to wait for the optional settings byte.
	DefaultSettingsTimeout = 250 * time.Millisecond
)

// Handler accepts control connections: it reads the join request, hands the
// connection to the registry and, once paired, runs the call coordinator.
type Handler struct {
	registry RoomRegistry
	sessions *SessionTracker

	// Configuration
	Call            CallConfig
	TokenTimeout    time.Duration
	SettingsTimeout time.Duration

	Logger zerolog.Logger
}

// NewHandler creates a connection handler.
func NewHandler(registry RoomRegistry, sessions *SessionTracker, logger zerolog.Logger) *Handler {
	return &Handler{
		registry:        registry,
		sessions:        sessions,
		Call:            DefaultCallConfig(),
		TokenTimeout:    DefaultTokenTimeout,
		SettingsTimeout: DefaultSettingsTimeout,
		Logger:          logger,
	}
}

// HandleConn processes one control connection. If the connection completes
// a pair, HandleConn runs the call on the calling goroutine and returns when
// the call ends. Otherwise it watches the parked connection and returns once
// the client leaves the room or a partner claims it.
func (h *Handler) HandleConn(ctx context.Context, conn Conn) {
	logger := h.Logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	// Shutdown must not wait out a slow client's token timeout.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	req, err := ReadJoinRequest(conn, h.TokenTimeout, h.SettingsTimeout)
	if !stop() {
		return
	}
	if err != nil {
		if netutil.IsExpectedCloseError(err) {
			logger.Debug().Err(err).Msg("connection closed before join")
		} else {
			logger.Warn().Err(err).Msg("invalid join request")
		}
		conn.Close()
		return
	}
	if req.UnknownSettings != nil {
		logger.Warn().Uint8("settings", *req.UnknownSettings).Msg("unknown settings byte, using defaults")
	}

	logger = logger.With().Str("room", req.Token.String()).Logger()

	waiter := NewWaiter(conn, req.Settings)
	waiter.watched = make(chan struct{})
	outcome, err := h.registry.RegisterOrPair(req.Token, waiter)
	if err != nil {
		logger.Warn().Err(err).Msg("register failed")
		conn.Close()
		return
	}

	if !outcome.Paired() {
		logger.Info().Bool("relay", req.Settings.Relay).Msg("waiting in room")
		h.watch(ctx, req.Token, waiter, logger)
		return
	}

	partner := outcome.Partner
	partner.handOff()
	settings := partner.Settings.Merge(req.Settings)
	logger.Info().
		Str("partner", partner.Conn.RemoteAddr().String()).
		Dur("partner_waited", time.Since(partner.Since)).
		Msg("partner found")

	// The first arrival is peer 1.
	coord := NewCoordinator(partner.Conn, conn, settings, h.Call, h.Logger)
	h.sessions.Add(coord)
	err = coord.Run(ctx)
	h.sessions.Done(coord, err)
}

// watch blocks while w is parked under token. A read error means the client
// went away: the room is vacated and the connection closed. When a partner
// has already claimed w, Withdraw fails and the connection is left to the
// coordinator.
func (h *Handler) watch(ctx context.Context, token RoomToken, w *Waiter, logger zerolog.Logger) {
	defer close(w.watched)

	stop := context.AfterFunc(ctx, func() {
		if h.registry.Withdraw(token, w) {
			w.Conn.Close()
		}
	})
	defer stop()

	// Clients send nothing while waiting; stray bytes are dropped.
	var buf [64]byte
	for {
		if _, err := w.Conn.Read(buf[:]); err != nil {
			if h.registry.Withdraw(token, w) {
				w.Conn.Close()
				logger.Info().Err(err).Dur("waited", time.Since(w.Since)).Msg("left room before partner arrived")
			}
			return
		}
	}
}
