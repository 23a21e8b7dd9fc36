// Package signaling implements the rendezvous server: the room registry that
// pairs two control connections sharing a room token, and the per-pair call
// coordinator that discovers both peers' public UDP endpoints and then either
// hands them to each other (direct mode) or relays their datagrams.
package signaling

import (
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/saintparish4/simplecall/pkg/netutil"
	"github.com/saintparish4/simplecall/pkg/types"
)

// TokenSize is the width of a room token on the wire.
const TokenSize = sha512.Size

// Signal bytes sent from server to client on the control channel.
const (
	SignalWaitingInRoom byte = 1 // Registered; no payload
	SignalPartnerFound  byte = 2 // Followed by the 2-byte big-endian UDP port for this client
)

// Settings byte values sent by the client after the token.
const (
	SettingNone  byte = 0
	SettingRelay byte = 1
)

// ErrShortToken is returned when the connection ends before 64 token bytes arrive.
var ErrShortToken = errors.New("room token shorter than 64 bytes")

// RoomToken identifies a rendezvous point. Clients derive it from the room
// name with SHA-512.
type RoomToken [TokenSize]byte

// TokenFromName derives the token for a human-readable room name.
func TokenFromName(name string) RoomToken {
	return RoomToken(sha512.Sum512([]byte(name)))
}

// String returns a short hex prefix, enough to correlate log lines.
func (t RoomToken) String() string {
	return hex.EncodeToString(t[:4])
}

// Settings are a client's per-call preferences.
type Settings struct {
	Relay bool
}

// Merge combines two peers' settings. If either asks for relay, the session relays.
func (s Settings) Merge(other Settings) Settings {
	return Settings{Relay: s.Relay || other.Relay}
}

// Byte returns the wire form of the settings.
func (s Settings) Byte() byte {
	if s.Relay {
		return SettingRelay
	}
	return SettingNone
}

// JoinRequest is what a client sends when it opens a control channel.
type JoinRequest struct {
	Token    RoomToken
	Settings Settings

	// UnknownSettings holds a settings byte other than 0 or 1, which is
	// treated as "no preference".
	UnknownSettings *byte
}

type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

type bufferedReader interface {
	Buffered() int
}

// ReadJoinRequest reads the 64-byte token followed by the optional settings
// byte.
//
// Connections that report buffered input (message-framed transports) only
// yield a settings byte when it arrived with the token. Stream connections
// wait up to settingsWait for it. In both cases a missing or unreadable
// settings byte means no preference.
func ReadJoinRequest(r io.Reader, tokenWait, settingsWait time.Duration) (JoinRequest, error) {
	var req JoinRequest

	dr, hasDeadline := r.(deadlineReader)
	if hasDeadline && tokenWait > 0 {
		if err := dr.SetReadDeadline(time.Now().Add(tokenWait)); err != nil {
			return req, types.NewTransportError("set_deadline", 0, err)
		}
	}

	if _, err := io.ReadFull(r, req.Token[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return req, types.NewProtocolError("read_token", ErrShortToken)
		}
		return req, types.NewTransportError("read_token", 0, err)
	}

	var settings [1]byte
	if br, ok := r.(bufferedReader); ok {
		if br.Buffered() > 0 {
			if _, err := io.ReadFull(r, settings[:]); err == nil {
				req.applySettings(settings[0])
			}
		}
	} else if hasDeadline {
		if err := dr.SetReadDeadline(time.Now().Add(settingsWait)); err != nil {
			return req, types.NewTransportError("set_deadline", 0, err)
		}
		if _, err := io.ReadFull(r, settings[:]); err == nil {
			req.applySettings(settings[0])
		}
	}
	// Readers with neither capability would block; settings stay at none.

	if hasDeadline {
		if err := dr.SetReadDeadline(time.Time{}); err != nil && !netutil.IsExpectedCloseError(err) {
			return req, types.NewTransportError("set_deadline", 0, err)
		}
	}

	return req, nil
}

func (req *JoinRequest) applySettings(b byte) {
	switch b {
	case SettingNone:
	case SettingRelay:
		req.Settings.Relay = true
	default:
		req.UnknownSettings = &b
	}
}

// WriteJoinRequest is the client side of ReadJoinRequest.
func WriteJoinRequest(w io.Writer, token RoomToken, settings Settings) error {
	buf := make([]byte, 0, TokenSize+1)
	buf = append(buf, token[:]...)
	buf = append(buf, settings.Byte())
	if _, err := w.Write(buf); err != nil {
		return types.NewTransportError("write_join", 0, err)
	}
	return nil
}

// EncodePartnerFound builds the PARTNER_FOUND signal carrying the client's
// assigned UDP port.
func EncodePartnerFound(port uint16) []byte {
	b := make([]byte, 3)
	b[0] = SignalPartnerFound
	binary.BigEndian.PutUint16(b[1:], port)
	return b
}

// DecodePort reads a 2-byte big-endian port.
func DecodePort(b []byte) (uint16, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("port must be 2 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}
