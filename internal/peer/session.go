// Package peer drives a single peer's wire-protocol state machine: connect,
// handshake, bitfield exchange, interest, and block-level piece requests.
package peer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/gorent/gorent/internal/config"
	"github.com/gorent/gorent/internal/tracker"
	"github.com/gorent/gorent/internal/wire"
)

// State is a peer session's position in the handshake/download state
// machine described in spec §4.5.
type State int

const (
	StateConnecting State = iota
	StateHandshakeSent
	StateHandshakeAck
	StateBitfieldReceived
	StateInterested
	StateUnchoked
	StateRequesting
	StateReceiving
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateHandshakeAck:
		return "handshake_ack"
	case StateBitfieldReceived:
		return "bitfield_received"
	case StateInterested:
		return "interested"
	case StateUnchoked:
		return "unchoked"
	case StateRequesting:
		return "requesting"
	case StateReceiving:
		return "receiving"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectError wraps a failure to establish the initial TCP connection.
type ConnectError struct {
	Addr   string
	Reason error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s: %s", e.Addr, e.Reason)
}

func (e *ConnectError) Unwrap() error { return e.Reason }

// UnexpectedMessage is returned when a message arrives out of the order the
// state machine requires (e.g. a Piece before any Unchoke, or a message other
// than Bitfield or Have as the very first post-handshake frame).
type UnexpectedMessage struct {
	State State
	Got   wire.MessageID
}

func (e *UnexpectedMessage) Error() string {
	return fmt.Sprintf("unexpected message %s in state %s", e.Got, e.State)
}

// PieceHashMismatch is returned by the scheduler (not this package) after
// comparing a fully downloaded piece's SHA-1 against its expected hash; it
// lives here so session-level callers and the scheduler share one type.
type PieceHashMismatch struct {
	Index int
}

func (e *PieceHashMismatch) Error() string {
	return fmt.Sprintf("piece %d failed hash verification", e.Index)
}

// Session is one worker's connection to one peer, driving the wire protocol
// sequentially over a single TCP stream.
type Session struct {
	conn     net.Conn
	state    State
	choked   bool
	bitfield *Bitfield
	remoteID [20]byte

	cfg config.Config
	clk clock.Clock
	log *zap.SugaredLogger
}

// Dial opens a TCP connection to addr, performs the handshake, and consumes
// the peer's opening bitfield (or a leading Have run, defaulted to an
// all-zero bitfield — the permissive reading of spec §4.5's open question),
// leaving the session in StateBitfieldReceived.
func Dial(ctx context.Context, addr tracker.PeerAddr, cfg config.Config, clk clock.Clock, log *zap.SugaredLogger, localPeerID, infoHash [20]byte, numPieces int) (*Session, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, &ConnectError{Addr: addr.String(), Reason: err}
	}

	s := &Session{
		conn:     conn,
		state:    StateConnecting,
		choked:   true,
		bitfield: NewBitfield(numPieces),
		cfg:      cfg,
		clk:      clk,
		log:      log,
	}

	if err := s.handshake(localPeerID, infoHash); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.receiveOpeningBitfield(numPieces); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) handshake(localPeerID, infoHash [20]byte) error {
	s.state = StateHandshakeSent
	s.conn.SetDeadline(s.clk.Now().Add(s.cfg.ConnectTimeout))
	defer s.conn.SetDeadline(time.Time{})

	req := wire.NewHandshake(infoHash, localPeerID)
	if _, err := s.conn.Write(req.Serialize()); err != nil {
		return &ConnectError{Addr: s.conn.RemoteAddr().String(), Reason: err}
	}

	resp, err := wire.ReadHandshake(s.conn, infoHash)
	if err != nil {
		return err
	}
	s.remoteID = resp.PeerID
	s.state = StateHandshakeAck
	return nil
}

// receiveOpeningBitfield reads the first post-handshake message. A Bitfield
// is consumed directly; a leading Have is folded into an all-zero bitfield
// (permissive mode — see DESIGN.md). Anything else is UnexpectedMessage.
func (s *Session) receiveOpeningBitfield(numPieces int) error {
	s.conn.SetDeadline(s.clk.Now().Add(s.cfg.ReadTimeout))
	defer s.conn.SetDeadline(time.Time{})

	msg, err := wire.ReadMessage(s.conn)
	if err != nil {
		return err
	}
	if msg == nil {
		// keep-alive before the bitfield; spec requires treating the
		// bitfield as the first *message*, so a keep-alive doesn't count.
		return s.receiveOpeningBitfield(numPieces)
	}

	switch msg.ID {
	case wire.MsgBitfield:
		s.bitfield = FromWire(msg.Payload)
	case wire.MsgHave:
		index, err := wire.ParseHave(msg)
		if err != nil {
			return err
		}
		s.bitfield.Set(int(index))
	default:
		return &UnexpectedMessage{State: StateHandshakeAck, Got: msg.ID}
	}
	s.state = StateBitfieldReceived
	return nil
}

// HasPiece reports whether the peer's bitfield claims piece index.
func (s *Session) HasPiece(index int) bool {
	return s.bitfield.Has(index)
}

// SendInterested declares interest and advances to StateInterested.
func (s *Session) SendInterested() error {
	if _, err := s.conn.Write(wire.NewInterested().Serialize()); err != nil {
		return err
	}
	s.state = StateInterested
	return nil
}

// SendUnchoke tells the peer this client will serve requests (this client
// never seeds, so this is sent purely to mirror the protocol's expectations
// for a cooperative client and is never followed by incoming requests).
func (s *Session) SendUnchoke() error {
	_, err := s.conn.Write(wire.NewUnchoke().Serialize())
	return err
}

// AwaitUnchoke reads messages until Unchoke arrives, tolerating
// Choke/Have/Bitfield; a Piece before Unchoke is a protocol violation.
func (s *Session) AwaitUnchoke(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.conn.SetDeadline(s.clk.Now().Add(s.cfg.ReadTimeout))
		msg, err := wire.ReadMessage(s.conn)
		s.conn.SetDeadline(time.Time{})
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		switch msg.ID {
		case wire.MsgUnchoke:
			s.choked = false
			s.state = StateUnchoked
			return nil
		case wire.MsgChoke:
			s.choked = true
		case wire.MsgHave:
			index, err := wire.ParseHave(msg)
			if err != nil {
				return err
			}
			s.bitfield.Set(int(index))
		case wire.MsgBitfield:
			s.bitfield = FromWire(msg.Payload)
		case wire.MsgPiece:
			return &UnexpectedMessage{State: s.state, Got: msg.ID}
		default:
			// Ports, (not)interested from the remote, etc: harmless noise
			// before unchoke.
		}
	}
}

// DownloadPiece requests every block of a piece sequentially (pipelining
// depth 1, per spec §4.5 policy) and returns the assembled, unverified
// bytes.
func (s *Session) DownloadPiece(ctx context.Context, index int, length int64) ([]byte, error) {
	s.state = StateRequesting
	buf := make([]byte, length)
	var begin int64
	for begin < length {
		if s.choked {
			if err := s.AwaitUnchoke(ctx); err != nil {
				return nil, err
			}
		}
		blockLen := int64(s.cfg.BlockSize)
		if length-begin < blockLen {
			blockLen = length - begin
		}

		req := wire.NewRequest(uint32(index), uint32(begin), uint32(blockLen))
		if _, err := s.conn.Write(req.Serialize()); err != nil {
			return nil, err
		}

		s.state = StateReceiving
		block, err := s.awaitBlock(ctx, uint32(index), uint32(begin), uint32(blockLen))
		if err != nil {
			return nil, err
		}
		copy(buf[begin:], block)
		begin += blockLen
	}
	return buf, nil
}

func (s *Session) awaitBlock(ctx context.Context, index, begin, length uint32) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.conn.SetDeadline(s.clk.Now().Add(s.cfg.ReadTimeout))
		msg, err := wire.ReadMessage(s.conn)
		s.conn.SetDeadline(time.Time{})
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}
		switch msg.ID {
		case wire.MsgPiece:
			fields, err := wire.ParsePiece(msg)
			if err != nil {
				return nil, err
			}
			if fields.Index != index || fields.Begin != begin {
				return nil, fmt.Errorf("piece response (%d,%d) does not match requested (%d,%d)", fields.Index, fields.Begin, index, begin)
			}
			if uint32(len(fields.Block)) != length {
				return nil, fmt.Errorf("piece response block length %d, expected %d", len(fields.Block), length)
			}
			block := make([]byte, len(fields.Block))
			copy(block, fields.Block)
			return block, nil
		case wire.MsgChoke:
			s.choked = true
		case wire.MsgUnchoke:
			s.choked = false
		case wire.MsgHave:
			idx, err := wire.ParseHave(msg)
			if err != nil {
				return nil, err
			}
			s.bitfield.Set(int(idx))
		default:
			// ignore other control chatter while awaiting this block
		}
	}
}

// SendHave announces that this client now holds piece index (a client that
// never seeds still sends this, matching the teacher's behavior and common
// peer etiquette — some peers use it as a liveness signal).
func (s *Session) SendHave(index int) error {
	_, err := s.conn.Write(wire.NewHave(uint32(index)).Serialize())
	return err
}

// RemotePeerID returns the peer id the remote side presented at handshake.
func (s *Session) RemotePeerID() [20]byte { return s.remoteID }

// Close closes the underlying connection.
func (s *Session) Close() error {
	s.state = StateClosed
	return s.conn.Close()
}
