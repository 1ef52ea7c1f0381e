// Package wire implements the BitTorrent peer wire protocol: the fixed
// 68-byte handshake and the length-prefixed message framing that follows it.
package wire

import (
	"bytes"
	"fmt"
	"io"
)

const protocolID = "BitTorrent protocol"

// HandshakeLen is the fixed size in bytes of a serialized Handshake.
const HandshakeLen = 49 + len(protocolID)

// Handshake is the 68-byte greeting exchanged at the start of every peer
// connection.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake constructs a Handshake for the given torrent and local peer id.
func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Serialize encodes h into its wire form:
//
//	byte 0      : 19 (len of "BitTorrent protocol")
//	bytes 1..20 : "BitTorrent protocol"
//	bytes 20..28: 8 reserved zero bytes
//	bytes 28..48: info hash
//	bytes 48..68: peer id
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, HandshakeLen)
	cursor := 0
	buf[cursor] = byte(len(protocolID))
	cursor++
	cursor += copy(buf[cursor:], protocolID)
	cursor += 8 // reserved, left zero
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and validates a 68-byte handshake from r against
// expectedInfoHash. Peer id is recorded but not checked, per protocol.
func ReadHandshake(r io.Reader, expectedInfoHash [20]byte) (*Handshake, error) {
	lenBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("reading handshake protocol length: %w", err)
	}
	pstrlen := int(lenBuf[0])
	if pstrlen != len(protocolID) {
		return nil, &HandshakeError{Reason: fmt.Sprintf("unexpected protocol string length %d", pstrlen)}
	}

	rest := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("reading handshake body: %w", err)
	}

	if !bytes.Equal(rest[:pstrlen], []byte(protocolID)) {
		return nil, &HandshakeError{Reason: "unexpected protocol string"}
	}

	cursor := pstrlen + 8 // skip reserved bytes
	var h Handshake
	copy(h.InfoHash[:], rest[cursor:cursor+20])
	cursor += 20
	copy(h.PeerID[:], rest[cursor:cursor+20])

	if !bytes.Equal(h.InfoHash[:], expectedInfoHash[:]) {
		return nil, &HandshakeError{Reason: fmt.Sprintf("info hash mismatch: expected %x got %x", expectedInfoHash, h.InfoHash)}
	}

	return &h, nil
}

// HandshakeError reports a failed handshake validation: wrong protocol
// string, wrong length, or mismatched info hash.
type HandshakeError struct {
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed: %s", e.Reason)
}
