package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorent/gorent/internal/wire"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")

	h := wire.NewHandshake(infoHash, peerID)
	buf := h.Serialize()
	require.Len(t, buf, wire.HandshakeLen)

	assert.Equal(t, byte(19), buf[0])
	assert.Equal(t, "BitTorrent protocol", string(buf[1:20]))
	assert.Equal(t, make([]byte, 8), buf[20:28])

	got, err := wire.ReadHandshake(bytes.NewReader(buf), infoHash)
	require.NoError(t, err)
	assert.Equal(t, infoHash, got.InfoHash)
	assert.Equal(t, peerID, got.PeerID)
}

// TestHandshakeAcceptsDifferentRemotePeerID mirrors spec.md scenario 4: the
// remote peer replies with the same info hash but a different peer id, and
// the exchange still validates successfully (peer id is recorded, not
// checked).
func TestHandshakeAcceptsDifferentRemotePeerID(t *testing.T) {
	var infoHash, localID, remoteID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(localID[:], "bbbbbbbbbbbbbbbbbbbb")
	copy(remoteID[:], "cccccccccccccccccccc")

	reply := wire.NewHandshake(infoHash, remoteID).Serialize()
	got, err := wire.ReadHandshake(bytes.NewReader(reply), infoHash)
	require.NoError(t, err)
	assert.Equal(t, remoteID, got.PeerID)
	assert.NotEqual(t, localID, got.PeerID)
}

func TestHandshakeRejectsInfoHashMismatch(t *testing.T) {
	var infoHash, other, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(other[:], "zzzzzzzzzzzzzzzzzzzz")
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")

	buf := wire.NewHandshake(other, peerID).Serialize()
	_, err := wire.ReadHandshake(bytes.NewReader(buf), infoHash)
	assert.Error(t, err)
}

func TestHandshakeRejectsBadProtocolLength(t *testing.T) {
	var infoHash [20]byte
	buf := make([]byte, wire.HandshakeLen)
	buf[0] = 18
	_, err := wire.ReadHandshake(bytes.NewReader(buf), infoHash)
	assert.Error(t, err)
}

func TestMessageKeepAlive(t *testing.T) {
	var m *wire.Message
	buf := m.Serialize()
	assert.Equal(t, []byte{0, 0, 0, 0}, buf)

	got, err := wire.ReadMessage(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMessageRoundTripAllVariants(t *testing.T) {
	msgs := []*wire.Message{
		wire.NewChoke(),
		wire.NewUnchoke(),
		wire.NewInterested(),
		wire.NewNotInterested(),
		wire.NewHave(7),
		wire.NewBitfield([]byte{0b10100000, 0b00010000}),
		wire.NewRequest(3, 16384, 16384),
		wire.NewPiece(3, 16384, []byte("some block data")),
		wire.NewCancel(3, 16384, 16384),
		wire.NewPort(6881),
	}
	for _, m := range msgs {
		buf := m.Serialize()
		got, err := wire.ReadMessage(bytes.NewReader(buf))
		require.NoError(t, err)
		assert.Equal(t, m.ID, got.ID)
		assert.Equal(t, m.Payload, got.Payload)
	}
}

// TestRequestEncodingMatchesSpecLiteral exercises spec.md scenario 5: encoding
// Request{index=3, begin=16384, length=16384} yields a specific byte
// sequence.
func TestRequestEncodingMatchesSpecLiteral(t *testing.T) {
	m := wire.NewRequest(3, 16384, 16384)
	buf := m.Serialize()

	expected := []byte{
		0x00, 0x00, 0x00, 0x0D, // length = 13
		0x06,                   // request tag
		0x00, 0x00, 0x00, 0x03, // index = 3
		0x00, 0x00, 0x40, 0x00, // begin = 16384
		0x00, 0x00, 0x40, 0x00, // length = 16384
	}
	assert.Equal(t, expected, buf)
}

func TestReadMessageRejectsUnknownTag(t *testing.T) {
	buf := []byte{0, 0, 0, 1, 99}
	_, err := wire.ReadMessage(bytes.NewReader(buf))
	var unknown *wire.UnknownMessageTag
	require.ErrorAs(t, err, &unknown)
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	lenBuf := make([]byte, 4)
	lenBuf[0] = 0xFF
	lenBuf[1] = 0xFF
	lenBuf[2] = 0xFF
	lenBuf[3] = 0xFF
	_, err := wire.ReadMessage(bytes.NewReader(lenBuf))
	var tooLarge *wire.FrameTooLarge
	require.ErrorAs(t, err, &tooLarge)
}

func TestParseHaveAndRequestAndPiece(t *testing.T) {
	idx, err := wire.ParseHave(wire.NewHave(42))
	require.NoError(t, err)
	assert.EqualValues(t, 42, idx)

	req, err := wire.ParseRequest(wire.NewRequest(1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, wire.RequestFields{Index: 1, Begin: 2, Length: 3}, req)

	piece, err := wire.ParsePiece(wire.NewPiece(1, 0, []byte("abc")))
	require.NoError(t, err)
	assert.EqualValues(t, 1, piece.Index)
	assert.EqualValues(t, 0, piece.Begin)
	assert.Equal(t, []byte("abc"), piece.Block)
}
