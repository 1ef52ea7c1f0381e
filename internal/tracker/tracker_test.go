package tracker_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gorent/gorent/internal/config"
	"github.com/gorent/gorent/internal/tracker"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestHTTPAnnounceReturnsPeers(t *testing.T) {
	compactPeers := []byte{192, 0, 2, 10, 0x1A, 0xE1, 192, 0, 2, 11, 0x1A, 0xE1}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.URL.Query().Get("compact"))
		w.Write([]byte("d8:intervali1800e5:peers12:" + string(compactPeers) + "e"))
	}))
	defer server.Close()

	tr, err := tracker.New(config.Default(), testLogger(), server.URL)
	require.NoError(t, err)

	var infoHash, peerID [20]byte
	params := tracker.AnnounceParams{InfoHash: infoHash, PeerID: peerID, Port: 6881, Left: 100}
	resp, err := tr.Announce(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, 1800*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, "192.0.2.10:6881", resp.Peers[0].String())
	assert.Equal(t, "192.0.2.11:6881", resp.Peers[1].String())
}

func TestHTTPAnnounceReportsFailureReason(t *testing.T) {
	reason := "torrent gone"
	body := fmt.Sprintf("d14:failure reason%d:%se", len(reason), reason)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer server.Close()

	tr, err := tracker.New(config.Default(), testLogger(), server.URL)
	require.NoError(t, err)

	_, err = tr.Announce(context.Background(), tracker.AnnounceParams{})
	var rejected *tracker.TrackerRejected
	require.ErrorAs(t, err, &rejected)
}

// fakeUDPTracker implements just enough of BEP 15 server-side to exercise
// the client: spec.md scenario 3 (connect with magic 0x41727101980, action
// 0, arbitrary transaction id; then announce yielding 2 peers).
func fakeUDPTracker(t *testing.T, connID uint64, peers []byte) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 2048)
		for {
			n, remote, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if n == 16 {
				// connect request
				txnID := binary.BigEndian.Uint32(buf[12:16])
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp[0:4], 0) // action=connect
				binary.BigEndian.PutUint32(resp[4:8], txnID)
				binary.BigEndian.PutUint64(resp[8:16], connID)
				conn.WriteToUDP(resp, remote)
			} else if n == 98 {
				// announce request
				txnID := binary.BigEndian.Uint32(buf[12:16])
				resp := make([]byte, 20+len(peers))
				binary.BigEndian.PutUint32(resp[0:4], 1) // action=announce
				binary.BigEndian.PutUint32(resp[4:8], txnID)
				binary.BigEndian.PutUint32(resp[8:12], 1800) // interval
				binary.BigEndian.PutUint32(resp[12:16], 0)   // leechers
				binary.BigEndian.PutUint32(resp[16:20], 2)   // seeders
				copy(resp[20:], peers)
				conn.WriteToUDP(resp, remote)
			}
		}
	}()
	return conn
}

func TestUDPAnnounceRoundTrip(t *testing.T) {
	peers := []byte{192, 0, 2, 10, 0x1A, 0xE1, 192, 0, 2, 11, 0x1A, 0xE1}
	server := fakeUDPTracker(t, 0x0102030405060708, peers)
	defer server.Close()

	tr, err := tracker.New(config.Default(), testLogger(), "udp://"+server.LocalAddr().String()+"/announce")
	require.NoError(t, err)

	var infoHash, peerID [20]byte
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := tr.Announce(ctx, tracker.AnnounceParams{InfoHash: infoHash, PeerID: peerID, Port: 6881, Left: 100})
	require.NoError(t, err)

	assert.Equal(t, 1800*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, "192.0.2.10:6881", resp.Peers[0].String())
	assert.Equal(t, "192.0.2.11:6881", resp.Peers[1].String())
}

func TestNewRejectsUnsupportedScheme(t *testing.T) {
	_, err := tracker.New(config.Default(), testLogger(), "ftp://example.com/announce")
	assert.Error(t, err)
}
