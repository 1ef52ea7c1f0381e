package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/gorent/gorent/internal/config"
)

// udpProtocolMagic is the fixed connect-request magic value defined by
// BEP 15.
const udpProtocolMagic = 0x41727101980

const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3

	eventStarted uint32 = 2
)

type udpTracker struct {
	cfg  config.Config
	log  *zap.SugaredLogger
	host string
}

func (t *udpTracker) Announce(ctx context.Context, params AnnounceParams) (*Response, error) {
	addr, err := net.ResolveUDPAddr("udp", t.host)
	if err != nil {
		return nil, fmt.Errorf("resolving UDP tracker address: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing UDP tracker: %w", err)
	}
	defer conn.Close()

	txnID, err := randomUint32()
	if err != nil {
		return nil, err
	}

	var result *Response
	attempt := 0
	op := func() error {
		attempt++
		timeout := t.cfg.TrackerTimeout << (attempt - 1)

		connID, err := t.exchangeConnect(conn, txnID, timeout)
		if err != nil {
			t.log.Debugw("udp tracker connect failed", "attempt", attempt, "error", err)
			return err
		}

		resp, err := t.exchangeAnnounce(conn, connID, txnID, params, timeout)
		if err != nil {
			t.log.Debugw("udp tracker announce failed", "attempt", attempt, "error", err)
			return err
		}
		result = resp
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if ctx.Err() != nil {
			return nil, &TrackerTimeout{Addr: t.host}
		}
		return nil, fmt.Errorf("udp tracker announce: %w", err)
	}
	return result, nil
}

func (t *udpTracker) exchangeConnect(conn *net.UDPConn, txnID uint32, timeout time.Duration) (uint64, error) {
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txnID)

	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(req); err != nil {
		return 0, fmt.Errorf("sending connect request: %w", err)
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, &TrackerTimeout{Addr: conn.RemoteAddr().String()}
	}
	if n < 16 {
		return 0, &TrackerProtocolError{Reason: "connect response shorter than 16 bytes"}
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	gotTxnID := binary.BigEndian.Uint32(resp[4:8])
	if gotTxnID != txnID {
		return 0, &TrackerProtocolError{Reason: "connect response transaction id mismatch"}
	}
	if action != actionConnect {
		return 0, &TrackerProtocolError{Reason: fmt.Sprintf("connect response action %d, expected 0", action)}
	}

	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func (t *udpTracker) exchangeAnnounce(conn *net.UDPConn, connID uint64, txnID uint32, params AnnounceParams, timeout time.Duration) (*Response, error) {
	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txnID)
	copy(req[16:36], params.InfoHash[:])
	copy(req[36:56], params.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(params.Downloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(params.Left))
	binary.BigEndian.PutUint64(req[72:80], uint64(params.Uploaded))
	binary.BigEndian.PutUint32(req[80:84], eventStarted)
	binary.BigEndian.PutUint32(req[84:88], 0) // IP = 0 (default)
	key, err := randomUint32()
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(req[88:92], key)
	binary.BigEndian.PutUint32(req[92:96], 0xFFFFFFFF) // num_want = max
	binary.BigEndian.PutUint16(req[96:98], params.Port)

	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("sending announce request: %w", err)
	}

	resp := make([]byte, 2048)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, &TrackerTimeout{Addr: conn.RemoteAddr().String()}
	}
	if n < 20 {
		return nil, &TrackerProtocolError{Reason: "announce response shorter than 20 bytes"}
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	gotTxnID := binary.BigEndian.Uint32(resp[4:8])
	if gotTxnID != txnID {
		return nil, &TrackerProtocolError{Reason: "announce response transaction id mismatch"}
	}
	if action == actionError {
		return nil, &TrackerRejected{Reason: string(resp[8:n])}
	}
	if action != actionAnnounce {
		return nil, &TrackerProtocolError{Reason: fmt.Sprintf("announce response action %d, expected 1", action)}
	}

	interval := binary.BigEndian.Uint32(resp[8:12])
	peers, err := parsePeers(resp[20:n])
	if err != nil {
		return nil, err
	}

	return &Response{
		Interval: secondsToDuration(int(interval)),
		Peers:    peers,
	}, nil
}

func randomUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generating random value: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
