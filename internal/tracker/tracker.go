// Package tracker implements the HTTP and UDP announce protocols used to
// obtain a peer list for a torrent's swarm.
package tracker

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/gorent/gorent/internal/config"
	"github.com/gorent/gorent/internal/metainfo"
)

// PeerAddr is a single compact peer record: an IPv4 address and port.
type PeerAddr struct {
	IP   [4]byte
	Port uint16
}

// String renders addr as host:port.
func (addr PeerAddr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", addr.IP[0], addr.IP[1], addr.IP[2], addr.IP[3], addr.Port)
}

// Response is the result of a single announce: an interval hint and the
// peer list the tracker returned.
type Response struct {
	Interval time.Duration
	Peers    []PeerAddr
}

// TrackerRejected is returned when the tracker's response carries a
// "failure reason".
type TrackerRejected struct {
	Reason string
}

func (e *TrackerRejected) Error() string {
	return fmt.Sprintf("tracker rejected announce: %s", e.Reason)
}

// TrackerTimeout is returned when a tracker exchange exceeds its deadline.
type TrackerTimeout struct {
	Addr string
}

func (e *TrackerTimeout) Error() string {
	return fmt.Sprintf("tracker timeout contacting %s", e.Addr)
}

// TrackerProtocolError is returned for a malformed or mismatched tracker
// response (bad transaction id, unexpected action, truncated peer list).
type TrackerProtocolError struct {
	Reason string
}

func (e *TrackerProtocolError) Error() string {
	return fmt.Sprintf("tracker protocol error: %s", e.Reason)
}

// AnnounceParams carries the per-request fields that vary across announces
// (left changes as bytes are downloaded; everything else is fixed for the
// session).
type AnnounceParams struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// Tracker announces to a single tracker and returns its peer list.
type Tracker interface {
	Announce(ctx context.Context, params AnnounceParams) (*Response, error)
}

// New selects an HTTP or UDP tracker implementation based on the announce
// URL's scheme.
func New(cfg config.Config, log *zap.SugaredLogger, announce string) (Tracker, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return nil, fmt.Errorf("parsing announce URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return &httpTracker{cfg: cfg, log: log, url: announce}, nil
	case "udp":
		return &udpTracker{cfg: cfg, log: log, host: u.Host}, nil
	default:
		return nil, fmt.Errorf("unsupported announce scheme %q", u.Scheme)
	}
}

// parsePeers unpacks a compact peer list: contiguous 6-byte records of
// 4 IPv4 octets followed by a big-endian 2-byte port.
func parsePeers(raw []byte) ([]PeerAddr, error) {
	const recordSize = 6
	if len(raw)%recordSize != 0 {
		return nil, &TrackerProtocolError{Reason: fmt.Sprintf("compact peer list length %d is not a multiple of %d", len(raw), recordSize)}
	}
	n := len(raw) / recordSize
	peers := make([]PeerAddr, n)
	for i := 0; i < n; i++ {
		off := i * recordSize
		copy(peers[i].IP[:], raw[off:off+4])
		peers[i].Port = uint16(raw[off+4])<<8 | uint16(raw[off+5])
	}
	return peers, nil
}

// announceLeftOf computes the initial "left" announce parameter for a fresh
// download: the whole payload, since nothing has been downloaded yet.
func announceLeftOf(m *metainfo.Metainfo) int64 {
	return m.Length
}

// secondsToDuration converts a tracker's integer-seconds interval field into
// a time.Duration.
func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// NewAnnounceParams builds the AnnounceParams for a torrent's first
// announce: uploaded=0, downloaded=0, left=total length, per spec.md §4.3.
func NewAnnounceParams(m *metainfo.Metainfo, peerID [20]byte, port uint16) AnnounceParams {
	return AnnounceParams{
		InfoHash:   m.InfoHash,
		PeerID:     peerID,
		Port:       port,
		Uploaded:   0,
		Downloaded: 0,
		Left:       announceLeftOf(m),
	}
}
