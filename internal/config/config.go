// Package config centralizes the tunables the teacher left as scattered
// top-level constants (BLOCKSIZE, MAXBACKLOG, a hardcoded port) into a
// struct with sane defaults, so callers can override them from flags or
// tests without touching package-level state.
package config

import "time"

// Config holds every tunable the scheduler, peer session, and tracker
// client need.
type Config struct {
	// Workers is the number of concurrent peer workers the scheduler runs.
	Workers int
	// BlockSize is the maximum size in bytes of a single block request.
	BlockSize uint32
	// RetryCap is how many times a piece may be requeued before the
	// download aborts with PieceExhausted.
	RetryCap int
	// ListenPort is the value advertised to the tracker in the port
	// parameter; this client never listens for incoming connections.
	ListenPort uint16

	// ConnectTimeout bounds establishing a TCP connection to a peer.
	ConnectTimeout time.Duration
	// ReadTimeout bounds waiting for the next message on an established
	// peer connection.
	ReadTimeout time.Duration
	// TrackerTimeout bounds a single HTTP or UDP tracker exchange.
	TrackerTimeout time.Duration
}

// Default returns the configuration spec.md §5 describes as defaults.
func Default() Config {
	return Config{
		Workers:        4,
		BlockSize:      16 * 1024,
		RetryCap:       8,
		ListenPort:     6881,
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    30 * time.Second,
		TrackerTimeout: 2 * time.Second,
	}
}
