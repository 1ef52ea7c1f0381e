// Package scheduler drives the concurrent piece download: a worker pool
// pulls indices off a shared queue, downloads each from a peer session,
// verifies its hash, and hands the result to the assembler.
package scheduler

import (
	"context"
	"crypto/sha1"
	"fmt"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gorent/gorent/internal/assemble"
	"github.com/gorent/gorent/internal/config"
	"github.com/gorent/gorent/internal/metainfo"
	"github.com/gorent/gorent/internal/peer"
	"github.com/gorent/gorent/internal/tracker"
)

// PieceExhausted is returned when a piece's retry count exceeds RetryCap
// without a successful, verified download.
type PieceExhausted struct {
	Index    int
	Attempts int
}

func (e *PieceExhausted) Error() string {
	return fmt.Sprintf("piece %d exhausted after %d attempts", e.Index, e.Attempts)
}

// Scheduler owns the work queue and worker pool for one torrent's download.
type Scheduler struct {
	Metainfo *metainfo.Metainfo
	Peers    []tracker.PeerAddr
	Workers  int
	RetryCap int

	LocalPeerID [20]byte
	Cfg         config.Config
	Log         *zap.SugaredLogger
	Clock       clock.Clock
}

// Run launches Workers download workers plus one assembler goroutine under a
// single errgroup.Group, so that any worker's or the assembler's failure
// cancels the others via the shared context. It returns once every piece has
// been written to dir/name, or the first fatal error encountered.
func (s *Scheduler) Run(ctx context.Context, dir, name string) error {
	if len(s.Peers) == 0 {
		return fmt.Errorf("scheduler: no peers to download from")
	}

	a, err := assemble.Open(dir, name, s.Metainfo.PieceLength, s.Metainfo.NumPieces())
	if err != nil {
		return err
	}

	queue := newWorkQueue(s.Metainfo.NumPieces())
	results := make(chan assemble.PieceResult, s.Metainfo.NumPieces())

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.Run(gctx, results)
	})

	for w := 0; w < s.Workers; w++ {
		workerID := w
		group.Go(func() error {
			return s.runWorker(gctx, workerID, queue, results)
		})
	}

	return group.Wait()
}

// runWorker pulls pieces off queue until it is empty, maintaining one peer
// session at a time and rotating to the next peer (round-robin, starting at
// workerID's offset into the peer list) whenever the current session fails
// or lacks the piece it was just assigned.
func (s *Scheduler) runWorker(ctx context.Context, workerID int, queue *workQueue, results chan<- assemble.PieceResult) error {
	peerIdx := workerID % len(s.Peers)
	var sess *peer.Session
	defer func() {
		if sess != nil {
			sess.Close()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		item, ok := queue.pop()
		if !ok {
			return nil
		}

		if sess == nil {
			var err error
			sess, peerIdx, err = s.connectNext(ctx, peerIdx)
			if err != nil {
				queue.pushBack(item)
				return err
			}
		}

		if !sess.HasPiece(item.index) {
			// This peer can't serve this piece; give another worker a
			// chance at it and try the next peer ourselves. Subject to the
			// same retry cap as a download/hash failure below, so a piece
			// no reachable peer ever advertises still surfaces
			// PieceExhausted instead of circulating forever.
			sess.Close()
			sess = nil
			peerIdx = (peerIdx + 1) % len(s.Peers)

			if item.attempts+1 > s.RetryCap {
				return &PieceExhausted{Index: item.index, Attempts: item.attempts + 1}
			}
			queue.pushBack(item)
			continue
		}

		bytes, err := s.downloadAndVerify(ctx, sess, item.index)
		if err != nil {
			sess.Close()
			sess = nil
			peerIdx = (peerIdx + 1) % len(s.Peers)

			if item.attempts+1 > s.RetryCap {
				return &PieceExhausted{Index: item.index, Attempts: item.attempts + 1}
			}
			s.Log.Debugw("piece download failed, requeueing", "piece", item.index, "attempts", item.attempts+1, "err", err)
			queue.pushBack(item)
			continue
		}

		sess.SendHave(item.index)
		select {
		case results <- assemble.PieceResult{Index: item.index, Bytes: bytes}:
		case <-ctx.Done():
			return nil
		}
	}
}

// connectNext tries peers starting at peerIdx, advancing on failure, backing
// off exponentially between attempts, until one connects or the peer list is
// exhausted.
func (s *Scheduler) connectNext(ctx context.Context, peerIdx int) (*peer.Session, int, error) {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	var sess *peer.Session
	idx := peerIdx
	attempts := 0
	op := func() error {
		addr := s.Peers[idx]
		var err error
		sess, err = peer.Dial(ctx, addr, s.Cfg, s.Clock, s.Log, s.LocalPeerID, s.Metainfo.InfoHash, s.Metainfo.NumPieces())
		if err != nil {
			attempts++
			idx = (idx + 1) % len(s.Peers)
			if attempts >= len(s.Peers) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return nil, idx, fmt.Errorf("scheduler: no peer reachable: %w", err)
	}

	if err := sess.SendInterested(); err != nil {
		sess.Close()
		return nil, idx, err
	}
	if err := sess.AwaitUnchoke(ctx); err != nil {
		sess.Close()
		return nil, idx, err
	}
	return sess, idx, nil
}

// downloadAndVerify fetches piece index's full content and checks it against
// the expected SHA-1 hash from the metainfo.
func (s *Scheduler) downloadAndVerify(ctx context.Context, sess *peer.Session, index int) ([]byte, error) {
	length := s.Metainfo.PieceLen(index)
	data, err := sess.DownloadPiece(ctx, index, length)
	if err != nil {
		return nil, err
	}
	got := sha1.Sum(data)
	want := s.Metainfo.PieceHashes[index]
	if got != want {
		return nil, &peer.PieceHashMismatch{Index: index}
	}
	return data, nil
}
