// Command gorent downloads a single-file torrent given either a path to a
// .torrent file or a metainfo document piped in on stdin.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/andres-erbsen/clock"

	"github.com/gorent/gorent/internal/config"
	"github.com/gorent/gorent/internal/identity"
	"github.com/gorent/gorent/internal/metainfo"
	"github.com/gorent/gorent/internal/scheduler"
	"github.com/gorent/gorent/internal/tracker"
)

func main() {
	var (
		verbose bool
		workers int
		outDir  string
	)
	pflag.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pflag.IntVarP(&workers, "workers", "w", config.Default().Workers, "number of concurrent peer workers")
	pflag.StringVarP(&outDir, "out-dir", "o", ".", "directory to write the downloaded file into")
	pflag.Parse()

	log := newLogger(verbose)
	defer log.Sync()

	if err := run(log, workers, outDir, pflag.Args()); err != nil {
		log.Fatalw("download failed", "err", err)
	}
}

func newLogger(verbose bool) *zap.SugaredLogger {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = true
	}
	l, err := cfg.Build()
	if err != nil {
		// zap itself failed to initialize; fall back to a usable logger
		// rather than losing all diagnostic output.
		l = zap.NewNop()
	}
	return l.Sugar()
}

func run(log *zap.SugaredLogger, workers int, outDir string, args []string) error {
	inputStream, err := openInput(args)
	if err != nil {
		return fmt.Errorf("opening input: %w", err)
	}
	defer inputStream.Close()

	m, err := metainfo.Load(inputStream)
	if err != nil {
		return fmt.Errorf("loading metainfo: %w", err)
	}

	log.Infow("loaded torrent",
		"name", m.Name,
		"announce", m.Announce,
		"length", m.Length,
		"pieceLength", m.PieceLength,
		"numPieces", m.NumPieces(),
		"infoHash", fmt.Sprintf("%x", m.InfoHash),
	)
	for i, h := range m.PieceHashes {
		log.Infow("piece hash", "index", i, "hash", fmt.Sprintf("%x", h))
	}

	peerID, err := identity.New()
	if err != nil {
		return fmt.Errorf("generating peer id: %w", err)
	}

	cfg := config.Default()
	cfg.Workers = workers

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	announceCtx, cancelAnnounce := context.WithTimeout(ctx, cfg.TrackerTimeout)
	defer cancelAnnounce()

	t, err := tracker.New(cfg, log, m.Announce)
	if err != nil {
		return fmt.Errorf("building tracker client: %w", err)
	}
	params := tracker.NewAnnounceParams(m, peerID, cfg.ListenPort)
	resp, err := t.Announce(announceCtx, params)
	if err != nil {
		return fmt.Errorf("announcing to tracker: %w", err)
	}
	log.Infow("tracker announce complete", "peers", len(resp.Peers), "interval", resp.Interval)

	s := &scheduler.Scheduler{
		Metainfo:    m,
		Peers:       resp.Peers,
		Workers:     cfg.Workers,
		RetryCap:    cfg.RetryCap,
		LocalPeerID: peerID,
		Cfg:         cfg,
		Log:         log,
		Clock:       clock.New(),
	}

	if err := s.Run(ctx, outDir, m.Name); err != nil {
		return fmt.Errorf("downloading: %w", err)
	}

	fmt.Printf("saved %s to %s\n", m.Name, filepath.Join(outDir, m.Name))
	return nil
}

// openInput returns the torrent's metainfo stream: the file named by the
// first positional argument, or stdin when the process is fed via a pipe
// rather than an interactive terminal.
func openInput(args []string) (*os.File, error) {
	if len(args) > 0 {
		return os.Open(args[0])
	}
	stat, err := os.Stdin.Stat()
	if err != nil {
		return nil, fmt.Errorf("inspecting stdin: %w", err)
	}
	if stat.Mode()&os.ModeCharDevice != 0 {
		return nil, fmt.Errorf("no torrent file given and stdin is a terminal")
	}
	return os.Stdin, nil
}
