package main

import (
	"context"
	"crypto/sha1"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/harlowtide/leech/internal/config"
	"github.com/harlowtide/leech/internal/download"
	"github.com/harlowtide/leech/internal/logging"
	"github.com/harlowtide/leech/internal/metainfo"
	"github.com/harlowtide/leech/internal/peer"
	"github.com/harlowtide/leech/internal/piece"
	"github.com/harlowtide/leech/internal/retry"
	"github.com/harlowtide/leech/internal/scheduler"
	"github.com/harlowtide/leech/internal/tracker"
)

// announceRetry and dialRetry convert config's plain-data retry policies
// into the options tracker.NewClient and peer.Connect accept.
func announceRetry(cfg config.Config) tracker.ClientOption {
	return tracker.WithAnnounceRetry(retry.Policy{
		MaxAttempts:  cfg.AnnounceRetry.MaxAttempts,
		InitialDelay: cfg.AnnounceRetry.InitialDelay,
		MaxDelay:     cfg.AnnounceRetry.MaxDelay,
	})
}

func dialRetry(cfg config.Config) peer.ConnectOption {
	return peer.WithDialRetry(retry.Policy{
		MaxAttempts:  cfg.DialRetry.MaxAttempts,
		InitialDelay: cfg.DialRetry.InitialDelay,
		MaxDelay:     cfg.DialRetry.MaxDelay,
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s <command> [arguments]

Commands:
    info <torrent-file>
    peers <torrent-file>
    handshake <torrent-file> <peer-ip:port>
    download_piece -o <output-file> <torrent-file> <piece-index>
    download -o <output-file> <torrent-file>
`, os.Args[0])
	os.Exit(2)
}

func main() {
	setupLogger()

	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "info":
		err = runInfo(os.Args[2:])
	case "peers":
		err = runPeers(os.Args[2:])
	case "handshake":
		err = runHandshake(os.Args[2:])
	case "download_piece":
		err = runDownloadPiece(os.Args[2:])
	case "download":
		err = runDownload(os.Args[2:])
	default:
		usage()
	}

	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stderr, &opts)
	slog.SetDefault(slog.New(h))
}

func loadMetainfo(path string) (*metainfo.Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading torrent file: %w", err)
	}
	mi, err := metainfo.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing torrent file: %w", err)
	}
	return mi, nil
}

func runInfo(args []string) error {
	if len(args) != 1 {
		usage()
	}

	mi, err := loadMetainfo(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Tracker URL: %s\n", mi.Announce)
	fmt.Printf("Length: %d\n", mi.Size())
	fmt.Printf("Info Hash: %x\n", mi.Info.Hash)
	fmt.Printf("Piece Length: %d\n", mi.Info.PieceLength)
	fmt.Println("Piece Hashes:")
	for _, h := range mi.Info.Pieces {
		fmt.Printf("%x\n", h)
	}
	return nil
}

func runPeers(args []string) error {
	if len(args) != 1 {
		usage()
	}

	mi, err := loadMetainfo(args[0])
	if err != nil {
		return err
	}

	cfg, err := config.Default()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tr, err := tracker.NewClient(mi.Announce, slog.Default(), announceRetry(cfg))
	if err != nil {
		return fmt.Errorf("building tracker client: %w", err)
	}

	result, err := tr.Announce(context.Background(), tracker.AnnounceParams{
		InfoHash: mi.Info.Hash,
		PeerID:   cfg.ClientID,
		Port:     cfg.Port,
		Left:     uint64(mi.Size()),
		Event:    tracker.EventStarted,
		NumWant:  cfg.NumWant,
	})
	if err != nil {
		return fmt.Errorf("announcing to tracker: %w", err)
	}

	for _, addr := range result.Peers {
		fmt.Println(addr)
	}
	return nil
}

func parseAddrPort(s string) (netip.AddrPort, error) {
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid peer address %q: %w", s, err)
	}
	return addr, nil
}

func runHandshake(args []string) error {
	if len(args) != 2 {
		usage()
	}

	mi, err := loadMetainfo(args[0])
	if err != nil {
		return err
	}

	addr, err := parseAddrPort(args[1])
	if err != nil {
		return err
	}

	cfg, err := config.Default()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	s, err := peer.Connect(ctx, addr, mi.Info.Hash, cfg.ClientID, len(mi.Info.Pieces), dialRetry(cfg))
	if err != nil {
		return fmt.Errorf("handshake with %s: %w", addr, err)
	}
	defer s.Close()

	fmt.Printf("Peer ID: %x\n", s.RemoteID)
	return nil
}

func runDownloadPiece(args []string) error {
	fs := flag.NewFlagSet("download_piece", flag.ExitOnError)
	out := fs.String("o", "", "output file path")
	fs.Parse(args)

	if fs.NArg() != 2 || *out == "" {
		usage()
	}

	mi, err := loadMetainfo(fs.Arg(0))
	if err != nil {
		return err
	}

	var index int
	if _, err := fmt.Sscanf(fs.Arg(1), "%d", &index); err != nil {
		return fmt.Errorf("invalid piece index %q: %w", fs.Arg(1), err)
	}
	if index < 0 || index >= len(mi.Info.Pieces) {
		return fmt.Errorf("piece index %d out of range [0, %d)", index, len(mi.Info.Pieces))
	}

	cfg, err := config.Default()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.ReadTimeout)
	defer cancel()

	tr, err := tracker.NewClient(mi.Announce, slog.Default(), announceRetry(cfg))
	if err != nil {
		return fmt.Errorf("building tracker client: %w", err)
	}

	announce, err := tr.Announce(ctx, tracker.AnnounceParams{
		InfoHash: mi.Info.Hash,
		PeerID:   cfg.ClientID,
		Port:     cfg.Port,
		Left:     uint64(mi.Size()),
		Event:    tracker.EventStarted,
		NumWant:  cfg.NumWant,
	})
	if err != nil {
		return fmt.Errorf("announcing to tracker: %w", err)
	}
	if len(announce.Peers) == 0 {
		return fmt.Errorf("no peers returned by tracker")
	}

	s, err := peer.Connect(ctx, announce.Peers[0], mi.Info.Hash, cfg.ClientID, len(mi.Info.Pieces), dialRetry(cfg))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", announce.Peers[0], err)
	}
	defer s.Close()

	length, ok := piece.PieceLengthAt(uint32(index), uint64(mi.Size()), uint32(mi.Info.PieceLength))
	if !ok {
		return fmt.Errorf("piece %d: invalid length", index)
	}

	d := piece.NewDescriptor(index, int(length), mi.Info.Pieces[index], []netip.AddrPort{announce.Peers[0]}, 0)
	data, err := scheduler.RunPiece(ctx, d, []*peer.Session{s})
	if err != nil {
		return fmt.Errorf("downloading piece %d: %w", index, err)
	}

	sum := sha1.Sum(data)
	if sum != mi.Info.Pieces[index] {
		return fmt.Errorf("piece %d failed hash verification", index)
	}

	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return fmt.Errorf("writing output file: %w", err)
	}

	fmt.Printf("Piece %d downloaded to %s.\n", index, *out)
	return nil
}

func runDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	out := fs.String("o", "", "output file or directory path")
	fs.Parse(args)

	if fs.NArg() != 1 || *out == "" {
		usage()
	}

	mi, err := loadMetainfo(fs.Arg(0))
	if err != nil {
		return err
	}

	cfg, err := config.Default()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tr, err := tracker.NewClient(mi.Announce, slog.Default(), announceRetry(cfg))
	if err != nil {
		return fmt.Errorf("building tracker client: %w", err)
	}

	ctx := context.Background()

	result, err := download.Run(ctx, &cfg, mi.Info, tr, cfg.ClientID)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}

	for _, f := range result.Files() {
		path := *out
		if mi.Info.IsMultiFile() {
			path = filepath.Join(append([]string{*out}, f.Path...)...)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
		if err := os.WriteFile(path, f.Data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}

	fmt.Printf("Downloaded %s to %s.\n", mi.Info.Name, *out)
	return nil
}
