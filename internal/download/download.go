// Package download implements the top-level driver: query the tracker,
// dial a bounded fan-out of peers, schedule pieces rarest-first, and
// assemble the verified result.
package download

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/harlowtide/leech/internal/config"
	"github.com/harlowtide/leech/internal/metainfo"
	"github.com/harlowtide/leech/internal/peer"
	"github.com/harlowtide/leech/internal/piece"
	"github.com/harlowtide/leech/internal/retry"
	"github.com/harlowtide/leech/internal/scheduler"
	"github.com/harlowtide/leech/internal/tracker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrNoPeersForPiece is returned when the tracker returns no peers at all,
// or when the driver finishes dialing peers but at least one piece has no
// candidate holding it.
var ErrNoPeersForPiece = errors.New("download: a piece has no candidate peers")

// ErrPieceHashMismatch is returned when an assembled piece's SHA-1 digest
// doesn't match the value recorded in the metainfo.
var ErrPieceHashMismatch = errors.New("download: assembled piece failed hash verification")

// Result is the fully assembled, hash-verified download.
type Result struct {
	Info *metainfo.Info
	Data []byte
}

// FileSlice is one file's worth of bytes sliced out of a Result's
// contiguous buffer.
type FileSlice struct {
	Path []string
	Data []byte
}

// Files splits r's contiguous buffer into per-file slices by walking the
// metainfo's file layout in order and taking successive ranges. A
// single-file torrent yields one slice named after the torrent itself.
func (r *Result) Files() []FileSlice {
	if !r.Info.IsMultiFile() {
		return []FileSlice{{Path: []string{r.Info.Name}, Data: r.Data}}
	}

	out := make([]FileSlice, 0, len(r.Info.Files))
	var offset int64
	for _, f := range r.Info.Files {
		out = append(out, FileSlice{
			Path: f.Path,
			Data: r.Data[offset : offset+f.Length],
		})
		offset += f.Length
	}
	return out
}

// Run executes the full download sequence described by the engine: an
// announce, a bounded peer fan-out, rarest-first piece scheduling, and
// per-piece hash verification, returning the assembled result or the first
// fatal error encountered.
func Run(
	ctx context.Context,
	cfg *config.Config,
	mi *metainfo.Info,
	tr tracker.Announcer,
	clientID [sha1.Size]byte,
) (*Result, error) {
	log := slog.Default().With("component", "download", "name", mi.Name)

	total := totalLength(mi)

	announce, err := tr.Announce(ctx, tracker.AnnounceParams{
		InfoHash: mi.Hash,
		PeerID:   clientID,
		Port:     cfg.Port,
		Left:     uint64(total),
		Event:    tracker.EventStarted,
		NumWant:  cfg.NumWant,
	})
	if err != nil {
		return nil, fmt.Errorf("download: announce: %w", err)
	}
	if len(announce.Peers) == 0 {
		return nil, fmt.Errorf("download: %w", ErrNoPeersForPiece)
	}

	sessions := dialFanOut(ctx, cfg, mi, clientID, announce.Peers, log)
	if len(sessions) == 0 {
		return nil, fmt.Errorf("download: no peer connections succeeded")
	}
	defer func() {
		for _, s := range sessions {
			s.Close()
		}
	}()

	descriptors := buildDescriptors(mi, sessions)
	queue, blocked := piece.BuildQueue(descriptors)
	if len(blocked) > 0 {
		return nil, fmt.Errorf("download: %d pieces have no candidate peer: %w", len(blocked), ErrNoPeersForPiece)
	}

	assembled := make([]byte, total)

	for {
		d, ok := queue.Pop()
		if !ok {
			break
		}

		participants := sessionsFor(d, sessions)
		if len(participants) == 0 {
			return nil, fmt.Errorf("download: piece %d: %w", d.Index, ErrNoPeersForPiece)
		}

		data, err := scheduler.RunPiece(ctx, d, participants)
		if err != nil {
			return nil, fmt.Errorf("download: piece %d: %w", d.Index, err)
		}

		sum := sha1.Sum(data)
		if sum != d.Digest {
			return nil, fmt.Errorf("download: piece %d: %w", d.Index, ErrPieceHashMismatch)
		}

		offset := int64(d.Index) * mi.PieceLength
		copy(assembled[offset:], data)

		log.Info("piece complete", "index", d.Index, "remaining", queue.Len())
	}

	return &Result{Info: mi, Data: assembled}, nil
}

// dialFanOut attempts to connect to every candidate peer concurrently,
// bounded by cfg.FanOut, and returns every session that came up cleanly.
// Failures are logged, not propagated: the driver only fails outright if
// zero sessions survive.
func dialFanOut(
	ctx context.Context,
	cfg *config.Config,
	mi *metainfo.Info,
	clientID [sha1.Size]byte,
	addrs []netip.AddrPort,
	log *slog.Logger,
) []*peer.Session {
	sem := semaphore.NewWeighted(int64(cfg.FanOut))
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var sessions []*peer.Session

	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			s, err := peer.Connect(gctx, addr, mi.Hash, clientID, len(mi.Pieces),
				peer.WithDialRetry(retry.Policy{
					MaxAttempts:  cfg.DialRetry.MaxAttempts,
					InitialDelay: cfg.DialRetry.InitialDelay,
					MaxDelay:     cfg.DialRetry.MaxDelay,
				}))
			if err != nil {
				log.Debug("dial failed", "addr", addr, "err", err)
				return nil
			}

			mu.Lock()
			sessions = append(sessions, s)
			mu.Unlock()
			return nil
		})
	}

	g.Wait()
	return sessions
}

// buildDescriptors turns a torrent's piece list into schedulable
// descriptors, deriving each piece's candidate set from which connected
// sessions advertise it in their bitfield.
func buildDescriptors(mi *metainfo.Info, sessions []*peer.Session) []*piece.Descriptor {
	sessionSeed := sessionSeed(mi.Hash)

	descriptors := make([]*piece.Descriptor, len(mi.Pieces))
	for i, digest := range mi.Pieces {
		length := pieceLength(mi, i)

		var candidates []netip.AddrPort
		for _, s := range sessions {
			if s.HasPiece(i) {
				candidates = append(candidates, s.Addr)
			}
		}

		descriptors[i] = piece.NewDescriptor(i, length, digest, candidates, sessionSeed)
	}
	return descriptors
}

func sessionsFor(d *piece.Descriptor, sessions []*peer.Session) []*peer.Session {
	byAddr := make(map[netip.AddrPort]*peer.Session, len(sessions))
	for _, s := range sessions {
		byAddr[s.Addr] = s
	}

	out := make([]*peer.Session, 0, len(d.Candidates))
	for _, addr := range d.Candidates {
		if s, ok := byAddr[addr]; ok {
			out = append(out, s)
		}
	}
	return out
}

func pieceLength(mi *metainfo.Info, index int) int {
	total := totalLength(mi)
	offset := int64(index) * mi.PieceLength
	if remaining := total - offset; remaining < mi.PieceLength {
		return int(remaining)
	}
	return int(mi.PieceLength)
}

func totalLength(mi *metainfo.Info) int64 {
	if mi.Length > 0 {
		return mi.Length
	}
	var sum int64
	for _, f := range mi.Files {
		sum += f.Length
	}
	return sum
}

// sessionSeed derives the per-download tie-break seed from the torrent's
// info hash, so repeated downloads of the same torrent reproduce the same
// scheduling order while different torrents diverge.
func sessionSeed(infoHash [sha1.Size]byte) uint64 {
	sum := sha1.Sum(infoHash[:])
	var seed uint64
	for i := 0; i < 8; i++ {
		seed = seed<<8 | uint64(sum[i])
	}
	return seed
}
