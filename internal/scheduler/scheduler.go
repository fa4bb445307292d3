// Package scheduler runs the block-level fan-out for a single piece: every
// eligible peer session participates concurrently, pulling block indices
// from a shared work channel and forwarding completed blocks to a shared
// completion channel, until the piece is fully assembled.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harlowtide/leech/internal/peer"
	"github.com/harlowtide/leech/internal/piece"
	"github.com/harlowtide/leech/internal/wire"
	"golang.org/x/sync/errgroup"
)

// ErrPieceIncomplete is returned when every participant has exited (cleanly
// or fatally) before the piece finished assembling.
var ErrPieceIncomplete = errors.New("scheduler: piece incomplete, no participants left")

// RunPiece fans d's blocks out across participants, each running
// peer.Session.Participate concurrently, and reassembles the piece in
// memory. It returns the assembled (not yet hash-verified) bytes, or
// ErrPieceIncomplete if the participant set empties before every block
// arrives.
func RunPiece(ctx context.Context, d *piece.Descriptor, participants []*peer.Session) ([]byte, error) {
	log := slog.Default().With("component", "scheduler", "piece", d.Index)

	nblocksU32, ok := piece.BlocksInPiece(uint32(d.Length))
	if !ok {
		return nil, fmt.Errorf("scheduler: piece %d: invalid length %d", d.Index, d.Length)
	}
	nblocks := int(nblocksU32)

	work := make(chan int, nblocks)
	for b := 0; b < nblocks; b++ {
		work <- b
	}
	completion := make(chan *wire.Message, nblocks)

	pieceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(pieceCtx)
	for _, p := range participants {
		p := p
		g.Go(func() error {
			return p.Participate(gctx, d.Index, d.Length, nblocks, work, work, completion)
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	assembled := make([]byte, d.Length)
	received := 0

	absorb := func(msg *wire.Message) {
		_, begin, block, ok := msg.ParsePiece()
		if !ok {
			return
		}
		copy(assembled[begin:int(begin)+len(block)], block)
		received += len(block)
	}

	for received < d.Length {
		select {
		case msg, ok := <-completion:
			if !ok {
				return nil, fmt.Errorf("scheduler: piece %d: %w", d.Index, ErrPieceIncomplete)
			}
			absorb(msg)

		case err := <-done:
			if err != nil {
				log.Debug("participant group ended with error", "err", err)
			}
			// Every participant has exited; drain whatever's already
			// buffered in completion before declaring the piece unfinished.
			for received < d.Length {
				select {
				case msg, ok := <-completion:
					if !ok {
						return nil, fmt.Errorf("scheduler: piece %d: %w", d.Index, ErrPieceIncomplete)
					}
					absorb(msg)
				default:
					return nil, fmt.Errorf("scheduler: piece %d: %w", d.Index, ErrPieceIncomplete)
				}
			}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return assembled, nil
}
