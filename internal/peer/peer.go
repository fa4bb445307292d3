// Package peer implements the per-connection session state machine: the
// handshake/bitfield bring-up and the synchronous participate loop that
// drives a single piece's block requests against one peer.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/harlowtide/leech/internal/bitfield"
	"github.com/harlowtide/leech/internal/retry"
	"github.com/harlowtide/leech/internal/wire"
)

const (
	dialTimeout  = 7 * time.Second
	frameTimeout = 45 * time.Second
)

// ErrFatal wraps an error that means the session must be evicted rather
// than retried elsewhere: a codec violation, a state-machine violation, or
// a handshake/info-hash mismatch. Callers distinguish it with errors.Is.
var ErrFatal = errors.New("peer: fatal session error")

// ErrNotFirstFrameBitfield is returned by Connect when the peer's first
// frame after the handshake is anything other than a Bitfield.
var ErrNotFirstFrameBitfield = errors.New("peer: first frame was not a bitfield")

func fatalf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrFatal)...)
}

// Session is a live connection to a single remote peer. Its mutable state
// (conn, bitfield, choked flag) is owned by whichever goroutine is
// currently running Participate on it — callers must not invoke Participate
// on the same Session concurrently from two goroutines at once.
type Session struct {
	Addr netip.AddrPort
	// RemoteID is the peer id the remote side sent back during the
	// handshake exchange, not the id we dialed with.
	RemoteID [sha1.Size]byte
	conn     net.Conn
	bitfield bitfield.Bitfield
	choked   bool
	log      *slog.Logger
}

// ConnectOption configures optional Connect behavior.
type ConnectOption func(*connectConfig)

type connectConfig struct {
	dialRetry retry.Policy
}

// WithDialRetry makes Connect retry a failed dial under p instead of
// failing on the first attempt. Handshake and bitfield-read failures are
// never retried here — they're fatal protocol errors, not transient ones.
func WithDialRetry(p retry.Policy) ConnectOption {
	return func(c *connectConfig) { c.dialRetry = p }
}

// Connect dials addr, performs the handshake exchange, and reads the
// mandatory first Bitfield frame. Any other first frame, an info-hash
// mismatch, or an I/O failure is a fatal construction error.
func Connect(
	ctx context.Context,
	addr netip.AddrPort,
	infoHash, clientID [sha1.Size]byte,
	pieceCount int,
	opts ...ConnectOption,
) (*Session, error) {
	log := slog.Default().With(
		"component", "peer",
		"addr", addr,
		"info_hash", fmt.Sprintf("%x", infoHash[:4]),
	)

	var cc connectConfig
	for _, opt := range opts {
		opt(&cc)
	}

	dialer := net.Dialer{Timeout: dialTimeout}

	var conn net.Conn
	err := retry.Do(ctx, cc.dialRetry, func(ctx context.Context) error {
		c, err := dialer.DialContext(ctx, "tcp", addr.String())
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	hs := wire.NewHandshake(infoHash, clientID)
	remote, err := hs.Exchange(conn, true)
	if err != nil {
		conn.Close()
		return nil, fatalf("peer: handshake with %s: %w", addr, err)
	}

	conn.SetReadDeadline(time.Now().Add(frameTimeout))
	msg, err := wire.ReadMessage(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, fatalf("peer: reading initial bitfield from %s: %w", addr, err)
	}
	if msg == nil || msg.ID != wire.BitfieldID {
		conn.Close()
		return nil, fatalf("peer: %s: %w", addr, ErrNotFirstFrameBitfield)
	}

	bf := bitfield.FromBytes(msg.Payload)
	if bf.Len() < pieceCount {
		// Short bitfields are common (trailing zero bytes omitted); pad so
		// Has() never sees an out-of-range index for a piece this peer
		// could legitimately not have.
		padded := bitfield.New(pieceCount)
		copy(padded, bf)
		bf = padded
	}

	s := &Session{
		Addr:     addr,
		RemoteID: remote.PeerID,
		conn:     conn,
		bitfield: bf,
		choked:   true,
		log:      log,
	}

	log.Debug("session established", "pieces", s.bitfield.Count())
	return s, nil
}

// HasPiece reports whether the peer's advertised bitfield contains idx.
func (s *Session) HasPiece(idx int) bool { return s.bitfield.Has(idx) }

// Close releases the underlying connection.
func (s *Session) Close() error { return s.conn.Close() }

func (s *Session) send(m *wire.Message) error {
	s.conn.SetWriteDeadline(time.Now().Add(frameTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})
	return wire.WriteMessage(s.conn, m)
}

func (s *Session) recv() (*wire.Message, error) {
	s.conn.SetReadDeadline(time.Now().Add(frameTimeout))
	defer s.conn.SetReadDeadline(time.Time{})
	m, err := wire.ReadMessage(s.conn)
	if errors.Is(err, wire.ErrFrameTooLarge) || errors.Is(err, wire.ErrUnknownMessageID) {
		return nil, fatalf("peer: decoding frame: %w", err)
	}
	return m, err
}

// blockStride is the fixed per-block byte stride: every block except
// possibly the last is exactly this long.
func blockStride(pieceLength, nblocks int) int {
	if nblocks <= 1 {
		return pieceLength
	}
	return pieceLength / nblocks
}

// blockLength returns the byte length of block b; only the final block of
// the piece may be shorter than the fixed stride.
func blockLength(b, nblocks, pieceLength int) int {
	stride := blockStride(pieceLength, nblocks)
	if b == nblocks-1 {
		return pieceLength - (nblocks-1)*stride
	}
	return stride
}

// Participate runs the per-piece loop against this session: request blocks
// pulled from work, forward completed Piece frames to completion, and
// re-enqueue onto requeue whenever a Choke interrupts an in-flight request.
//
// Returns nil on a clean exit (work closed, nothing outstanding), an error
// wrapping ErrFatal when the peer violated the protocol and must be
// evicted, or a plain error for ordinary I/O trouble — in either error case
// the caller should stop using the session.
func (s *Session) Participate(
	ctx context.Context,
	pieceIndex, pieceLength, nblocks int,
	work <-chan int,
	requeue chan<- int,
	completion chan<- *wire.Message,
) error {
	log := s.log.With("piece", pieceIndex)

	if err := s.send(wire.MessageInterested()); err != nil {
		return fmt.Errorf("peer: send interested: %w", err)
	}

	for {
		if err := s.waitUnchoke(ctx, log); err != nil {
			return err
		}

		var b int
		select {
		case v, ok := <-work:
			if !ok {
				return nil
			}
			b = v
		case <-ctx.Done():
			return ctx.Err()
		}

		begin := b * blockStride(pieceLength, nblocks)
		length := blockLength(b, nblocks, pieceLength)

		if err := s.send(wire.MessageRequest(uint32(pieceIndex), uint32(begin), uint32(length))); err != nil {
			requeue <- b
			return fmt.Errorf("peer: send request: %w", err)
		}

		rechoked, err := s.waitResponse(ctx, log, pieceIndex, begin, length, b, requeue, completion)
		if err != nil {
			return err
		}
		if !rechoked {
			continue
		}
		// rechoked: loop back around to the unchoke wait at the top
	}
}

// waitUnchoke implements step 2 of the contract: block until the peer
// unchokes us, tracking Have bits and dropping everything else that isn't
// relevant to unchoking.
func (s *Session) waitUnchoke(ctx context.Context, log *slog.Logger) error {
	for s.choked {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := s.recv()
		if err != nil {
			return fmt.Errorf("peer: waiting for unchoke: %w", err)
		}
		if msg == nil { // keep-alive
			continue
		}

		switch msg.ID {
		case wire.Unchoke:
			s.choked = false
		case wire.Have:
			idx, ok := msg.ParseHave()
			if ok {
				s.bitfield.Set(int(idx))
			}
		case wire.Choke:
			// already choked, nothing changes
		case wire.BitfieldID:
			return fatalf("peer: unexpected bitfield after handshake")
		case wire.Interested, wire.NotInterested, wire.Request, wire.Cancel, wire.Piece:
			// peer-issued requests and stale piece data are irrelevant here
		default:
			return fatalf("peer: unknown message id %v while waiting for unchoke", msg.ID)
		}
	}

	return nil
}

// waitResponse implements step 4 of the contract. It returns (true, nil)
// when the peer choked mid-request — the block has been re-enqueued and
// the caller should loop back to the unchoke wait — or (false, nil) after
// successfully forwarding the matching Piece frame.
func (s *Session) waitResponse(
	ctx context.Context,
	log *slog.Logger,
	pieceIndex, begin, wantLen, blockIdx int,
	requeue chan<- int,
	completion chan<- *wire.Message,
) (bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		msg, err := s.recv()
		if err != nil {
			requeue <- blockIdx
			return false, fmt.Errorf("peer: waiting for piece response: %w", err)
		}
		if msg == nil { // keep-alive
			continue
		}

		switch msg.ID {
		case wire.Choke:
			s.choked = true
			requeue <- blockIdx
			return true, nil
		case wire.Have:
			idx, ok := msg.ParseHave()
			if ok {
				s.bitfield.Set(int(idx))
			}
		case wire.Piece:
			idx, off, block, ok := msg.ParsePiece()
			if !ok {
				continue
			}
			if int(idx) != pieceIndex || int(off) != begin {
				log.Debug("discarding stale piece frame", "got_index", idx, "got_begin", off)
				continue
			}
			if len(block) != wantLen {
				return false, fatalf("peer: piece block length %d, want %d", len(block), wantLen)
			}

			select {
			case completion <- msg:
			case <-ctx.Done():
				return false, ctx.Err()
			}
			return false, nil
		case wire.Unchoke:
			return false, fatalf("peer: unexpected unchoke while already unchoked")
		case wire.BitfieldID:
			return false, fatalf("peer: unexpected bitfield after handshake")
		case wire.Interested, wire.NotInterested, wire.Request, wire.Cancel:
			// peer-issued requests are irrelevant here
		default:
			return false, fatalf("peer: unknown message id %v while waiting for piece", msg.ID)
		}
	}
}
