package download

import (
	"context"
	"crypto/sha1"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/harlowtide/leech/internal/config"
	"github.com/harlowtide/leech/internal/metainfo"
	"github.com/harlowtide/leech/internal/tracker"
	"github.com/harlowtide/leech/internal/wire"
)

type scriptedTracker struct {
	peers []netip.AddrPort
}

func (s *scriptedTracker) Announce(ctx context.Context, params tracker.AnnounceParams) (*tracker.AnnounceResult, error) {
	return &tracker.AnnounceResult{Peers: s.peers}, nil
}

// servePieces runs a full mock peer: handshake, bitfield advertising every
// piece, then interested/unchoke/request/piece for as long as the caller
// keeps asking.
func servePieces(t *testing.T, infoHash [sha1.Size]byte, content []byte, pieceCount int) netip.AddrPort {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var hs wire.Handshake
		if _, err := hs.ReadFrom(conn); err != nil {
			return
		}
		reply := wire.NewHandshake(infoHash, [sha1.Size]byte{9})
		if _, err := reply.WriteTo(conn); err != nil {
			return
		}

		bits := make([]byte, (pieceCount+7)/8)
		for i := 0; i < pieceCount; i++ {
			bits[i/8] |= 1 << (7 - uint(i%8))
		}
		if err := wire.WriteMessage(conn, wire.MessageBitfield(bits)); err != nil {
			return
		}

		msg, err := wire.ReadMessage(conn)
		if err != nil || msg.ID != wire.Interested {
			return
		}
		if err := wire.WriteMessage(conn, wire.MessageUnchoke()); err != nil {
			return
		}

		for {
			msg, err := wire.ReadMessage(conn)
			if err != nil {
				return
			}
			if msg == nil || msg.ID != wire.Request {
				continue
			}
			idx, begin, length, ok := msg.ParseRequest()
			if !ok {
				return
			}
			block := content[begin : begin+length]
			if err := wire.WriteMessage(conn, wire.MessagePiece(idx, begin, block)); err != nil {
				return
			}
		}
	}()

	addr, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("parse addr: %v", err)
	}
	return addr
}

func TestRun_EndToEndSinglePeer(t *testing.T) {
	const pieceLen = 16
	content := []byte("0123456789ABCDEF" + "FEDCBA9876543210") // 2 pieces of 16 bytes each
	pieces := [][sha1.Size]byte{
		sha1.Sum(content[:pieceLen]),
		sha1.Sum(content[pieceLen:]),
	}

	var infoHash [sha1.Size]byte
	copy(infoHash[:], "the-info-hash-2026--")

	addr := servePieces(t, infoHash, content, len(pieces))

	mi := &metainfo.Info{
		Hash:        infoHash,
		Name:        "test-torrent",
		PieceLength: pieceLen,
		Pieces:      pieces,
		Length:      int64(len(content)),
	}

	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr := &scriptedTracker{peers: []netip.AddrPort{addr}}

	result, err := Run(ctx, &cfg, mi, tr, cfg.ClientID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if string(result.Data) != string(content) {
		t.Fatalf("assembled data = %q, want %q", result.Data, content)
	}

	files := result.Files()
	if len(files) != 1 || files[0].Path[0] != "test-torrent" {
		t.Fatalf("Files() = %+v, want single slice named test-torrent", files)
	}
	if string(files[0].Data) != string(content) {
		t.Fatalf("Files()[0].Data = %q, want %q", files[0].Data, content)
	}
}

func TestRun_NoPeersFromTracker(t *testing.T) {
	mi := &metainfo.Info{
		Hash:        [sha1.Size]byte{1},
		Name:        "empty",
		PieceLength: 16,
		Pieces:      [][sha1.Size]byte{{1}},
		Length:      16,
	}
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default: %v", err)
	}

	tr := &scriptedTracker{}

	_, err = Run(context.Background(), &cfg, mi, tr, cfg.ClientID)
	if !errors.Is(err, ErrNoPeersForPiece) {
		t.Fatalf("Run() error = %v, want wrapping ErrNoPeersForPiece", err)
	}
}

func TestRun_PieceHashMismatchIsFatal(t *testing.T) {
	const pieceLen = 16
	content := []byte("0123456789ABCDEF")

	var infoHash [sha1.Size]byte
	copy(infoHash[:], "the-info-hash-2026--")

	addr := servePieces(t, infoHash, content, 1)

	mi := &metainfo.Info{
		Hash:        infoHash,
		Name:        "corrupt",
		PieceLength: pieceLen,
		// Deliberately wrong digest so verification fails.
		Pieces: [][sha1.Size]byte{{0xDE, 0xAD, 0xBE, 0xEF}},
		Length: int64(len(content)),
	}

	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr := &scriptedTracker{peers: []netip.AddrPort{addr}}

	_, err = Run(ctx, &cfg, mi, tr, cfg.ClientID)
	if !errors.Is(err, ErrPieceHashMismatch) {
		t.Fatalf("Run() error = %v, want wrapping ErrPieceHashMismatch", err)
	}
}
