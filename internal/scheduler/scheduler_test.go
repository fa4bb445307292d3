package scheduler

import (
	"context"
	"crypto/sha1"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/harlowtide/leech/internal/peer"
	"github.com/harlowtide/leech/internal/piece"
	"github.com/harlowtide/leech/internal/wire"
)

// listenScripted starts a TCP listener and runs handle against every
// accepted connection's wire.ReadMessage/WriteMessage surface (handshake
// already exchanged by the caller), returning the listener's address.
func listenScripted(t *testing.T, infoHash [sha1.Size]byte, handle func(conn net.Conn, bits []byte)) netip.AddrPort {
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

		var hs wire.Handshake
		if _, err := hs.ReadFrom(conn); err != nil {
			conn.Close()
			return
		}
		reply := wire.NewHandshake(infoHash, [sha1.Size]byte{9})
		if _, err := reply.WriteTo(conn); err != nil {
			conn.Close()
			return
		}

		bits := []byte{0b10000000}
		if err := wire.WriteMessage(conn, wire.MessageBitfield(bits)); err != nil {
			conn.Close()
			return
		}

		handle(conn, bits)
	}()

	addr, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("parse listener addr: %v", err)
	}
	return addr
}

func serveRequests(t *testing.T, conn net.Conn, content []byte) {
	t.Helper()
	defer conn.Close()

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
		if msg == nil {
			continue
		}
		if msg.ID != wire.Request {
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
}

func TestRunPiece_SingleParticipant(t *testing.T) {
	var infoHash [sha1.Size]byte
	copy(infoHash[:], "infoinfoinfoinfoinfo")
	clientID := [sha1.Size]byte{1}

	const pieceLen = 32
	content := []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZABCDEF")[:pieceLen]

	addr := listenScripted(t, infoHash, func(conn net.Conn, bits []byte) {
		serveRequests(t, conn, content)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := peer.Connect(ctx, addr, infoHash, clientID, 8)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	d := piece.NewDescriptor(0, pieceLen, [sha1.Size]byte{}, []netip.AddrPort{addr}, 1)

	got, err := RunPiece(ctx, d, []*peer.Session{s})
	if err != nil {
		t.Fatalf("RunPiece error: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("assembled = %q, want %q", got, content)
	}
}

func TestRunPiece_NoParticipants(t *testing.T) {
	d := piece.NewDescriptor(0, 32, [sha1.Size]byte{}, nil, 1)

	_, err := RunPiece(context.Background(), d, nil)
	if err == nil {
		t.Fatalf("expected an error with zero participants")
	}
}

func TestRunPiece_TwoParticipantsAssemblePiece(t *testing.T) {
	var infoHash [sha1.Size]byte
	copy(infoHash[:], "infoinfoinfoinfoinfo")
	clientID := [sha1.Size]byte{1}

	const pieceLen = 32
	content := []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZABCDEF")[:pieceLen]

	addr1 := listenScripted(t, infoHash, func(conn net.Conn, bits []byte) {
		serveRequests(t, conn, content)
	})
	addr2 := listenScripted(t, infoHash, func(conn net.Conn, bits []byte) {
		serveRequests(t, conn, content)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s1, err := peer.Connect(ctx, addr1, infoHash, clientID, 8)
	if err != nil {
		t.Fatalf("Connect s1: %v", err)
	}
	defer s1.Close()

	s2, err := peer.Connect(ctx, addr2, infoHash, clientID, 8)
	if err != nil {
		t.Fatalf("Connect s2: %v", err)
	}
	defer s2.Close()

	d := piece.NewDescriptor(0, pieceLen, [sha1.Size]byte{}, []netip.AddrPort{addr1, addr2}, 1)

	got, err := RunPiece(ctx, d, []*peer.Session{s1, s2})
	if err != nil {
		t.Fatalf("RunPiece error: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("assembled = %q, want %q", got, content)
	}
}
