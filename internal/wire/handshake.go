// Package wire implements the BitTorrent peer wire protocol: the one-time
// handshake record and the length-prefixed message frames exchanged for the
// lifetime of a connection.
package wire

import (
	"crypto/sha1"
	"encoding"
	"errors"
	"io"
)

const (
	protocolString = "BitTorrent protocol"
	reservedLen    = 8
)

// Handshake is the fixed 68-byte record exchanged once, in both directions,
// before any framed message.
//
// Wire format: <pstrlen:1><pstr:19><reserved:8><info_hash:20><peer_id:20>
type Handshake struct {
	Pstr     string
	Reserved [reservedLen]byte
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

var (
	ErrProtocolMismatch = errors.New("wire: handshake protocol string mismatch")
	ErrBadPstrlen       = errors.New("wire: handshake invalid protocol string length")
	ErrShortHandshake   = errors.New("wire: handshake short read")
	ErrInfoHashMismatch = errors.New("wire: handshake info hash mismatch")
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
)

// NewHandshake builds a canonical handshake for the given info hash and
// local peer id, with zeroed reserved bytes.
func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{
		Pstr:     protocolString,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

func (h *Handshake) MarshalBinary() ([]byte, error) {
	if len(h.Pstr) == 0 || len(h.Pstr) > 255 {
		return nil, ErrBadPstrlen
	}

	n := 1 + len(h.Pstr) + reservedLen + sha1.Size + sha1.Size
	buf := make([]byte, n)

	buf[0] = byte(len(h.Pstr))
	off := 1
	off += copy(buf[off:], h.Pstr)
	off += copy(buf[off:], h.Reserved[:])
	off += copy(buf[off:], h.InfoHash[:])
	copy(buf[off:], h.PeerID[:])

	return buf, nil
}

func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return ErrShortHandshake
	}

	pstrlen := int(b[0])
	if pstrlen == 0 || pstrlen > 255 {
		return ErrBadPstrlen
	}

	const tail = reservedLen + sha1.Size + sha1.Size
	if len(b) < 1+pstrlen+tail {
		return ErrShortHandshake
	}

	start := 1
	end := start + pstrlen
	copy(h.Reserved[:], b[end:end+reservedLen])
	copy(h.InfoHash[:], b[end+reservedLen:end+reservedLen+sha1.Size])
	copy(h.PeerID[:], b[end+reservedLen+sha1.Size:])
	h.Pstr = string(b[start:end])

	return nil
}

func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return 0, ErrShortHandshake
		}
		return 0, err
	}

	pstrlen := int(hdr[0])
	if pstrlen == 0 || pstrlen > 255 {
		return 1, ErrBadPstrlen
	}

	rest := make([]byte, pstrlen+reservedLen+sha1.Size+sha1.Size)
	if _, err := io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return int64(1 + len(rest)), ErrShortHandshake
		}
		return int64(1 + len(rest)), err
	}

	if err := h.UnmarshalBinary(append(hdr[:], rest...)); err != nil {
		return int64(1 + len(rest)), err
	}

	return int64(1 + len(rest)), nil
}

// ReadHandshake reads a complete handshake record from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w in wire format.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := h.WriteTo(w)
	return err
}

// Exchange writes the local handshake, reads the remote one, and validates
// the protocol string and (when requested) the info hash.
func (h Handshake) Exchange(rw io.ReadWriter, verifyInfoHash bool) (Handshake, error) {
	if _, err := (&h).WriteTo(rw); err != nil {
		return Handshake{}, err
	}

	var peer Handshake
	if _, err := (&peer).ReadFrom(rw); err != nil {
		return Handshake{}, err
	}

	if peer.Pstr != protocolString {
		return Handshake{}, ErrProtocolMismatch
	}
	if verifyInfoHash && peer.InfoHash != h.InfoHash {
		return Handshake{}, ErrInfoHashMismatch
	}

	return peer, nil
}
