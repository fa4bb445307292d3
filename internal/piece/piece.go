// Package piece implements piece layout arithmetic and the rarest-first
// scheduling order over pending pieces.
package piece

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"net/netip"
	"strings"

	"github.com/harlowtide/leech/internal/heap"
)

// Descriptor is everything the scheduler needs to know about one pending
// piece before it starts downloading it: expected size and digest, and the
// set of connected peers known (from their bitfields) to hold it.
type Descriptor struct {
	Index      int
	Length     int
	Digest     [sha1.Size]byte
	Candidates []netip.AddrPort

	seed uint64
}

// NewDescriptor builds a Descriptor. sessionSeed is a value fixed once per
// download (not per piece) that is mixed with the piece index to perturb the
// tie-break order deterministically across otherwise-identical pieces: the
// same sessionSeed always yields the same order.
func NewDescriptor(index, length int, digest [sha1.Size]byte, candidates []netip.AddrPort, sessionSeed uint64) *Descriptor {
	return &Descriptor{
		Index:      index,
		Length:     length,
		Digest:     digest,
		Candidates: candidates,
		seed:       perPieceSeed(sessionSeed, index),
	}
}

func perPieceSeed(sessionSeed uint64, index int) uint64 {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], sessionSeed)
	binary.BigEndian.PutUint64(buf[8:16], uint64(index))
	sum := sha1.Sum(buf[:])
	return binary.BigEndian.Uint64(sum[:8])
}

// Less implements the total order over pending pieces: ascending candidate
// count (rarest first), then the per-session seed, the expected digest, the
// piece length, the candidate set compared lexicographically, and finally
// the piece index.
func Less(a, b *Descriptor) bool {
	if len(a.Candidates) != len(b.Candidates) {
		return len(a.Candidates) < len(b.Candidates)
	}
	if a.seed != b.seed {
		return a.seed < b.seed
	}
	if c := bytes.Compare(a.Digest[:], b.Digest[:]); c != 0 {
		return c < 0
	}
	if a.Length != b.Length {
		return a.Length < b.Length
	}
	if c := compareCandidates(a.Candidates, b.Candidates); c != 0 {
		return c < 0
	}
	return a.Index < b.Index
}

func compareCandidates(a, b []netip.AddrPort) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(a[i].String(), b[i].String()); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

// Queue is a rarest-first priority queue of pending pieces.
type Queue struct {
	pq *heap.PriorityQueue[*Descriptor]
}

// NewQueue returns an empty scheduling queue.
func NewQueue() *Queue {
	return &Queue{pq: heap.NewPriorityQueue(Less)}
}

// Push enqueues a pending piece.
func (q *Queue) Push(d *Descriptor) { q.pq.Enqueue(d) }

// Pop removes and returns the next piece to schedule, in priority order.
func (q *Queue) Pop() (*Descriptor, bool) { return q.pq.Dequeue() }

// Len returns the number of pending pieces.
func (q *Queue) Len() int { return q.pq.Len() }

// BuildQueue partitions descriptors into a schedulable priority queue and
// the subset with zero candidate peers, which cannot be scheduled at all
// until more peers are discovered.
func BuildQueue(descriptors []*Descriptor) (q *Queue, blocked []*Descriptor) {
	q = NewQueue()
	for _, d := range descriptors {
		if len(d.Candidates) == 0 {
			blocked = append(blocked, d)
			continue
		}
		q.Push(d)
	}
	return q, blocked
}
