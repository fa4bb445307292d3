// Package tracker implements the HTTP tracker announce protocol: a GET
// request carrying swarm statistics, answered with a bencoded dictionary of
// candidate peers.
package tracker

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/harlowtide/leech/internal/bencode"
	"github.com/harlowtide/leech/internal/cast"
	"github.com/harlowtide/leech/internal/retry"
)

// Event represents a lifecycle state communicated to the tracker.
type Event uint32

const (
	// EventNone is sent on regular periodic announces.
	EventNone Event = iota
	// EventStarted marks the first announce after starting a download.
	EventStarted
	// EventStopped marks a graceful client shutdown.
	EventStopped
	// EventCompleted marks the transition from leeching to seeding.
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceParams carries the swarm state reported on every announce.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	NumWant    uint32
}

// AnnounceResult is the tracker's response: the peer list plus swarm
// statistics and the announce cadence it is asking for.
type AnnounceResult struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int64
	Seeders     int64
	Peers       []netip.AddrPort
}

const (
	strideV4 = 6
	strideV6 = 18
)

// Announcer is the subset of Client's surface the download driver depends
// on, letting tests substitute a scripted tracker for the real HTTP one.
type Announcer interface {
	Announce(ctx context.Context, params AnnounceParams) (*AnnounceResult, error)
}

// Client announces to a single HTTP tracker endpoint.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	trackerID string
	log       *slog.Logger
	retry     retry.Policy
}

// ClientOption configures optional Client behavior at construction time.
type ClientOption func(*Client)

// WithAnnounceRetry makes Announce retry a failed request (connection
// error, timeout, or any status other than 200) under p instead of failing on the
// first attempt.
func WithAnnounceRetry(p retry.Policy) ClientOption {
	return func(c *Client) { c.retry = p }
}

// NewClient builds a tracker client for the given announce URL. Only HTTP(S)
// trackers are supported.
func NewClient(announce string, log *slog.Logger, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid announce url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}

	if log == nil {
		log = slog.Default()
	}

	transport := &http.Transport{
		MaxIdleConns:          100,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}

	c := &Client{
		baseURL: u,
		http:    &http.Client{Transport: transport, Timeout: 30 * time.Second},
		log:     log.With("component", "tracker"),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Announce performs an announce request and returns the tracker's response,
// retrying transient failures per the Client's configured retry policy.
func (c *Client) Announce(ctx context.Context, params AnnounceParams) (*AnnounceResult, error) {
	c.log.Info(
		"announce.begin",
		slog.String("info_hash", hex.EncodeToString(params.InfoHash[:])),
		slog.String("event", params.Event.String()),
		slog.Uint64("uploaded", params.Uploaded),
		slog.Uint64("downloaded", params.Downloaded),
		slog.Uint64("left", params.Left),
	)

	start := time.Now()
	var resp *http.Response

	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildAnnounceURL(params), nil)
		if err != nil {
			return err
		}

		r, err := c.http.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(r.Body, 1024))
			r.Body.Close()
			return fmt.Errorf("tracker: announce returned status %d: %s", r.StatusCode, string(body))
		}

		resp = r
		return nil
	})
	lat := time.Since(start)
	if err != nil {
		c.log.Warn("announce.error", slog.Duration("latency", lat), slog.String("err", err.Error()))
		return nil, err
	}
	defer resp.Body.Close()

	result, err := parseAnnounceResult(resp.Body)
	if err != nil {
		c.log.Warn("announce.decode.error", slog.Duration("latency", lat), slog.String("err", err.Error()))
		return nil, err
	}

	if result.TrackerID != "" {
		c.trackerID = result.TrackerID
	}

	c.log.Info(
		"announce.ok",
		slog.Duration("latency", lat),
		slog.Int64("seeders", result.Seeders),
		slog.Int64("leechers", result.Leechers),
		slog.Int("peers", len(result.Peers)),
	)

	return result, nil
}

func (c *Client) buildAnnounceURL(params AnnounceParams) string {
	u := *c.baseURL
	q := u.Query()

	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(params.NumWant)))
	}
	if params.Event != EventNone {
		q.Set("event", params.Event.String())
	}
	if c.trackerID != "" {
		q.Set("trackerid", c.trackerID)
	}

	raw := u.String() + "?" + q.Encode()
	raw += "&info_hash=" + urlencodeBytes(params.InfoHash[:])
	raw += "&peer_id=" + urlencodeBytes(params.PeerID[:])
	return raw
}

// urlencodeBytes percent-encodes every byte of b as a lowercase %xx escape.
// Trackers expect info_hash and peer_id to be encoded this way; url.Values
// only escapes bytes outside a small "safe" set, which mangles arbitrary
// 20-byte binary strings that happen to contain alphanumeric bytes.
func urlencodeBytes(b []byte) string {
	const hexDigits = "0123456789abcdef"

	out := make([]byte, 0, len(b)*3)
	for _, c := range b {
		out = append(out, '%', hexDigits[c>>4], hexDigits[c&0x0f])
	}
	return string(out)
}

func parseAnnounceResult(r io.Reader) (*AnnounceResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: announce response is %T, want dict", raw)
	}

	if failure, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce failure: %s", failure)
	}
	if warning, ok := dict["warning reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce warning: %s", warning)
	}

	interval, err := cast.ToInt(dict["interval"])
	if err != nil {
		return nil, fmt.Errorf("tracker: interval: %w", err)
	}

	peers, err := parsePeers(dict)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid peers: %w", err)
	}

	minInterval, _ := cast.ToInt(dict["min interval"])
	seeders, _ := cast.ToInt(dict["complete"])
	leechers, _ := cast.ToInt(dict["incomplete"])
	trackerID, _ := cast.ToString(dict["trackerid"])

	return &AnnounceResult{
		TrackerID:   trackerID,
		Seeders:     seeders,
		Leechers:    leechers,
		Peers:       peers,
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
	}, nil
}

func parsePeers(d map[string]any) ([]netip.AddrPort, error) {
	var out []netip.AddrPort

	if v, ok := d["peers"]; ok {
		ps, err := decodePeers(v, false)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}

	if v6, ok := d["peers6"]; ok {
		ps, err := decodePeers(v6, true)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}

	return out, nil
}
