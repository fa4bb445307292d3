// Package config holds process-wide tunables for the download engine:
// network timeouts, peer fan-out limits, the default download directory,
// and the retry policy used for tracker announces and peer dials.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// DefaultDownloadDir is a per-OS default directory for completed
	// downloads. The CLI does not read it: its download commands require an
	// explicit -o destination.
	DefaultDownloadDir string

	// ClientID is this client's 20-byte peer id, sent in every handshake
	// and tracker announce.
	ClientID [sha1.Size]byte

	// ========== Networking ==========

	// ReadTimeout is the maximum time to wait for data from a peer before
	// considering the connection stalled.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending data to a peer
	// before considering the connection stalled. Peer sessions do not read
	// it: they apply their own fixed 45s deadline to every frame written.
	WriteTimeout time.Duration

	// DialTimeout is the maximum time to wait when establishing a new
	// connection to a peer.
	DialTimeout time.Duration

	// FanOut is the maximum number of peer dial attempts the download driver
	// runs concurrently. It does not cap how many sessions participate in a
	// single piece: every connected session holding the piece does.
	FanOut int

	// Port is the TCP port this client advertises to the tracker for
	// incoming peer connections.
	Port uint16

	// ========== Tracker / Announce ==========

	// NumWant is the maximum number of peers to request from the tracker
	// per announce.
	NumWant uint32

	// AnnounceRetry configures the backoff applied to a failed tracker
	// announce.
	AnnounceRetry RetryPolicy

	// DialRetry configures the backoff applied to a failed peer dial.
	DialRetry RetryPolicy

	// ========== Piece Requests ==========

	// MaxInflightRequestsPerPeer is a per-peer cap on outstanding block
	// requests. The engine does not read it: a participant keeps exactly one
	// request outstanding at a time.
	MaxInflightRequestsPerPeer int

	// ========== Miscellaneous ==========

	// EnableIPv6 records whether IPv6 peers may be used. The download driver
	// does not read it: it dials every address the tracker returns, IPv4 or
	// IPv6.
	EnableIPv6 bool

	// HasIPV6 records whether the local system has a usable IPv6 route,
	// independent of whether IPv6 peers are enabled.
	HasIPV6 bool
}

// RetryPolicy carries the attempt count and delay bounds of a retry.Policy
// as plain data, so config does not import the retry package; callers copy
// these fields into a retry.Policy.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Default returns sensible defaults for a download session.
func Default() (Config, error) {
	downloadDir := defaultDownloadDir()
	hasIPV6 := hasIPV6()

	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		DefaultDownloadDir: downloadDir,
		ClientID:           clientID,
		ReadTimeout:        45 * time.Second,
		WriteTimeout:       30 * time.Second,
		DialTimeout:        7 * time.Second,
		FanOut:             5,
		Port:               6881,
		NumWant:            50,
		AnnounceRetry: RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
		},
		DialRetry: RetryPolicy{
			MaxAttempts:  2,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
		MaxInflightRequestsPerPeer: 8,
		EnableIPv6:                 hasIPV6,
		HasIPV6:                    hasIPV6,
	}, nil
}

func hasIPV6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() &&
				!ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "leech")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "leech", "downloads")
	}
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-LC0001-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
