package membership

import (
	"time"
)

// Config holds settings for the memberlist-based membership layer.
type Config struct {
	NodeName string
	BindAddr string // host:port, port 0 picks a free one
	Seeds    []string
	// RaftAddr and HTTPAddr are advertised to peers in node metadata.
	RaftAddr       string
	HTTPAddr       string
	GossipInterval time.Duration
	ProbeInterval  time.Duration
	KeyHex         string // optional hex-encoded secret for keyring
}
