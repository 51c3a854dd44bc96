// Package registry holds the fixed-size table of ioserver endpoints and
// the per-connection server selector described by the forwarder's
// selection-and-health model: a server is available while its health is
// zero, unavailable once a connect attempt drives it negative, and is
// only reconsidered as the selector's reject-and-increment rule nudges
// its health back toward zero.
package registry

import (
	"crypto/rand"
	"fmt"
	"sync"

	"inet.af/netaddr"
)

// MaxServers bounds the server table, mirroring the reference
// implementation's MAX_SERVER.
const MaxServers = 64

// ConnectFailurePenalty is the health value a server is set to after a
// failed connect attempt. At -10, roughly ten selector rejections are
// needed to walk it back to eligibility (health increments by one per
// rejection).
const ConnectFailurePenalty = -10

// MaxSecretLen is the longest shared secret a server entry carries;
// longer secrets are truncated to exactly this many bytes.
const MaxSecretLen = 256

// forceSelectAttemptsPerServer bounds the selector's reject-and-retry loop. The
// reference implementation can in principle spin forever if every
// server is unavailable; this cap forces a pick instead, per spec.
const forceSelectAttemptsPerServer = 16

// Server is one ioserver endpoint: an immutable address and shared
// secret, resolved once at startup, plus a mutable health counter.
type Server struct {
	ID     int
	Addr   string // dial target, "host:port"
	IP     netaddr.IPPort
	Secret []byte

	health int // 0 = available, negative = unavailable
}

// Health returns the server's current health value.
func (s *Server) Health() int { return s.health }

// NewServer builds a Server entry, truncating secret to MaxSecretLen
// bytes if longer. addr must already be resolved to a dialable
// "host:port" string; ip is the same endpoint in parsed form.
func NewServer(id int, addr string, ip netaddr.IPPort, secret []byte) *Server {
	if len(secret) > MaxSecretLen {
		secret = secret[:MaxSecretLen]
	}
	truncated := make([]byte, len(secret))
	copy(truncated, secret)
	return &Server{ID: id, Addr: addr, IP: ip, Secret: truncated}
}

// Registry is the process-lifetime table of configured ioservers plus
// the selector operating over it. The table is the only mutable state
// shared across concurrent queries, so all access goes through methods
// that serialize on a single mutex.
type Registry struct {
	mu      sync.Mutex
	servers []*Server
}

func New(servers []*Server) (*Registry, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("registry: at least one server is required")
	}
	if len(servers) > MaxServers {
		return nil, fmt.Errorf("registry: %d servers exceeds max of %d", len(servers), MaxServers)
	}
	return &Registry{servers: servers}, nil
}

// Len returns the number of configured servers.
func (r *Registry) Len() int { return len(r.servers) }

// Server returns the server at id. id must be in [0, Len()).
func (r *Registry) Server(id int) *Server {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.servers[id]
}

// Penalize marks a server unavailable after a failed connect attempt.
func (r *Registry) Penalize(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[id].health = ConnectFailurePenalty
}

// Pick selects a healthy server uniformly at random. It draws a random
// byte, reduces it modulo the table size, and returns that candidate if
// its health is non-negative; otherwise it increments the candidate's
// health (the recovery-by-rejection rule) and draws again. The loop is
// capped at Len()*16 rejections, after which it force-picks the last
// candidate drawn regardless of health, guaranteeing termination even
// if every server is currently unavailable.
func (r *Registry) Pick() (*Server, error) {
	n := len(r.servers)
	limit := n * forceSelectAttemptsPerServer

	var last *Server
	for attempt := 0; attempt < limit; attempt++ {
		id, err := randomIndex(n)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		s := r.servers[id]
		if s.health >= 0 {
			r.mu.Unlock()
			return s, nil
		}
		s.health++
		last = s
		r.mu.Unlock()
	}
	return last, nil
}

func randomIndex(n int) (int, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("registry: reading random byte: %w", err)
	}
	return int(b[0]) % n, nil
}
