// Package target models the external NVMe-oF/TCP front-end target stack a
// nexus publishes itself through. No in-process NVMe/TCP target
// implementation is available to a pure Go process, so this is an
// interface plus an in-memory Simulated implementation standing in for it
// in tests and for nodes that don't wire a real target binary.
package target

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
)

// ErrSubsystemNotFound is returned by operations against an nqn the target
// has no record of.
var ErrSubsystemNotFound = errors.New("target: nqn not found")

// AnaState mirrors pkg/nexus.AnaState without importing it, avoiding an
// import cycle (pkg/nexus depends on this package, not the reverse).
type AnaState int

const (
	AnaUnknown AnaState = iota
	AnaOptimized
	AnaNonOptimized
	AnaInaccessible
)

// Target publishes and unpublishes nexus block devices over NVMe-oF/TCP.
// A real implementation drives an external target process (e.g. SPDK's
// nvmf_tgt) over its RPC socket; Simulated below stands in for tests.
type Target interface {
	// Publish exposes nqn at a reachable nvmf:// URI, gated by an optional
	// 16-byte key and an allowed-host NQN list. Publishing an already
	// published nqn with identical key/hosts is a no-op returning the
	// existing URI.
	Publish(ctx context.Context, nqn string, key []byte, allowedHosts []string) (uri string, err error)

	// Unpublish tears down nqn. Idempotent: unpublishing an nqn that was
	// never published is a no-op.
	Unpublish(ctx context.Context, nqn string) error

	// SetAnaState sets the ANA state reported to initiators for nqn.
	SetAnaState(ctx context.Context, nqn string, state AnaState) error

	// IsPublished reports whether nqn currently has an active subscription.
	IsPublished(nqn string) bool
}

type subsystem struct {
	uri          string
	key          []byte
	allowedHosts []string
	ana          AnaState
}

// Simulated is an in-process Target keeping subsystem state in memory,
// synthesizing a loopback nvmf:// URI rather than reaching a real target
// process.
type Simulated struct {
	hostPort string

	mu   sync.RWMutex
	subs map[string]*subsystem
}

// NewSimulated constructs a Simulated target that reports hostPort (e.g.
// "127.0.0.1:4420") as the reachable address in synthesized URIs.
func NewSimulated(hostPort string) *Simulated {
	return &Simulated{hostPort: hostPort, subs: make(map[string]*subsystem)}
}

func sameHosts(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Publish implements Target.
func (s *Simulated) Publish(ctx context.Context, nqn string, key []byte, allowedHosts []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.subs[nqn]; ok {
		if string(existing.key) == string(key) && sameHosts(existing.allowedHosts, allowedHosts) {
			return existing.uri, nil
		}
		return "", fmt.Errorf("target: %s already published with a different key", nqn)
	}

	u := url.URL{Scheme: "nvmf", Host: s.hostPort, Path: "/" + nqn}
	sub := &subsystem{uri: u.String(), key: append([]byte(nil), key...), allowedHosts: append([]string(nil), allowedHosts...)}
	s.subs[nqn] = sub
	return sub.uri, nil
}

// Unpublish implements Target.
func (s *Simulated) Unpublish(ctx context.Context, nqn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, nqn)
	return nil
}

// SetAnaState implements Target.
func (s *Simulated) SetAnaState(ctx context.Context, nqn string, state AnaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[nqn]
	if !ok {
		return ErrSubsystemNotFound
	}
	sub.ana = state
	return nil
}

// IsPublished implements Target.
func (s *Simulated) IsPublished(nqn string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subs[nqn]
	return ok
}

var _ Target = (*Simulated)(nil)
