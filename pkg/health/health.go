// Package health implements liveness probing of Arweave peer nodes, used by
// internal/chain to rank peers and demote ones that stop answering.
package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check.
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of a single probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface every peer probe implements.
type Checker interface {
	// Check performs the health check and returns the result.
	Check(ctx context.Context) Result

	// Type returns the type of health check.
	Type() CheckType
}

// Config contains common configuration for peer probing.
type Config struct {
	// Interval is the time between probes of the same peer.
	Interval time.Duration

	// Timeout is the maximum time to wait for a probe to complete.
	Timeout time.Duration

	// Retries is the number of consecutive failures before PeerStatus.Update
	// marks a peer unhealthy.
	Retries int
}

// DefaultConfig returns a Config with sensible defaults for peer probing.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  3,
	}
}

// PeerStatus tracks the probe history of a single peer. internal/chain does
// not use it: RefreshPeers leaves out any peer whose single probe fails.
type PeerStatus struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
	StartedAt            time.Time
}

// NewPeerStatus creates a new PeerStatus, optimistic until proven otherwise.
func NewPeerStatus() *PeerStatus {
	return &PeerStatus{
		Healthy:   true,
		StartedAt: time.Now(),
	}
}

// Update folds a new probe result into the peer's status.
func (s *PeerStatus) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.ConsecutiveFailures >= config.Retries {
			s.Healthy = false
		}
	}
}
