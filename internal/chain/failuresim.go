package chain

import (
	"math/rand/v2"

	"github.com/cuemby/arweave-gateway/internal/chainerr"
	"github.com/cuemby/arweave-gateway/pkg/metrics"
)

// FailureSimulator deterministically injects faults into outbound requests
// so retry and fork-repair paths can be exercised without a flaky upstream.
// The default p = 0 is a no-op. math/rand/v2's top-level functions are safe
// for concurrent use, so FailureSimulator needs no locking of its own.
type FailureSimulator struct {
	p float64
}

// NewFailureSimulator returns a simulator that fails outbound requests with
// probability p, clamped to [0, 1].
func NewFailureSimulator(p float64) *FailureSimulator {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return &FailureSimulator{p: p}
}

// MaybeFail returns chainerr.ErrSimulated with probability p.
func (f *FailureSimulator) MaybeFail() error {
	if f.p <= 0 {
		return nil
	}
	if rand.Float64() < f.p {
		metrics.SimulatedFailuresTotal.Inc()
		return chainerr.ErrSimulated
	}
	return nil
}
