// Package probe measures data channel jitter with a fixed run of timing
// packets and the transit times the server reports back for them.
package probe

import (
	"context"
	"sync"

	"github.com/TheChosenO1/pamplejuce/internal/syncvar"
)

const (
	// PacketCount is the number of probes in one run.
	PacketCount = 10000
	// LastIndex is the index of the final probe. Its feedback marks the
	// estimate ready, whatever order reports arrive in.
	LastIndex = PacketCount - 1
	// PacketSize is the probe payload length in bytes.
	PacketSize = 1024

	noSample  = -1
	ewmaShift = 16
)

// Estimate is a snapshot of the estimator state. Times are microseconds.
type Estimate struct {
	LastTransitTime  int64
	InterArrivalTime int64
	Jitter           int64
	TotalJitter      int64
	SampleCount      int64
	Ready            bool
}

// Estimator keeps an RFC 3550 style running jitter estimate over probe
// transit times. Integer arithmetic is kept so values match receivers
// computing the same estimate.
type Estimator struct {
	mu    sync.Mutex
	est   Estimate
	ready *syncvar.Var[bool]
}

// NewEstimator creates an estimator with no samples.
func NewEstimator() *Estimator {
	return &Estimator{
		est:   Estimate{LastTransitTime: noSample},
		ready: syncvar.New(false),
	}
}

// UpdateEstimatedJitter folds one feedback report into the estimate. The
// first report only seeds the previous transit time.
func (e *Estimator) UpdateEstimatedJitter(transitTime int64, index int) {
	e.mu.Lock()
	if e.est.LastTransitTime == noSample {
		e.est.LastTransitTime = transitTime
	} else {
		e.est.InterArrivalTime = transitTime - e.est.LastTransitTime
		e.est.LastTransitTime = transitTime
		e.est.Jitter += (abs(e.est.InterArrivalTime) - e.est.Jitter) / ewmaShift
		e.est.TotalJitter += e.est.Jitter
	}
	e.est.SampleCount++

	becameReady := index == LastIndex && !e.est.Ready
	if becameReady {
		e.est.Ready = true
	}
	e.mu.Unlock()

	if becameReady {
		e.ready.Set(true)
	}
}

// AverageJitter returns TotalJitter / SampleCount, or 0 before any report.
func (e *Estimator) AverageJitter() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.est.SampleCount == 0 {
		return 0
	}
	return e.est.TotalJitter / e.est.SampleCount
}

// Jitter returns the current smoothed estimate.
func (e *Estimator) Jitter() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.est.Jitter
}

// Ready reports whether feedback for the last probe index has arrived.
func (e *Estimator) Ready() bool {
	return e.ready.Get()
}

// WaitReady blocks until Ready or ctx is done.
func (e *Estimator) WaitReady(ctx context.Context) error {
	return e.ready.WaitFor(ctx, true)
}

// Snapshot returns a copy of the current estimate.
func (e *Estimator) Snapshot() Estimate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.est
}

// Reset discards all samples for a new session.
func (e *Estimator) Reset() {
	e.mu.Lock()
	e.est = Estimate{LastTransitTime: noSample}
	e.mu.Unlock()
	e.ready.Set(false)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
