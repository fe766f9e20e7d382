package probe

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/TheChosenO1/pamplejuce/internal/logging"
	"github.com/TheChosenO1/pamplejuce/internal/metrics"
	"github.com/TheChosenO1/pamplejuce/internal/transport"
)

var log = logging.L("probe")

// DefaultInterval is the spacing between probes.
const DefaultInterval = 1000 * time.Microsecond

var ErrProbeRunning = errors.New("probe: a probe run is already in progress")

// DataSender is the part of the transport the probe loop needs.
type DataSender interface {
	SendData(ch transport.ChannelID, payload []byte, meta any) error
}

// Options override the probe run shape. Zero values select the defaults.
type Options struct {
	Count      int
	Interval   time.Duration
	PacketSize int
	Metrics    *metrics.Collector
}

// Result summarises a finished or cancelled run.
type Result struct {
	Sent   int
	Failed int
}

// Prober sends the fixed probe sequence on a data channel.
type Prober struct {
	svc        DataSender
	count      int
	interval   time.Duration
	packetSize int
	metrics    *metrics.Collector

	running      atomic.Bool
	measurements atomic.Int64
	failures     atomic.Int64
}

// NewProber creates a prober that sends through svc.
func NewProber(svc DataSender, opts Options) *Prober {
	if opts.Count <= 0 {
		opts.Count = PacketCount
	}
	if opts.Interval < 0 {
		opts.Interval = 0
	} else if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.PacketSize <= 0 {
		opts.PacketSize = PacketSize
	}
	return &Prober{
		svc:        svc,
		count:      opts.Count,
		interval:   opts.Interval,
		packetSize: opts.PacketSize,
		metrics:    opts.Metrics,
	}
}

// Run sends Count probes on ch, one per Interval, and returns when all are
// sent or ctx is done. Send failures are logged and counted; the run goes
// on. Only one run may be active at a time.
func (p *Prober) Run(ctx context.Context, ch transport.ChannelID) (Result, error) {
	if !p.running.CompareAndSwap(false, true) {
		return Result{}, ErrProbeRunning
	}
	defer p.running.Store(false)

	p.measurements.Store(0)
	p.failures.Store(0)
	payload := make([]byte, p.packetSize)
	start := time.Now()
	log.Info("probe run started", logging.KeyChannelID, int64(ch), "count", p.count, "interval", p.interval)

	var ticker *time.Ticker
	if p.interval > 0 {
		ticker = time.NewTicker(p.interval)
		defer ticker.Stop()
	}

	var res Result
	for i := 0; i < p.count; i++ {
		if err := ctx.Err(); err != nil {
			log.Warn("probe run cancelled", "sent", res.Sent, "failed", res.Failed)
			return res, err
		}

		meta := transport.ProbeMeta{PacketIndex: i, Timestamp: time.Now().UnixMicro()}
		if err := p.svc.SendData(ch, payload, meta); err != nil {
			res.Failed++
			p.failures.Add(1)
			p.metrics.SendError(metrics.StreamProbe)
			log.Debug("probe send failed", "index", i, "error", err)
		} else {
			res.Sent++
			p.metrics.PacketSent(metrics.StreamProbe, len(payload))
		}
		p.measurements.Store(int64(i + 1))

		if ticker != nil && i < p.count-1 {
			select {
			case <-ctx.Done():
				log.Warn("probe run cancelled", "sent", res.Sent, "failed", res.Failed)
				return res, ctx.Err()
			case <-ticker.C:
			}
		}
	}

	log.Info("probe run finished",
		"sent", res.Sent,
		"failed", res.Failed,
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)
	return res, nil
}

// Measurements is the number of probes attempted in the current or last run.
func (p *Prober) Measurements() int64 {
	return p.measurements.Load()
}

// Failures is the number of probe sends that failed in the current or last
// run.
func (p *Prober) Failures() int64 {
	return p.failures.Load()
}

// Running reports whether a run is in progress.
func (p *Prober) Running() bool {
	return p.running.Load()
}

// Count is the number of probes per run.
func (p *Prober) Count() int {
	return p.count
}
