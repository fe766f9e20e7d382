// Package engine is the host-facing side of the sender. The host drives the
// session through the control operations and hands every captured block to
// ProcessBlock from its real-time callback.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/TheChosenO1/pamplejuce/internal/audio"
	"github.com/TheChosenO1/pamplejuce/internal/config"
	"github.com/TheChosenO1/pamplejuce/internal/controller"
	"github.com/TheChosenO1/pamplejuce/internal/health"
	"github.com/TheChosenO1/pamplejuce/internal/logging"
	"github.com/TheChosenO1/pamplejuce/internal/metrics"
	"github.com/TheChosenO1/pamplejuce/internal/probe"
	"github.com/TheChosenO1/pamplejuce/internal/sender"
	"github.com/TheChosenO1/pamplejuce/internal/syncvar"
	"github.com/TheChosenO1/pamplejuce/internal/transport"
	"github.com/TheChosenO1/pamplejuce/internal/workerpool"
)

var log = logging.L("engine")

// Options wire an Engine. Config and Service are required.
type Options struct {
	Config  *config.Config
	Service transport.Service
	Metrics *metrics.Collector
	// Probe overrides the probe run shape, mainly for tests.
	Probe probe.Options
}

// Status is a point-in-time view for hosts that poll.
type Status struct {
	State                  controller.State
	AuthStatusCode         int
	CreateSenderStatusCode int
	Loading                bool
	HandledAuth            bool
	Measurements           int64
	ProbeCount             int
	Jitter                 int64
	AverageJitter          int64
	JitterReady            bool
	Session                controller.Session
	Volume                 float32
	Sender                 sender.Stats
	Pool                   workerpool.Stats
	Health                 health.Status
}

// Engine is the host-facing audio sender. It owns the worker pool, the
// connection controller and the stream sender of one session at a time.
type Engine struct {
	cfg     *config.Config
	svc     transport.Service
	pool    *workerpool.Pool
	ctrl    *controller.Controller
	sender  *sender.Sender
	health  *health.Monitor
	metrics *metrics.Collector
	volume  *syncvar.Var[float32]

	mu      sync.Mutex
	started bool
	closed  bool
	stopRun context.CancelFunc
	runDone chan struct{}
}

// New creates an engine. Call Start before sending audio.
func New(opts Options) *Engine {
	cfg := opts.Config
	mon := health.NewMonitor()
	pool := workerpool.New(cfg.Workers, cfg.TaskQueueSize)

	ctrl := controller.New(controller.Options{
		Service: opts.Service,
		Pool:    pool,
		Control: transport.ControlConfig{
			Host:         cfg.ServerHost,
			Port:         cfg.ControlPort,
			Scheme:       cfg.ControlScheme,
			Path:         cfg.ControlPath,
			DataProtocol: cfg.DataProtocol,
			DSCP:         cfg.DSCP,
		},
		ProbeWorkspace:  cfg.ProbeWorkspace,
		ProbeStreamType: cfg.ProbeStreamType,
		Probe:           opts.Probe,
		WaitTimeout:     cfg.WaitTimeout(),
		Metrics:         opts.Metrics,
		Health:          mon,
	})

	e := &Engine{
		cfg:     cfg,
		svc:     opts.Service,
		pool:    pool,
		ctrl:    ctrl,
		health:  mon,
		metrics: opts.Metrics,
		volume:  syncvar.New(float32(cfg.Volume)),
	}
	e.sender = sender.New(sender.Options{
		Service:     opts.Service,
		Channel:     func() transport.ChannelID { return ctrl.Session().DataChannel },
		Loading:     ctrl.Loading,
		OnFirstSend: ctrl.BeginStreaming,
		QueueSize:   cfg.FrameQueueSize,
		Metrics:     opts.Metrics,
	})
	e.registerPoolMetrics()
	return e
}

func (e *Engine) registerPoolMetrics() {
	if e.metrics == nil {
		return
	}
	e.metrics.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "audio_sender",
			Subsystem: "workerpool",
			Name:      "queued_tasks",
			Help:      "Tasks waiting for a worker.",
		}, func() float64 { return float64(e.pool.Stats().Queued) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "audio_sender",
			Subsystem: "workerpool",
			Name:      "running_tasks",
			Help:      "Tasks currently running.",
		}, func() float64 { return float64(e.pool.Stats().Running) }),
	)
}

// Start runs the sender drain loop on the worker pool. The loop stops when
// ctx is done or the engine is closed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return workerpool.ErrPoolStopped
	}
	if e.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	err := e.pool.SubmitWait(ctx, func() {
		defer close(done)
		stop := context.AfterFunc(e.pool.Context(), cancel)
		defer stop()
		e.sender.Run(runCtx)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start sender: %w", err)
	}

	e.started = true
	e.stopRun = cancel
	e.runDone = done
	e.health.Update(health.Sender, health.Healthy, "")
	log.Info("engine started",
		"channels", e.cfg.Channels,
		"frame_size", e.cfg.FrameSize,
		"sample_rate", e.cfg.SampleRate,
		"workers", e.cfg.Workers,
	)
	return nil
}

// SetupControlChannel connects to the configured server and authenticates
// with the configured credentials.
func (e *Engine) SetupControlChannel(ctx context.Context) (int, error) {
	return e.ctrl.SetupControlChannel(ctx, e.cfg.ServerHost, e.cfg.Username, e.cfg.Password)
}

// CreateSender creates the audio stream in the configured workspace. On
// success the loading gate is clear and ProcessBlock starts sending.
func (e *Engine) CreateSender(ctx context.Context) (int, error) {
	e.sender.Reset()
	return e.ctrl.CreateSenderAndWait(ctx, e.cfg.Workspace, e.cfg.StreamType)
}

// DisconnectControlChannel drops the session's streams and closes the
// control channel.
func (e *Engine) DisconnectControlChannel(ctx context.Context) error {
	err := e.ctrl.DisconnectControlChannel(ctx)
	e.sender.Reset()
	return err
}

// ProcessBlock is called from the capture callback. The block is queued for
// sending when the stream is live and it carries at least min_channels
// channels. The monitor volume is then applied in place, so sent audio is
// never scaled. ProcessBlock never blocks.
func (e *Engine) ProcessBlock(f *audio.Frame) bool {
	queued := false
	if !e.ctrl.Loading() && f.NumChannels() >= e.cfg.MinChannels {
		e.sender.Enqueue(f)
		queued = true
	}
	f.ApplyGain(e.volume.Get())
	return queued
}

func (e *Engine) SetVolume(v float32) {
	if v < 0 {
		v = 0
	}
	e.volume.Set(v)
}

func (e *Engine) Volume() float32 {
	return e.volume.Get()
}

// Close tears the session down. A live stream is disconnected first.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	stop, done := e.stopRun, e.runDone
	e.mu.Unlock()

	var errs []error
	if !e.ctrl.Loading() {
		if err := e.ctrl.DisconnectControlChannel(ctx); err != nil {
			log.Warn("disconnect on close failed", logging.KeyError, err)
			errs = append(errs, err)
		}
	}
	e.ctrl.Close()

	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	e.pool.Shutdown(ctx)

	if err := e.svc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	e.health.Update(health.Sender, health.Unknown, "closed")
	log.Info("engine closed")
	return errors.Join(errs...)
}

// Controller exposes the session controller for hosts that drive the steps
// individually.
func (e *Engine) Controller() *controller.Controller {
	return e.ctrl
}

func (e *Engine) Health() *health.Monitor {
	return e.health
}

func (e *Engine) Status() Status {
	return Status{
		State:                  e.ctrl.State(),
		AuthStatusCode:         e.ctrl.AuthStatusCode(),
		CreateSenderStatusCode: e.ctrl.CreateSenderStatusCode(),
		Loading:                e.ctrl.Loading(),
		HandledAuth:            e.ctrl.HandledAuth(),
		Measurements:           e.ctrl.Measurements(),
		ProbeCount:             e.ctrl.ProbeCount(),
		Jitter:                 e.ctrl.Jitter(),
		AverageJitter:          e.ctrl.AverageJitter(),
		JitterReady:            e.ctrl.JitterReady(),
		Session:                e.ctrl.Session(),
		Volume:                 e.Volume(),
		Sender:                 e.sender.Stats(),
		Pool:                   e.pool.Stats(),
		Health:                 e.health.Overall(),
	}
}
