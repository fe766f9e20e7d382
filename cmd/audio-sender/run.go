package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TheChosenO1/pamplejuce/internal/audio"
	"github.com/TheChosenO1/pamplejuce/internal/config"
	"github.com/TheChosenO1/pamplejuce/internal/engine"
	"github.com/TheChosenO1/pamplejuce/internal/logging"
	"github.com/TheChosenO1/pamplejuce/internal/metrics"
	"github.com/TheChosenO1/pamplejuce/internal/probe"
	"github.com/TheChosenO1/pamplejuce/internal/transport"
)

var log = logging.L("main")

const shutdownTimeout = 10 * time.Second

func newEngine(cfg *config.Config, collector *metrics.Collector) *engine.Engine {
	return engine.New(engine.Options{
		Config:  cfg,
		Service: transport.NewClient(transport.Options{DialTimeout: cfg.WaitTimeout()}),
		Metrics: collector,
	})
}

func closeEngine(eng *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := eng.Close(ctx); err != nil {
		log.Warn("shutdown incomplete", logging.KeyError, err)
	}
}

func runSender() {
	cfg := loadConfig()
	logFile := initLogging(cfg)
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting audio-sender",
		"version", version,
		"server", cfg.ServerHost,
		"port", cfg.ControlPort,
		"workspace", cfg.Workspace,
	)

	collector := metrics.New()
	eng := newEngine(cfg, collector)
	defer closeEngine(eng)

	if err := eng.Start(ctx); err != nil {
		log.Error("engine start failed", logging.KeyError, err)
		return
	}

	code, err := eng.SetupControlChannel(ctx)
	if err != nil {
		log.Error("control channel setup failed", logging.KeyStatusCode, code, logging.KeyError, err)
		return
	}
	if code, err := eng.CreateSender(ctx); err != nil {
		log.Error("sender stream creation failed", logging.KeyStatusCode, code, logging.KeyError, err)
		return
	}

	src, err := audio.Open(cfg.Source, cfg.SourcePath, cfg.ToneHz, cfg.SampleRate)
	if err != nil {
		log.Error("open audio source failed", logging.KeyError, err)
		return
	}
	defer src.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return audio.Pump(gctx, src, cfg.Channels, cfg.FrameSize, cfg.FrameInterval(), func(f *audio.Frame) {
			eng.ProcessBlock(f)
		})
	})

	if cfg.MetricsListen != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           statusMux(eng, collector),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("metrics listener started", "addr", cfg.MetricsListen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if logFile != nil {
		g.Go(func() error {
			reopenOnHangup(gctx, logFile)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("sender stopped", logging.KeyError, err)
	}
	log.Info("shutting down", "sent", eng.Status().Sender.Sent)
}

func statusMux(eng *engine.Engine, collector *metrics.Collector) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		summary := eng.Health().Summary()
		summary["state"] = string(eng.Status().State)
		json.NewEncoder(w).Encode(summary)
	})
	return mux
}

func runProbe() {
	cfg := loadConfig()
	logFile := initLogging(cfg)
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := newEngine(cfg, nil)
	defer closeEngine(eng)

	if code, err := eng.SetupControlChannel(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed (status %d): %v\n", code, err)
		return
	}
	fmt.Printf("Authenticated with %s, probing...\n", cfg.ServerHost)

	// The run itself takes PacketCount probe intervals; feedback then has
	// the usual wait timeout to arrive.
	runTime := time.Duration(probe.PacketCount) * probe.DefaultInterval
	wctx, cancel := context.WithTimeout(ctx, runTime+cfg.WaitTimeout())
	defer cancel()
	err := eng.Controller().WaitJitterReady(wctx)

	st := eng.Status()
	fmt.Printf("Probes sent: %d/%d\n", st.Measurements, st.ProbeCount)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Jitter estimate incomplete: %v\n", err)
	}
	fmt.Printf("Jitter: %d us\n", st.Jitter)
	fmt.Printf("Average jitter: %d us\n", st.AverageJitter)

	if err := eng.DisconnectControlChannel(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Disconnect failed: %v\n", err)
	}
}
